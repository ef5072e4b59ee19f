package automaton

import (
	"fmt"

	"ciptargetd/hd"
)

// DFA is a state that delegates to an Initial sub-state, runs that
// sub-machine to its own terminal acceptance, then considers its own
// outgoing transitions. Sub-machines inherit the parent's Source and HD;
// their Context is concatenated onto the parent path (see joinPath).
//
// A Greedy DFA loops back to Initial on its own epsilon transition as long
// as the sub-machine can still make progress; a non-greedy DFA runs the
// sub-machine exactly once and then exits.
type DFA struct {
	Base
	Initial State
	Greedy  bool

	// resumeState lets Process pick back up inside the sub-machine across
	// a Suspended outcome, instead of restarting at Initial every time;
	// resumeIterCnt counts greedy loop-backs against
	// maxGreedyIterationsGuard.
	resumeState    State
	resumeIterCnt  int
}

func NewDFA(name, context string, initial State, greedy bool) *DFA {
	d := &DFA{Initial: initial, Greedy: greedy}
	d.NameStr, d.Ctx = name, context
	return d
}

func (d *DFA) Process(src Source, dict *hd.Dict, path string) (Step, error) {
	cur := d.resumeState
	if cur == nil {
		cur = d.Initial
	}
	for {
		outcome, err := Run(src, dict, path, cur)
		switch outcome {
		case Suspended:
			d.resumeState = cur
			return StepSuspended, nil
		case Failed:
			d.resumeState = nil
			return StepFailed, err
		}
		// Terminal: the sub-machine accepted.
		d.resumeState = nil
		if !d.Greedy {
			return StepDone, nil
		}
		// Greedy: try to loop back to Initial; if no more input is
		// forthcoming or the stream is exhausted, stop gracefully.
		if _, ok := src.Peek(); !ok {
			return StepDone, nil
		}
		d.resumeIterCnt++
		if d.resumeIterCnt > maxGreedyIterationsGuard {
			return StepFailed, fmt.Errorf("dfa(%s): exceeded greedy iteration guard (%d)", d.NameStr, maxGreedyIterationsGuard)
		}
		cur = d.Initial
	}
}

// maxGreedyIterationsGuard bounds a greedy DFA that would otherwise spin
// forever on a sub-machine that accepts the empty string.
const maxGreedyIterationsGuard = 1 << 20
