package automaton

import (
	"fmt"

	"ciptargetd/hd"
)

// Step is the result of one call to a State's Process method.
type Step int

const (
	// StepDone means this state's own consumption finished normally;
	// the driver should now evaluate its outgoing transitions.
	StepDone Step = iota
	// StepSuspended means the state needs more input than is currently
	// buffered; Process may be called again later, once Source.Append
	// has supplied more bytes, and must pick up where it left off by
	// re-deriving its progress from what it already wrote into the HD.
	StepSuspended
	// StepFailed means the state encountered input it cannot accept.
	StepFailed
)

// Outcome is what Run returns once a machine stops advancing.
type Outcome int

const (
	// Suspended: the machine is stuck waiting for more input; Append more
	// bytes to the Source and call Run again with the same State to
	// resume — no consumed progress is lost.
	Suspended Outcome = iota
	// Terminal: the machine reached acceptance.
	Terminal
	// Failed: the machine could not advance and no more input is coming.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Suspended:
		return "suspended"
	case Terminal:
		return "terminal"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is one node of a transition network. The transition map is built
// once at construction time and never mutated during a Run, per spec.
type State interface {
	// Name identifies this state, used as a default context component and
	// in error messages.
	Name() string
	// Context is the path component this state's writes are prefixed
	// with inside the HD (concatenated under the caller-supplied path).
	Context() string
	// IsTerminal reports whether stopping here (with no further
	// transition available) counts as acceptance.
	IsTerminal() bool
	// Process consumes zero or more symbols from src and writes to
	// d at contextPath, returning how far it got.
	Process(src Source, d *hd.Dict, contextPath string) (Step, error)
	// Next returns the successor for the given peeked symbol (matched
	// true), or the epsilon ("any other / none") successor when matched
	// is false. Returns nil if there is no such transition.
	Next(sym byte, matched bool) State
}

// Base provides the transition-table machinery built-in State variants
// embed; only Process is left for each variant to supply.
type Base struct {
	NameStr    string
	Ctx        string
	Terminal_  bool
	ByteTrans  map[byte]State
	EpsilonNxt State
}

func (b *Base) Name() string       { return b.NameStr }
func (b *Base) Context() string    { return b.Ctx }
func (b *Base) IsTerminal() bool   { return b.Terminal_ }

func (b *Base) Next(sym byte, matched bool) State {
	if matched {
		if b.ByteTrans != nil {
			if n, ok := b.ByteTrans[sym]; ok {
				return n
			}
		}
		// No byte-keyed transition for sym: this is not a match, so the
		// peeked symbol must not be consumed. The caller falls back to
		// Next(0, false) itself to take the epsilon transition.
		return nil
	}
	return b.EpsilonNxt
}

// On registers a byte-keyed transition, for states that branch on a
// dispatch byte (e.g. an EtherNet/IP command code or a CIP service code).
func (b *Base) On(sym byte, next State) {
	if b.ByteTrans == nil {
		b.ByteTrans = make(map[byte]State)
	}
	b.ByteTrans[sym] = next
}

// Epsilon sets the "any other / none" successor.
func (b *Base) Epsilon(next State) { b.EpsilonNxt = next }

// joinPath concatenates a parent HD path and a state's context, honoring
// an empty context (the state writes directly at the parent path).
func joinPath(parent, ctx string) string {
	if ctx == "" {
		return parent
	}
	if parent == "" {
		return ctx
	}
	return parent + "." + ctx
}

// Run drives a state network to completion or suspension. It is the single
// entry point every package above automaton uses to parse a message: call
// it, and on Suspended, append more bytes to src and call it again with the
// very same start state — the HD already holds everything parsed so far.
func Run(src Source, d *hd.Dict, path string, start State) (Outcome, error) {
	cur := start
	lastConsumed := src.Consumed()
	for {
		ctxPath := joinPath(path, cur.Context())
		step, err := cur.Process(src, d, ctxPath)
		if err != nil {
			return Failed, err
		}
		switch step {
		case StepFailed:
			return Failed, fmt.Errorf("automaton: state %q rejected input", cur.Name())
		case StepSuspended:
			return Suspended, nil
		}

		sym, okPeek := src.Peek()
		var next State
		if okPeek {
			if n := cur.Next(sym, true); n != nil {
				src.Take()
				next = n
			}
		}
		if next == nil {
			next = cur.Next(0, false)
		}

		if next == nil {
			if cur.IsTerminal() {
				return Terminal, nil
			}
			if src.Closed() {
				return Failed, fmt.Errorf("automaton: state %q is non-terminal and input is exhausted", cur.Name())
			}
			return Suspended, nil
		}

		// Progress invariant: either the source advanced or a transition
		// was taken. If neither happened across an iteration that didn't
		// already return, that's a programming error in a custom State.
		if next == cur && src.Consumed() == lastConsumed {
			panic(fmt.Sprintf("automaton: state %q made no progress (self-loop without consuming input)", cur.Name()))
		}
		lastConsumed = src.Consumed()
		cur = next
	}
}
