// Package hd implements the Hierarchical Dictionary primitive: a keyed
// container addressed by dotted paths (a.b.c), list indices (l[3]), and
// arithmetic index expressions (l[a.b+c-1].d) that resolve against the same
// container. It is the leaf dependency every other package in this module
// builds on.
package hd

import (
	"fmt"
	"strconv"
	"strings"
)

// Dict is a hierarchical, string-keyed container. Values are either a
// primitive (string, bool, numeric, []byte), a nested *Dict, or a []any
// list. Dict preserves deterministic insertion order over its direct keys;
// LeafPaths() walks that order to enumerate fully qualified leaf paths.
type Dict struct {
	values map[string]any
	order  []string
}

// New returns an empty Dict.
func New() *Dict {
	return &Dict{values: make(map[string]any)}
}

// FromMap builds a Dict from a plain map, recursively converting any nested
// map[string]any values into Dicts as well, matching the "a mapping,
// assigned, is recursively converted into an HD" invariant.
func FromMap(m map[string]any) *Dict {
	d := New()
	for k, v := range m {
		d.Set(k, v)
	}
	return d
}

func (d *Dict) recordKey(k string) {
	if _, exists := d.values[k]; !exists {
		d.order = append(d.order, k)
	}
}

// Keys returns the direct (non-recursive) keys in insertion order.
func (d *Dict) Keys() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// LeafPaths returns every fully qualified leaf path under this Dict, in a
// deterministic order derived from each level's insertion order.
func (d *Dict) LeafPaths() []string {
	var out []string
	for _, k := range d.order {
		v := d.values[k]
		switch t := v.(type) {
		case *Dict:
			for _, sub := range t.LeafPaths() {
				out = append(out, k+"."+sub)
			}
		default:
			out = append(out, k)
		}
	}
	return out
}

// segment is one parsed path component: a name, or a name plus list index
// (possibly an arithmetic expression referencing sibling paths).
type segment struct {
	name    string
	hasIdx  bool
	idxExpr string
}

// splitPath parses "a.b[c+d-1].e" into segments, honoring a leading '.' as
// a no-op and ".." as a literal back-reference to the parent container
// ("a.b..c" means "a.c": the ".." collapses one level before resolving
// "c" from there).
func splitPath(path string) ([]segment, error) {
	path = strings.TrimPrefix(path, ".")
	var segs []segment
	i := 0
	n := len(path)
	for i < n {
		// back-reference: ".." drops the segment just parsed.
		if i+1 < n && path[i] == '.' && path[i+1] == '.' {
			if len(segs) == 0 {
				return nil, fmt.Errorf("hd: back-reference %q has no preceding segment", path)
			}
			segs = segs[:len(segs)-1]
			i += 2
			continue
		}
		if path[i] == '.' {
			i++
			continue
		}
		start := i
		for i < n && path[i] != '.' && path[i] != '[' {
			i++
		}
		seg := segment{name: path[start:i]}
		if i < n && path[i] == '[' {
			j := i + 1
			depth := 1
			for j < n && depth > 0 {
				switch path[j] {
				case '[':
					depth++
				case ']':
					depth--
				}
				if depth > 0 {
					j++
				}
			}
			if j >= n {
				return nil, fmt.Errorf("hd: unterminated index expression in %q", path)
			}
			seg.hasIdx = true
			seg.idxExpr = path[i+1 : j]
			i = j + 1
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("hd: empty path")
	}
	return segs, nil
}

// Set assigns a value at a dotted/indexed path, auto-creating intermediate
// Dicts as needed. A map[string]any value is recursively converted to a
// Dict, per the HD invariant.
func (d *Dict) Set(path string, value any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	return d.setSegs(segs, value)
}

func (d *Dict) setSegs(segs []segment, value any) error {
	seg := segs[0]
	last := len(segs) == 1

	if seg.hasIdx {
		idx, err := d.evalIndex(seg.idxExpr)
		if err != nil {
			return fmt.Errorf("hd: index expression %q: %w", seg.idxExpr, err)
		}
		raw, ok := d.values[seg.name]
		var list []any
		if ok {
			list, ok = raw.([]any)
			if !ok {
				return fmt.Errorf("hd: %q is not a list", seg.name)
			}
		}
		for len(list) <= idx {
			list = append(list, nil)
		}
		if last {
			list[idx] = normalize(value)
		} else {
			sub, ok := list[idx].(*Dict)
			if !ok {
				sub = New()
				list[idx] = sub
			}
			if err := sub.setSegs(segs[1:], value); err != nil {
				return err
			}
		}
		d.recordKey(seg.name)
		d.values[seg.name] = list
		return nil
	}

	if last {
		d.recordKey(seg.name)
		d.values[seg.name] = normalize(value)
		return nil
	}

	sub, ok := d.values[seg.name].(*Dict)
	if !ok {
		sub = New()
		d.recordKey(seg.name)
		d.values[seg.name] = sub
	}
	return sub.setSegs(segs[1:], value)
}

func normalize(value any) any {
	if m, ok := value.(map[string]any); ok {
		return FromMap(m)
	}
	return value
}

// Get looks up a value at a dotted/indexed path. ok is false if any
// intermediate segment is absent.
func (d *Dict) Get(path string) (value any, ok bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	return d.getSegs(segs)
}

func (d *Dict) getSegs(segs []segment) (any, bool) {
	seg := segs[0]
	raw, exists := d.values[seg.name]
	if !exists {
		return nil, false
	}
	if seg.hasIdx {
		idx, err := d.evalIndex(seg.idxExpr)
		if err != nil {
			return nil, false
		}
		list, ok := raw.([]any)
		if !ok || idx < 0 || idx >= len(list) {
			return nil, false
		}
		raw = list[idx]
	}
	if len(segs) == 1 {
		return raw, true
	}
	sub, ok := raw.(*Dict)
	if !ok {
		return nil, false
	}
	return sub.getSegs(segs[1:])
}

// Delete removes the subtree rooted at path, if present.
func (d *Dict) Delete(path string) {
	segs, err := splitPath(path)
	if err != nil {
		return
	}
	d.deleteSegs(segs)
}

func (d *Dict) deleteSegs(segs []segment) {
	seg := segs[0]
	if len(segs) == 1 && !seg.hasIdx {
		delete(d.values, seg.name)
		for i, k := range d.order {
			if k == seg.name {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		return
	}
	raw, ok := d.values[seg.name]
	if !ok {
		return
	}
	if seg.hasIdx {
		idx, err := d.evalIndex(seg.idxExpr)
		if err != nil {
			return
		}
		list, ok := raw.([]any)
		if !ok || idx < 0 || idx >= len(list) {
			return
		}
		if len(segs) == 1 {
			list[idx] = nil
			return
		}
		if sub, ok := list[idx].(*Dict); ok {
			sub.deleteSegs(segs[1:])
		}
		return
	}
	if sub, ok := raw.(*Dict); ok {
		sub.deleteSegs(segs[1:])
	}
}

// evalIndex evaluates a simple arithmetic expression over +, -, integer
// literals, and dotted-path references resolved against this Dict (so
// "a.b+c-1" can reference sibling leaf values).
func (d *Dict) evalIndex(expr string) (int, error) {
	expr = strings.TrimSpace(expr)
	total := 0
	sign := 1
	term := strings.Builder{}
	flush := func() error {
		t := strings.TrimSpace(term.String())
		term.Reset()
		if t == "" {
			return nil
		}
		if n, err := strconv.Atoi(t); err == nil {
			total += sign * n
			return nil
		}
		v, ok := d.Get(t)
		if !ok {
			return fmt.Errorf("unresolved reference %q", t)
		}
		n, err := toInt(v)
		if err != nil {
			return err
		}
		total += sign * n
		return nil
	}
	for _, r := range expr {
		switch r {
		case '+':
			if err := flush(); err != nil {
				return 0, err
			}
			sign = 1
		case '-':
			if err := flush(); err != nil {
				return 0, err
			}
			sign = -1
		default:
			term.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint16:
		return int(t), nil
	case uint32:
		return int(t), nil
	case uint64:
		return int(t), nil
	case byte:
		return int(t), nil
	default:
		return 0, fmt.Errorf("hd: value %v (%T) is not an integer", v, v)
	}
}
