package logix

import (
	"fmt"
	"sort"
	"sync"

	"ciptargetd/cip"
)

// TagEntry binds one Logix-style tag name to the class/instance/attribute
// triple a CIP request path resolves it to, plus the declared symbol type
// code client software expects back from Get Instance Attribute List.
type TagEntry struct {
	Name      string
	ClassID   uint32
	Instance  uint32
	Attribute byte
	TypeCode  uint16
}

// SymbolTable is the process-wide tag-name -> attribute lookup a Logix
// target keeps so Read/Write Tag [Fragmented] can resolve a dotted tag
// name (as encoded in the request EPATH's symbolic segments) to the
// concrete Attribute backing it.
type SymbolTable struct {
	mu      sync.RWMutex
	byName  map[string]*TagEntry
	ordered []string
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]*TagEntry)}
}

// Define registers a tag name, replacing any prior definition with the
// same name.
func (t *SymbolTable) Define(entry TagEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[entry.Name]; !exists {
		t.ordered = append(t.ordered, entry.Name)
	}
	t.byName[entry.Name] = &entry
}

// Lookup resolves a tag name to its TagEntry.
func (t *SymbolTable) Lookup(name string) (*TagEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byName[name]
	return e, ok
}

// Names returns every defined tag name in definition order, the order
// Get Instance Attribute List browsing walks.
func (t *SymbolTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := append([]string{}, t.ordered...)
	return out
}

// SortedNames returns every tag name in lexical order, convenient for
// deterministic test output and for the monitoring surface's tag list.
func (t *SymbolTable) SortedNames() []string {
	out := t.Names()
	sort.Strings(out)
	return out
}

// ResolveAttribute resolves a symbolic EPATH segment to the backing
// cip.Attribute through the registry, returning a descriptive error if the
// tag name is undefined or the registry has no matching object.
func (t *SymbolTable) ResolveAttribute(reg *cip.Registry, symbol string) (*cip.Attribute, *TagEntry, error) {
	entry, ok := t.Lookup(symbol)
	if !ok {
		return nil, nil, fmt.Errorf("symbol table: tag %q is not defined", symbol)
	}
	obj, ok := reg.Get(entry.ClassID, entry.Instance)
	if !ok {
		return nil, entry, fmt.Errorf("symbol table: tag %q resolves to class %d instance %d, which has no object", symbol, entry.ClassID, entry.Instance)
	}
	attr, ok := obj.Attribute(entry.Attribute)
	if !ok {
		return nil, entry, fmt.Errorf("symbol table: tag %q resolves to attribute %d, which is not defined on the object", symbol, entry.Attribute)
	}
	return attr, entry, nil
}
