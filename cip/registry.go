package cip

import (
	"fmt"
	"sync"
)

// classInstanceKey identifies one Object instance within the registry.
type classInstanceKey struct {
	class    uint32
	instance uint32
}

// Registry is the process-wide table of CIP Objects, keyed by
// (class_id, instance_id). Instance 0 of a class, when present, is treated
// as the class-level object and its Attribute 3 is kept as the live
// instance count for that class.
type Registry struct {
	mu      sync.RWMutex
	objects map[classInstanceKey]*Object
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[classInstanceKey]*Object)}
}

// Add installs an Object into the registry, bumping the owning class's
// instance-count attribute (class instance 0, attribute 3) if one exists.
func (r *Registry) Add(o *Object) {
	r.mu.Lock()
	r.objects[classInstanceKey{o.ClassID, o.InstanceID}] = o
	classKey := classInstanceKey{o.ClassID, 0}
	classObj := r.objects[classKey]
	r.mu.Unlock()

	if o.InstanceID != 0 && classObj != nil {
		if countAttr, ok := classObj.attribute(3); ok {
			n, _ := countAttr.Get(0)
			cur, _ := n.(uint16)
			countAttr.Set(o.ClassID, 0, 0, cur+1)
		}
	}
}

// All returns every Object currently registered, in no particular order.
// Used by subsystems (attribute-change publishing, diagnostics) that need
// to walk the whole object model rather than resolve a single path.
func (r *Registry) All() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	return out
}

// Get looks up an Object by class and instance.
func (r *Registry) Get(classID, instanceID uint32) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[classInstanceKey{classID, instanceID}]
	return o, ok
}

// Resolve finds the Object a parsed request path addresses. A Class
// Attribute with no instance segment resolves to instance 0.
func (r *Registry) Resolve(path ParsedPath) (*Object, error) {
	if !path.ClassSet {
		return nil, fmt.Errorf("registry: request path has no class segment")
	}
	instance := uint32(0)
	if path.InstanceSet {
		instance = path.Instance
	}
	o, ok := r.Get(path.Class, instance)
	if !ok {
		return nil, &CIPError{General: StatusPathDestinationUnknown}
	}
	return o, nil
}

// Request resolves path against the registry and dispatches service to the
// matching Object, the single entry point the Message Router uses for
// every non-routed (i.e. not Connection Manager forwarded) CIP request.
func (r *Registry) Request(service byte, path ParsedPath, req MessageRouterRequest) (data []byte, status byte, extra []uint16) {
	o, err := r.Resolve(path)
	if err != nil {
		if ce, ok := err.(*CIPError); ok {
			return nil, ce.General, ce.Extra
		}
		return nil, StatusPathDestinationUnknown, nil
	}
	data, status, extra, err = o.Dispatch(service, req, path)
	if err != nil {
		return nil, status, extra
	}
	return data, status, extra
}
