package cip

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Standard CIP services every Object answers to unless it overrides them.
const (
	SvcGetAttributesAll  byte = 0x01
	SvcSetAttributesAll  byte = 0x02
	SvcGetAttributeList  byte = 0x03
	SvcSetAttributeList  byte = 0x04
	SvcReset             byte = 0x05
	SvcGetAttributeSingle byte = 0x0E
	SvcSetAttributeSingle byte = 0x10
)

// ServiceHandler implements one CIP service for an Object instance. It
// receives the already-parsed request path (attribute/member already
// resolved against the owning Object) and the request data past the path,
// and returns the response data plus a general status.
type ServiceHandler func(o *Object, req MessageRouterRequest, path ParsedPath) (data []byte, status byte, extra []uint16)

// Object is one CIP Class/Instance pair: a class-level instance (instance 0)
// holds the class attributes (revision, max instance, instance count); every
// other instance number holds one object's own attribute set.
type Object struct {
	mu sync.RWMutex

	ClassID    uint32
	InstanceID uint32

	// Attributes is keyed by attribute ID; order of iteration for
	// GetAttributesAll follows AttributeOrder when set, else ascending ID.
	Attributes     map[byte]*Attribute
	AttributeOrder []byte

	// Services lets an instance override or add to the standard services;
	// the dispatch in (*Registry).Request consults this before falling
	// back to the built-in handlers below.
	Services map[byte]ServiceHandler
}

// NewObject creates an empty instance. Use SetAttribute to populate it.
func NewObject(classID, instanceID uint32) *Object {
	return &Object{
		ClassID:    classID,
		InstanceID: instanceID,
		Attributes: make(map[byte]*Attribute),
		Services:   make(map[byte]ServiceHandler),
	}
}

// SetAttribute installs an attribute and records its GetAttributesAll
// iteration order (first call for a given ID wins the order slot).
func (o *Object) SetAttribute(a *Attribute) *Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.Attributes[a.ID]; !exists {
		o.AttributeOrder = append(o.AttributeOrder, a.ID)
	}
	o.Attributes[a.ID] = a
	return o
}

func (o *Object) attribute(id byte) (*Attribute, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.Attributes[id]
	return a, ok
}

// Attribute looks up attribute id on this instance, the accessor other
// packages (symbol resolution, monitoring) use instead of reaching into
// the Attributes map directly.
func (o *Object) Attribute(id byte) (*Attribute, bool) {
	return o.attribute(id)
}

func (o *Object) orderedAttributeIDs() []byte {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.AttributeOrder) > 0 {
		return append([]byte{}, o.AttributeOrder...)
	}
	ids := make([]byte, 0, len(o.Attributes))
	for id := range o.Attributes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// handleGetAttributesAll concatenates every attribute's element(s) in
// declared order, per CIP vol 1 §5-?: one contiguous reply with no per
// attribute framing.
func handleGetAttributesAll(o *Object, req MessageRouterRequest, path ParsedPath) ([]byte, byte, []uint16) {
	var out []byte
	for _, id := range o.orderedAttributeIDs() {
		a, _ := o.attribute(id)
		if a.Access&AccessGet == 0 {
			continue
		}
		for _, v := range a.GetAll() {
			b, err := a.Type.Produce(v, 0)
			if err != nil {
				return nil, StatusDeviceStateConflict, nil
			}
			out = append(out, b...)
		}
	}
	return out, StatusSuccess, nil
}

// handleGetAttributeSingle replies with one attribute's raw encoded value.
func handleGetAttributeSingle(o *Object, req MessageRouterRequest, path ParsedPath) ([]byte, byte, []uint16) {
	if !path.AttributeSet {
		return nil, StatusPathSegmentError, nil
	}
	a, ok := o.attribute(byte(path.Attribute))
	if !ok {
		return nil, StatusAttributeNotSupported, nil
	}
	if a.Access&AccessGet == 0 {
		return nil, StatusAttributeNotSettable, nil
	}
	var out []byte
	for _, v := range a.GetAll() {
		b, err := a.Type.Produce(v, 0)
		if err != nil {
			return nil, StatusDeviceStateConflict, nil
		}
		out = append(out, b...)
	}
	return out, StatusSuccess, nil
}

// handleSetAttributeSingle decodes the request data against the
// attribute's declared type and replaces its full value.
func handleSetAttributeSingle(o *Object, req MessageRouterRequest, path ParsedPath) ([]byte, byte, []uint16) {
	if !path.AttributeSet {
		return nil, StatusPathSegmentError, nil
	}
	a, ok := o.attribute(byte(path.Attribute))
	if !ok {
		return nil, StatusAttributeNotSupported, nil
	}
	if a.Access&AccessSet == 0 {
		return nil, StatusAttributeNotSettable, nil
	}
	buf := req.RequestData
	values := make([]any, 0, a.Elements)
	for i := 0; i < a.Elements; i++ {
		v, width, err := a.Type.DecodeElement(buf)
		if err != nil {
			return nil, StatusNotEnoughData, nil
		}
		values = append(values, v)
		buf = buf[width:]
	}
	var stored bool
	if a.Elements == 1 {
		stored = a.Set(o.ClassID, o.InstanceID, 0, values[0])
	} else {
		stored = a.SetRange(o.ClassID, o.InstanceID, 0, values)
	}
	if !stored {
		return nil, StatusDeviceStateConflict, nil
	}
	return nil, StatusSuccess, nil
}

// getAttributeListEntry is one requested attribute ID in a Get Attribute
// List request, in request order.
type getAttributeListEntry struct {
	id     uint16
	status byte
	data   []byte
}

// handleGetAttributeList replies to each requested attribute ID
// independently; an unknown or unreadable attribute gets its own status in
// the per-entry result rather than failing the whole request.
func handleGetAttributeList(o *Object, req MessageRouterRequest, path ParsedPath) ([]byte, byte, []uint16) {
	if len(req.RequestData) < 2 {
		return nil, StatusNotEnoughData, nil
	}
	count := int(binary.LittleEndian.Uint16(req.RequestData[0:2]))
	ids := req.RequestData[2:]
	if len(ids) < count*2 {
		return nil, StatusNotEnoughData, nil
	}
	entries := make([]getAttributeListEntry, count)
	for i := 0; i < count; i++ {
		entries[i].id = binary.LittleEndian.Uint16(ids[i*2 : i*2+2])
		a, ok := o.attribute(byte(entries[i].id))
		if !ok || a.Access&AccessGet == 0 {
			entries[i].status = StatusAttributeNotSupported
			continue
		}
		for _, v := range a.GetAll() {
			b, err := a.Type.Produce(v, 0)
			if err != nil {
				entries[i].status = StatusDeviceStateConflict
				break
			}
			entries[i].data = append(entries[i].data, b...)
		}
	}
	out := binary.LittleEndian.AppendUint16(nil, uint16(count))
	anyFailed := false
	for _, e := range entries {
		out = binary.LittleEndian.AppendUint16(out, e.id)
		out = binary.LittleEndian.AppendUint16(out, uint16(e.status))
		out = append(out, e.data...)
		if e.status != StatusSuccess {
			anyFailed = true
		}
	}
	if anyFailed {
		return out, StatusAttributeListError, nil
	}
	return out, StatusSuccess, nil
}

var standardServices = map[byte]ServiceHandler{
	SvcGetAttributesAll:   handleGetAttributesAll,
	SvcGetAttributeSingle: handleGetAttributeSingle,
	SvcSetAttributeSingle: handleSetAttributeSingle,
	SvcGetAttributeList:   handleGetAttributeList,
}

// Dispatch looks up a handler for service (instance override first, then
// the standard table) and invokes it.
func (o *Object) Dispatch(service byte, req MessageRouterRequest, path ParsedPath) ([]byte, byte, []uint16, error) {
	o.mu.RLock()
	h, ok := o.Services[service]
	o.mu.RUnlock()
	if !ok {
		h, ok = standardServices[service]
	}
	if !ok {
		return nil, StatusServiceNotSupported, nil, fmt.Errorf("object %d/%d: service 0x%02X not supported", o.ClassID, o.InstanceID, service)
	}
	data, status, extra := h(o, req, path)
	return data, status, extra, nil
}
