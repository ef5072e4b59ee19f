package logix

import (
	"encoding/binary"
	"fmt"

	"ciptargetd/cip"
)

// DefaultMaxFragmentPayload bounds how many bytes of tag data a single
// Read/Write Tag Fragmented reply carries, matching the usable payload of
// an unconnected CIP message inside one Ethernet frame.
const DefaultMaxFragmentPayload = 488

// TagType re-exports cip.TagType under the name Logix request/response
// parsing code refers to it by, matching how the teacher's own logix
// package layered Logix-specific naming over the shared CIP primitives in
// types.go/value.go.
type TagType = cip.TagType

// ReadTagRequest is the parsed form of a Read Tag (0x4C) or Read Tag
// Fragmented (0x52) request, past the service byte and request path.
type ReadTagRequest struct {
	ElementCount uint16
	ByteOffset   uint32 // only present (and meaningful) for the Fragmented service
	Fragmented   bool
}

// ParseReadTagRequest decodes a Read Tag [Fragmented] request body.
func ParseReadTagRequest(data []byte, fragmented bool) (ReadTagRequest, error) {
	var r ReadTagRequest
	r.Fragmented = fragmented
	if len(data) < 2 {
		return r, fmt.Errorf("read tag: request too short")
	}
	r.ElementCount = binary.LittleEndian.Uint16(data[0:2])
	if fragmented {
		if len(data) < 6 {
			return r, fmt.Errorf("read tag fragmented: missing byte offset")
		}
		r.ByteOffset = binary.LittleEndian.Uint32(data[2:6])
	}
	return r, nil
}

// ReadTag executes a Read Tag [Fragmented] request against attr, returning
// the reply data (type code followed by element bytes) and the CIP general
// status: Success (0x00) when every requested element was returned,
// Partial Transfer (0x06) when the reply was capped by maxPayload and more
// data remains, or an error status if the request itself was invalid.
func ReadTag(attr *cip.Attribute, req ReadTagRequest, maxPayload int) ([]byte, byte) {
	elementSize := attr.Type.ElementSize()
	if elementSize == 0 {
		return readVariableWidthTag(attr, req, maxPayload)
	}

	n := attr.Elements
	b := 0
	if req.Fragmented {
		if int(req.ByteOffset)%elementSize != 0 {
			return nil, cip.StatusInvalidAttributeValue
		}
		b = int(req.ByteOffset) / elementSize
	}
	if b > n {
		return nil, cip.StatusInvalidAttributeValue
	}

	requested := int(req.ElementCount)
	if requested <= 0 {
		requested = n - b
	}
	if available := n - b; requested > available {
		requested = available
	}

	maxElementsPerPacket := maxPayload / elementSize
	if maxElementsPerPacket < 1 {
		maxElementsPerPacket = 1
	}
	send := requested
	if send > maxElementsPerPacket {
		send = maxElementsPerPacket
	}
	e := b + send

	out := binary.LittleEndian.AppendUint16(nil, uint16(attr.Type))
	for i := b; i < e; i++ {
		v, _ := attr.Get(i)
		enc, err := attr.Type.Produce(v, 0)
		if err != nil {
			return nil, cip.StatusDeviceStateConflict
		}
		out = append(out, enc...)
	}

	if e < b+requested {
		return out, cip.StatusPartialTransfer
	}
	return out, cip.StatusSuccess
}

func readVariableWidthTag(attr *cip.Attribute, req ReadTagRequest, maxPayload int) ([]byte, byte) {
	v, ok := attr.Get(0)
	if !ok {
		return nil, cip.StatusInvalidAttributeValue
	}
	full, err := attr.Type.Produce(v, 0)
	if err != nil {
		return nil, cip.StatusDeviceStateConflict
	}
	off := int(req.ByteOffset)
	if off > len(full) {
		return nil, cip.StatusInvalidAttributeValue
	}
	remaining := full[off:]
	send := remaining
	more := false
	if len(send) > maxPayload {
		send = send[:maxPayload]
		more = true
	}
	out := binary.LittleEndian.AppendUint16(nil, uint16(attr.Type))
	out = append(out, send...)
	if more {
		return out, cip.StatusPartialTransfer
	}
	return out, cip.StatusSuccess
}

// WriteTagRequest is the parsed form of a Write Tag (0x4D) or Write Tag
// Fragmented (0x53) request.
type WriteTagRequest struct {
	TypeCode     uint16
	ElementCount uint16
	ByteOffset   uint32 // only present for the Fragmented service
	Data         []byte
	Fragmented   bool
}

// ParseWriteTagRequest decodes a Write Tag [Fragmented] request body.
func ParseWriteTagRequest(data []byte, fragmented bool) (WriteTagRequest, error) {
	var r WriteTagRequest
	r.Fragmented = fragmented
	if len(data) < 4 {
		return r, fmt.Errorf("write tag: request too short")
	}
	r.TypeCode = binary.LittleEndian.Uint16(data[0:2])
	r.ElementCount = binary.LittleEndian.Uint16(data[2:4])
	off := 4
	if fragmented {
		if len(data) < 8 {
			return r, fmt.Errorf("write tag fragmented: missing byte offset")
		}
		r.ByteOffset = binary.LittleEndian.Uint32(data[4:8])
		off = 8
	}
	r.Data = data[off:]
	return r, nil
}

// WriteTag applies a Write Tag [Fragmented] request to attr, decoding
// req.Data against attr's declared type starting at the element implied by
// req.ByteOffset. A read-only attribute is rejected (0x0E); a type-code
// mismatch is rejected (0x0D); a write that would extend past the
// attribute's declared element count is rejected as resource-exhausted
// (0x02).
func WriteTag(attr *cip.Attribute, req WriteTagRequest) byte {
	if attr.Access&cip.AccessSet == 0 {
		return cip.StatusAttributeNotSettable
	}
	if TagType(req.TypeCode) != attr.Type {
		return cip.StatusObjectAlreadyExists // 0x0D: type code does not match the tag's declared type
	}

	elementSize := attr.Type.ElementSize()
	if elementSize == 0 {
		v, _, err := attr.Type.DecodeElement(req.Data)
		if err != nil {
			return cip.StatusNotEnoughData
		}
		if !attr.Set(0, 0, 0, v) {
			return cip.StatusResourceUnavailable
		}
		return cip.StatusSuccess
	}

	startIndex := 0
	if req.Fragmented {
		if int(req.ByteOffset)%elementSize != 0 {
			return cip.StatusInvalidAttributeValue
		}
		startIndex = int(req.ByteOffset) / elementSize
	}
	count := int(req.ElementCount)
	if startIndex+count > attr.Elements {
		return cip.StatusResourceUnavailable
	}

	values := make([]any, 0, count)
	buf := req.Data
	for i := 0; i < count; i++ {
		v, width, err := attr.Type.DecodeElement(buf)
		if err != nil {
			return cip.StatusNotEnoughData
		}
		values = append(values, v)
		buf = buf[width:]
	}
	if !attr.SetRange(0, 0, startIndex, values) {
		return cip.StatusResourceUnavailable
	}
	return cip.StatusSuccess
}
