package cip

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// CIP Connection Manager services
const (
	SvcForwardOpen      byte = 0x54 // Standard Forward Open (16-bit params, <=511 bytes)
	SvcForwardOpenLarge byte = 0x5B // Large Forward Open (32-bit params, >511 bytes)
	SvcForwardClose     byte = 0x4E
	SvcUnconnectedSend  byte = 0x52

	// Connection Manager class/instance
	ClassConnectionManager byte = 0x06
	InstanceConnManager    byte = 0x01
)

// Connection is one established CIP connection, keyed from both directions
// so the target can look it up whether a Class-1/3 frame arrives tagged
// with the O->T or (for Forward Close) the connection serial/vendor/serial
// triple.
type Connection struct {
	OTConnID     uint32 // Originator -> Target connection ID, allocated by the target
	TOConnID     uint32 // Target -> Originator connection ID, taken from the originator's Forward Open
	SerialNumber uint16
	VendorID     uint16
	OrigSerial   uint32

	// Path is the resolved destination the connection was opened against
	// (e.g. the Assembly or Message Router instance this connection's
	// Class-1/3 traffic is routed to).
	Path ParsedPath

	lastRxSeq     uint32
	haveLastRxSeq bool
	txSeq         uint32
}

// NextTxSequence returns the next sequence number this target attaches to
// outgoing Class-1/3 traffic on the connection.
func (c *Connection) NextTxSequence() uint16 {
	return uint16(atomic.AddUint32(&c.txSeq, 1))
}

// WrapConnected prefixes a 16-bit sequence number to the CIP payload, as
// required for both Class-1 (implicit) and Class-3 (explicit, over
// SendUnitData) connected messages.
func (c *Connection) WrapConnected(cipPayload []byte) []byte {
	s := c.NextTxSequence()
	out := make([]byte, 2+len(cipPayload))
	binary.LittleEndian.PutUint16(out[0:2], s)
	copy(out[2:], cipPayload)
	return out
}

// UnwrapConnected extracts the sequence number and CIP payload from an
// inbound connected message.
func UnwrapConnected(raw []byte) (seq uint16, cipPayload []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("connected data too short: %d bytes", len(raw))
	}
	seq = binary.LittleEndian.Uint16(raw[0:2])
	return seq, raw[2:], nil
}

// AcceptSequence enforces the non-regression rule for connected messages:
// each inbound sequence number must be strictly greater than the last one
// accepted, accounting for 16-bit wraparound. The very first message on a
// freshly opened connection is always accepted.
func (c *Connection) AcceptSequence(seq uint16) bool {
	if !c.haveLastRxSeq {
		c.lastRxSeq = uint32(seq)
		c.haveLastRxSeq = true
		return true
	}
	delta := int32(seq) - int32(uint16(c.lastRxSeq))
	if delta <= 0 {
		delta += 0x10000
	}
	if delta <= 0 || delta > 0x8000 {
		return false
	}
	c.lastRxSeq = uint32(seq)
	return true
}

// ForwardOpenRequest is the parsed form of an incoming Forward Open
// (service 0x54/0x5B) request, the server-side mirror of the teacher's
// client-only buildForwardOpenInternal.
type ForwardOpenRequest struct {
	Large            bool
	OTConnID         uint32 // proposed by the originator; target may keep or replace it
	ToConnID         uint32
	SerialNumber     uint16
	VendorID         uint16
	OriginatorSerial uint32
	TimeoutMultiple  byte
	OTRPI            uint32
	OTParams         uint32
	TORPI            uint32
	TOParams         uint32
	TransportTrigger byte
	ConnectionPath   []byte
}

// ParseForwardOpenRequest decodes a Forward Open request body (the service
// byte and Connection Manager path already stripped by the router).
func ParseForwardOpenRequest(data []byte, large bool) (ForwardOpenRequest, error) {
	var r ForwardOpenRequest
	r.Large = large
	off := 0
	need := func(n int) error {
		if off+n > len(data) {
			return fmt.Errorf("forward open: truncated at offset %d, need %d more", off, n)
		}
		return nil
	}
	if err := need(2); err != nil {
		return r, err
	}
	off += 2 // priority/tick time, timeout ticks
	if err := need(8); err != nil {
		return r, err
	}
	r.OTConnID = binary.LittleEndian.Uint32(data[off:])
	off += 4
	r.ToConnID = binary.LittleEndian.Uint32(data[off:])
	off += 4
	if err := need(8); err != nil {
		return r, err
	}
	r.SerialNumber = binary.LittleEndian.Uint16(data[off:])
	off += 2
	r.VendorID = binary.LittleEndian.Uint16(data[off:])
	off += 2
	r.OriginatorSerial = binary.LittleEndian.Uint32(data[off:])
	off += 4
	if err := need(4); err != nil {
		return r, err
	}
	r.TimeoutMultiple = data[off]
	off += 4
	if err := need(4); err != nil {
		return r, err
	}
	r.OTRPI = binary.LittleEndian.Uint32(data[off:])
	off += 4
	paramWidth := 2
	if large {
		paramWidth = 4
	}
	if err := need(paramWidth); err != nil {
		return r, err
	}
	if large {
		r.OTParams = binary.LittleEndian.Uint32(data[off:])
	} else {
		r.OTParams = uint32(binary.LittleEndian.Uint16(data[off:]))
	}
	off += paramWidth
	if err := need(4); err != nil {
		return r, err
	}
	r.TORPI = binary.LittleEndian.Uint32(data[off:])
	off += 4
	if err := need(paramWidth); err != nil {
		return r, err
	}
	if large {
		r.TOParams = binary.LittleEndian.Uint32(data[off:])
	} else {
		r.TOParams = uint32(binary.LittleEndian.Uint16(data[off:]))
	}
	off += paramWidth
	if err := need(2); err != nil {
		return r, err
	}
	r.TransportTrigger = data[off]
	pathSizeWords := int(data[off+1])
	off += 2
	pathLen := pathSizeWords * 2
	if err := need(pathLen); err != nil {
		return r, err
	}
	r.ConnectionPath = append([]byte{}, data[off:off+pathLen]...)
	return r, nil
}

// EncodeForwardOpenResponse builds the success reply body for a Forward
// Open, containing the target-assigned connection IDs.
func EncodeForwardOpenResponse(otConnID, toConnID uint32, serial, vendorID uint16, origSerial, otAPI, toAPI uint32) []byte {
	out := make([]byte, 0, 26)
	out = binary.LittleEndian.AppendUint32(out, otConnID)
	out = binary.LittleEndian.AppendUint32(out, toConnID)
	out = binary.LittleEndian.AppendUint16(out, serial)
	out = binary.LittleEndian.AppendUint16(out, vendorID)
	out = binary.LittleEndian.AppendUint32(out, origSerial)
	out = binary.LittleEndian.AppendUint32(out, otAPI)
	out = binary.LittleEndian.AppendUint32(out, toAPI)
	out = append(out, 0x00) // application reply size (words)
	out = append(out, 0x00) // reserved
	return out
}

// ForwardCloseRequest is the parsed form of an incoming Forward Close.
type ForwardCloseRequest struct {
	SerialNumber   uint16
	VendorID       uint16
	OrigSerial     uint32
	ConnectionPath []byte
}

// ParseForwardCloseRequest decodes a Forward Close request body.
func ParseForwardCloseRequest(data []byte) (ForwardCloseRequest, error) {
	var r ForwardCloseRequest
	if len(data) < 10 {
		return r, fmt.Errorf("forward close: request too short: %d bytes", len(data))
	}
	r.SerialNumber = binary.LittleEndian.Uint16(data[2:4])
	r.VendorID = binary.LittleEndian.Uint16(data[4:6])
	r.OrigSerial = binary.LittleEndian.Uint32(data[6:10])
	pathSizeWords := int(data[10])
	pathLen := pathSizeWords * 2
	if len(data) < 12+pathLen {
		return r, fmt.Errorf("forward close: connection path truncated")
	}
	r.ConnectionPath = append([]byte{}, data[12:12+pathLen]...)
	return r, nil
}

// EncodeForwardCloseResponse builds the success reply body for a Forward
// Close.
func EncodeForwardCloseResponse(serial, vendorID uint16, origSerial uint32) []byte {
	out := make([]byte, 0, 10)
	out = binary.LittleEndian.AppendUint16(out, serial)
	out = binary.LittleEndian.AppendUint16(out, vendorID)
	out = binary.LittleEndian.AppendUint32(out, origSerial)
	out = append(out, 0x00, 0x00) // application reply size, reserved
	return out
}

// ConnectionManager owns the live connection table and answers Forward
// Open/Close on behalf of the Connection Manager object (class 0x06,
// instance 1), allocating target-side connection IDs and routing
// subsequent Class-1/3 traffic by O->T connection ID.
type ConnectionManager struct {
	mu          sync.Mutex
	byOT        map[uint32]*Connection
	nextOTConnID uint32
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byOT: make(map[uint32]*Connection), nextOTConnID: 0x8000_0001}
}

// HandleForwardOpen allocates a target-assigned O->T connection ID,
// registers the connection, and returns the response body plus the
// established Connection for connected-messaging dispatch.
func (cm *ConnectionManager) HandleForwardOpen(req ForwardOpenRequest, destPath ParsedPath) ([]byte, *Connection, byte) {
	cm.mu.Lock()
	otID := cm.nextOTConnID
	cm.nextOTConnID++
	conn := &Connection{
		OTConnID:     otID,
		TOConnID:     req.ToConnID,
		SerialNumber: req.SerialNumber,
		VendorID:     req.VendorID,
		OrigSerial:   req.OriginatorSerial,
		Path:         destPath,
	}
	cm.byOT[otID] = conn
	cm.mu.Unlock()

	resp := EncodeForwardOpenResponse(otID, req.ToConnID, req.SerialNumber, req.VendorID, req.OriginatorSerial, req.OTRPI, req.TORPI)
	return resp, conn, StatusSuccess
}

// HandleForwardClose removes the matching connection (identified by the
// serial/vendor/originator-serial triple per spec, not by connection ID)
// and returns the response body.
func (cm *ConnectionManager) HandleForwardClose(req ForwardCloseRequest) ([]byte, byte) {
	cm.mu.Lock()
	var found uint32
	var ok bool
	for id, c := range cm.byOT {
		if c.SerialNumber == req.SerialNumber && c.VendorID == req.VendorID && c.OrigSerial == req.OrigSerial {
			found, ok = id, true
			break
		}
	}
	if ok {
		delete(cm.byOT, found)
	}
	cm.mu.Unlock()

	if !ok {
		return nil, StatusPathDestinationUnknown
	}
	return EncodeForwardCloseResponse(req.SerialNumber, req.VendorID, req.OrigSerial), StatusSuccess
}

// Lookup finds a connection by its O->T connection ID, the key a
// SendUnitData frame's Sequenced Address Item carries.
func (cm *ConnectionManager) Lookup(otConnID uint32) (*Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.byOT[otConnID]
	return c, ok
}
