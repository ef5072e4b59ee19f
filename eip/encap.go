package eip

import (
	"encoding/binary"
	"fmt"

	"ciptargetd/automaton"
	"ciptargetd/hd"
)

// Generic Ethernet/IP Encapsulation
type EipEncap struct {
	command       uint16
	length        uint16
	sessionHandle uint32
	status        uint32
	context       [8]byte
	options       uint32
	data          []byte
}

// General Request/Receive data wrapper type.
type EipCommandData struct {
	interfaceHandle uint32
	timeout         uint16
	packet          []byte
}

// Convert to bytes
func (m *EipEncap) Bytes() []byte {
	buf := []byte{}
	buf = binary.LittleEndian.AppendUint16(buf, m.command)
	buf = binary.LittleEndian.AppendUint16(buf, m.length)
	buf = binary.LittleEndian.AppendUint32(buf, m.sessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.status)
	buf = append(buf, m.context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.options)
	buf = append(buf, m.data...)
	return buf
}

// Generate a LittleEndian encoded byte slice for RrData.
func (r *EipCommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.interfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.timeout)
	raw = append(raw, r.packet...)
	return raw
}

// Command codes this target answers to (CIP vol 2 table 2-3.2).
const (
	CmdNOP               uint16 = 0x0000
	CmdListServices      uint16 = 0x0004
	CmdListIdentity      uint16 = 0x0063
	CmdListInterfaces    uint16 = 0x0064
	CmdRegisterSession   uint16 = 0x0065
	CmdUnRegisterSession uint16 = 0x0066
	CmdSendRRData        uint16 = 0x006F
	CmdSendUnitData      uint16 = 0x0070
)

// Status codes returned in the encapsulation header itself (not to be
// confused with a CIP general status, which lives inside the payload).
const (
	EncapStatusSuccess            uint32 = 0x0000
	EncapStatusInvalidCommand     uint32 = 0x0001
	EncapStatusInsufficientMemory uint32 = 0x0002
	EncapStatusIncorrectData      uint32 = 0x0003
	EncapStatusInvalidSession     uint32 = 0x0064
	EncapStatusInvalidLength      uint32 = 0x0065
	EncapStatusUnsupportedRevision uint32 = 0x0069
)

// NewEipEncap builds an encapsulation frame ready for Bytes(). context is
// echoed back verbatim from whatever the originator sent in its request,
// per spec — the target never interprets it.
func NewEipEncap(command uint16, sessionHandle uint32, status uint32, context [8]byte, data []byte) *EipEncap {
	return &EipEncap{
		command:       command,
		length:        uint16(len(data)),
		sessionHandle: sessionHandle,
		status:        status,
		context:       context,
		options:       0,
		data:          data,
	}
}

func (m *EipEncap) Command() uint16       { return m.command }
func (m *EipEncap) SessionHandle() uint32 { return m.sessionHandle }
func (m *EipEncap) Status() uint32        { return m.status }
func (m *EipEncap) Context() [8]byte      { return m.context }
func (m *EipEncap) Data() []byte          { return m.data }

// ParseEipEncap decodes a complete, already-buffered encapsulation frame
// (24-byte header plus its declared-length payload) from buf by driving
// EncapState over a one-shot Source and reading the resulting request data
// dictionary back into an EipEncap. It returns the frame and the total
// bytes consumed, or an error if fewer than 24+length bytes are available —
// the caller (ListIdentity/ListServices discovery, or a test fixture) is
// expected to buffer and retry rather than treat a short read as malformed.
// The streaming TCP session reader drives EncapState directly against its
// own persistent Source instead of calling this one-shot wrapper.
func ParseEipEncap(buf []byte) (*EipEncap, int, error) {
	src := automaton.NewByteSource(buf)
	src.Close()
	d := hd.New()
	outcome, err := automaton.Run(src, d, "encap", EncapState)
	if err != nil {
		return nil, 0, err
	}
	if outcome != automaton.Terminal {
		return nil, 0, fmt.Errorf("eip encap: incomplete frame")
	}
	m, err := EncapFromDict(d, "encap")
	if err != nil {
		return nil, 0, err
	}
	return m, src.Consumed(), nil
}

// ParseEipCommandData decodes a command-data payload's interface-
// handle/timeout prefix by driving CommandDataPrefixState over raw, leaving
// the enclosed CommonPacketFormat item list in Packet() for
// ParseEipCommonPacket to parse in its own pass.
func ParseEipCommandData(raw []byte) (*EipCommandData, error) {
	src := automaton.NewByteSource(raw)
	src.Close()
	d := hd.New()
	outcome, err := automaton.Run(src, d, "command_data", CommandDataPrefixState)
	if err != nil {
		return nil, err
	}
	if outcome != automaton.Terminal {
		return nil, fmt.Errorf("ParseCommandData: truncated: minimum 6 bytes, got %d", len(raw))
	}
	ihV, _ := d.Get("command_data.interface_handle")
	toV, _ := d.Get("command_data.timeout")
	pktV, _ := d.Get("command_data.packet")
	pkt, _ := pktV.([]byte)
	return &EipCommandData{interfaceHandle: ihV.(uint32), timeout: toV.(uint16), packet: pkt}, nil
}

func NewEipCommandData(interfaceHandle uint32, timeout uint16, packet []byte) *EipCommandData {
	return &EipCommandData{interfaceHandle: interfaceHandle, timeout: timeout, packet: packet}
}

func (r *EipCommandData) InterfaceHandle() uint32 { return r.interfaceHandle }
func (r *EipCommandData) Timeout() uint16         { return r.timeout }
func (r *EipCommandData) Packet() []byte          { return r.packet }
