package eip

// Code related to the CommonPacket Format for EIP per ODVA v1.4

import (
	"encoding/binary"
	"fmt"

	"ciptargetd/automaton"
	"ciptargetd/hd"
)

const (
	CpfAddressNullId              uint16 = 0x00
	CpfTypeListIdentityResponseId uint16 = 0x0C
	CpfAddressConnectionId        uint16 = 0xA1
	CpfConnectedTransportPacketId uint16 = 0xB1
	CpfUnconnectedMessageId       uint16 = 0xB2
	CpfListServicesResponseId     uint16 = 0x100
	CpfSockAddrInfoOtoTId         uint16 = 0x8000
	CpfSockAddrInfoTtoOId         uint16 = 0x8001
	CpfSequencedAddressId         uint16 = 0x8002
)

// Cpf consists of a wrapper for data items.
type EipCommonPacket struct {
	Items []EipCommonPacketItem
}

// Common Packet Item format used for Data and Address items.
type EipCommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

type EipCpfNullAddressItem struct {
	TypeId uint16
	Length uint16
}

type EipCpfConnectedAddressItem struct {
	TypeId               uint16
	Length               uint16
	ConnectionIdentifier uint32
}

type EipCpfSequencedAddressItem struct {
	TypeId               uint16
	Length               uint16
	ConnectionIdentifier uint32
	SequenceNumber       uint32
}

type EipCpfUnconnectedDataItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

type EipCpfConnectedDataItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

type EipCpfSockaddrInfoItem struct {
	TypeId    uint16
	Length    uint16
	SinFamily int16
	SinPort   uint16
	SinAddr   uint32
	SinZero   [8]byte
}

// Generate a Little-Endian Encoded byte representation of the CommonPacket.
func (p *EipCommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, value := range p.Items {
		raw = append(raw, value.Bytes()...)
	}
	return raw
}

// Generate a Little-Endian encoded byte representation of the CommonPacketItem.
func (item *EipCommonPacketItem) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, item.TypeId)
	raw = binary.LittleEndian.AppendUint16(raw, item.Length)
	raw = append(raw, item.Data...)
	return raw
}

// ParseEipCommonPacket decodes a complete, already-buffered item count plus
// item list from raw by driving CPFItemsState over a one-shot Source and
// reading the items back out of the resulting request data dictionary —
// the same dictionary-producing pass ListIdentity/ListServices replies and
// SendRRData/SendUnitData request bodies are parsed through.
func ParseEipCommonPacket(raw []byte) (*EipCommonPacket, error) {
	src := automaton.NewByteSource(raw)
	src.Close()
	d := hd.New()
	outcome, err := automaton.Run(src, d, "cpf", CPFItemsState)
	if err != nil {
		return nil, err
	}
	if outcome != automaton.Terminal {
		return nil, fmt.Errorf("ParseEipCommonPacket: incomplete item list")
	}
	return CPFItemsFromDict(d, "cpf")
}

