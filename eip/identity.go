package eip

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Identity is the CIP Identity Object (class 0x01, instance 1) state a
// target reports in a ListIdentity reply. It doubles as the backing values
// for the Identity Object's Get Attribute Single/All handlers in cip/.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte
}

// EncodeIdentityItemData serializes the Identity Item payload (the part of
// a ListIdentity reply past the CPF item header), embedding the target's own
// listening address as the socket address field.
func EncodeIdentityItemData(id Identity, localIP net.IP, localPort uint16) []byte {
	out := binary.LittleEndian.AppendUint16(nil, id.EncapsulationVersion)

	ip4 := localIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	sock := make([]byte, 16)
	binary.BigEndian.PutUint16(sock[0:2], 2) // sin_family = AF_INET
	binary.BigEndian.PutUint16(sock[2:4], localPort)
	copy(sock[4:8], ip4)
	out = append(out, sock...)

	out = binary.LittleEndian.AppendUint16(out, id.VendorID)
	out = binary.LittleEndian.AppendUint16(out, id.DeviceType)
	out = binary.LittleEndian.AppendUint16(out, id.ProductCode)
	out = append(out, id.RevisionMajor, id.RevisionMinor)
	out = binary.LittleEndian.AppendUint16(out, id.Status)
	out = binary.LittleEndian.AppendUint32(out, id.SerialNumber)

	name := id.ProductName
	if len(name) > 255 {
		name = name[:255]
	}
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = append(out, id.State)
	return out
}

// BuildListIdentityResponse wraps one Identity as the single CPF item a
// ListIdentity reply (TCP or UDP) carries.
func BuildListIdentityResponse(id Identity, localIP net.IP, localPort uint16) *EipCommonPacket {
	data := EncodeIdentityItemData(id, localIP, localPort)
	return &EipCommonPacket{
		Items: []EipCommonPacketItem{
			{TypeId: CpfTypeListIdentityResponseId, Length: uint16(len(data)), Data: data},
		},
	}
}

// ServiceDescriptor is one entry in a ListServices reply: the capability
// flags plus a human-readable name, per CIP vol 2 table 2-4.4.
type ServiceDescriptor struct {
	TypeCode        uint16
	Version         uint16
	CapabilityFlags uint16
	Name            string
}

// Communications is the one service every EtherNet/IP target advertises.
var CommunicationsService = ServiceDescriptor{
	TypeCode:        0x0100,
	Version:         1,
	CapabilityFlags: 0x0020, // supports CIP encapsulation over TCP
	Name:            "Communications",
}

func encodeServiceDescriptor(s ServiceDescriptor) []byte {
	out := binary.LittleEndian.AppendUint16(nil, s.Version)
	out = binary.LittleEndian.AppendUint16(out, s.CapabilityFlags)
	name := s.Name
	if len(name) > 15 {
		name = name[:15]
	}
	nameField := make([]byte, 16)
	copy(nameField, name)
	out = append(out, nameField...)
	return out
}

// BuildListServicesResponse wraps the target's advertised services as the
// CPF item a ListServices reply carries.
func BuildListServicesResponse(services []ServiceDescriptor) *EipCommonPacket {
	items := make([]EipCommonPacketItem, 0, len(services))
	for _, s := range services {
		data := encodeServiceDescriptor(s)
		items = append(items, EipCommonPacketItem{TypeId: s.TypeCode, Length: uint16(len(data)), Data: data})
	}
	return &EipCommonPacket{Items: items}
}

// ParseIdentityItemData decodes one Identity Item's payload — used by tests
// and by any bridging code that needs to round-trip a reply this target
// just built, mirroring the layout EncodeIdentityItemData produces.
func ParseIdentityItemData(b []byte) (Identity, net.IP, uint16, error) {
	if len(b) < 33 {
		return Identity{}, nil, 0, fmt.Errorf("identity item too short: %d", len(b))
	}
	off := 0
	encapVer := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	sock := b[off : off+16]
	off += 16
	port := binary.BigEndian.Uint16(sock[2:4])
	ip := net.IPv4(sock[4], sock[5], sock[6], sock[7])

	vendor := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	devType := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	prodCode := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	revMaj := b[off]
	revMin := b[off+1]
	off += 2
	status := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	serial := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	nameLen := int(b[off])
	off++
	if off+nameLen > len(b) {
		return Identity{}, nil, 0, fmt.Errorf("product name truncated: need %d bytes, have %d", nameLen, len(b)-off)
	}
	name := string(b[off : off+nameLen])
	off += nameLen
	if off >= len(b) {
		return Identity{}, nil, 0, fmt.Errorf("missing state byte")
	}
	state := b[off]

	return Identity{
		EncapsulationVersion: encapVer,
		VendorID:             vendor,
		DeviceType:           devType,
		ProductCode:          prodCode,
		RevisionMajor:        revMaj,
		RevisionMinor:        revMin,
		Status:               status,
		SerialNumber:         serial,
		ProductName:          name,
		State:                state,
	}, ip, port, nil
}
