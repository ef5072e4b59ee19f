package eip

import (
	"net"
	"testing"
)

func testIdentity() Identity {
	return Identity{
		EncapsulationVersion: 1,
		VendorID:             0x1337,
		DeviceType:           0x0C,
		ProductCode:          42,
		RevisionMajor:        1,
		RevisionMinor:        2,
		Status:               0x0030,
		SerialNumber:         0xDEADBEEF,
		ProductName:          "ciptargetd simulator",
		State:                3,
	}
}

func TestEncodeParseIdentityItemDataRoundTrip(t *testing.T) {
	want := testIdentity()
	localIP := net.IPv4(10, 0, 0, 5)
	data := EncodeIdentityItemData(want, localIP, 44818)

	got, ip, port, err := ParseIdentityItemData(data)
	if err != nil {
		t.Fatalf("ParseIdentityItemData: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
	if !ip.Equal(localIP) {
		t.Fatalf("ip = %v, want %v", ip, localIP)
	}
	if port != 44818 {
		t.Fatalf("port = %d, want 44818", port)
	}
}

func TestBuildListIdentityResponse(t *testing.T) {
	cp := BuildListIdentityResponse(testIdentity(), net.IPv4(192, 168, 1, 10), 44818)
	if len(cp.Items) != 1 {
		t.Fatalf("expected 1 CPF item, got %d", len(cp.Items))
	}
	if cp.Items[0].TypeId != CpfTypeListIdentityResponseId {
		t.Fatalf("item type = 0x%04X, want 0x%04X", cp.Items[0].TypeId, CpfTypeListIdentityResponseId)
	}

	raw := cp.Bytes()
	parsed, err := ParseEipCommonPacket(raw)
	if err != nil {
		t.Fatalf("ParseEipCommonPacket: %v", err)
	}
	if len(parsed.Items) != 1 || parsed.Items[0].TypeId != CpfTypeListIdentityResponseId {
		t.Fatalf("parsed CPF mismatch: %+v", parsed.Items)
	}
}

func TestBuildListServicesResponse(t *testing.T) {
	cp := BuildListServicesResponse([]ServiceDescriptor{CommunicationsService})
	if len(cp.Items) != 1 {
		t.Fatalf("expected 1 service item, got %d", len(cp.Items))
	}
	if cp.Items[0].TypeId != CommunicationsService.TypeCode {
		t.Fatalf("item type = 0x%04X, want 0x%04X", cp.Items[0].TypeId, CommunicationsService.TypeCode)
	}
	if len(cp.Items[0].Data) != 20 {
		t.Fatalf("service descriptor data len = %d, want 20", len(cp.Items[0].Data))
	}
}
