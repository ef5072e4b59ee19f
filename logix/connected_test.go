package logix

import (
	"encoding/binary"
	"testing"

	"ciptargetd/cip"
)

func newTestRouter() (*cip.Router, *cip.Registry) {
	reg := cip.NewRegistry()
	obj := cip.NewObject(0x6B, 1)
	obj.SetAttribute(cip.NewAttribute(1, cip.TypeDINT, 1, cip.AccessGetSet, int32(0)))
	reg.Add(obj)
	return cip.NewRouter(reg), reg
}

func TestConnectedSessionForwardOpenThenConnectedData(t *testing.T) {
	router, _ := newTestRouter()
	sess := NewConnectedSession(router, nil)

	connPath, _ := cip.EPath().Class(0x6B).Instance(1).Build()

	fwdOpenBody := []byte{}
	fwdOpenBody = append(fwdOpenBody, 0x0A, 0x0E)
	fwdOpenBody = append(fwdOpenBody, 0x02, 0x00, 0x00, 0x20)
	fwdOpenBody = append(fwdOpenBody, 0x34, 0x12, 0x00, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x78, 0x56)
	fwdOpenBody = append(fwdOpenBody, 0x01, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x2A, 0x00, 0x00, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x03, 0x00, 0x00, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x34, 0x12, 0x20, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x00, 0x42, 0xF8, 0x01)
	fwdOpenBody = append(fwdOpenBody, 0x01, 0x40, 0x20, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x00, 0x42, 0xF8, 0x01)
	fwdOpenBody = append(fwdOpenBody, 0xA3)
	fwdOpenBody = append(fwdOpenBody, byte(len(connPath)/2))
	fwdOpenBody = append(fwdOpenBody, connPath...)

	cmPath, _ := cip.EPath().Class(cip.ClassConnectionManager).Instance(1).Build()
	openReq := cip.MessageRouterRequest{
		Service:     cip.SvcForwardOpenLarge,
		RequestPath: cmPath,
		RequestData: fwdOpenBody,
	}

	openResp := sess.HandleUnconnectedRequest(openReq)
	if openResp.GeneralStatus != cip.StatusSuccess {
		t.Fatalf("forward open status = 0x%02X, want success", openResp.GeneralStatus)
	}
	if len(openResp.ResponseData) != 26 {
		t.Fatalf("forward open response len = %d, want 26", len(openResp.ResponseData))
	}
	otConnID := binary.LittleEndian.Uint32(openResp.ResponseData[0:4])

	// Build a Get Attribute Single request against the opened path's object.
	reqPath, _ := cip.EPath().Attribute(1).Build()
	getReq := cip.MessageRouterRequest{Service: cip.SvcGetAttributeSingle, RequestPath: reqPath}
	getReqBytes := append([]byte{getReq.Service, reqPath.WordLen()}, reqPath...)

	conn, ok := sess.Conns.Lookup(otConnID)
	if !ok {
		t.Fatalf("connection 0x%08X not registered", otConnID)
	}
	wrapped := conn.WrapConnected(getReqBytes)

	replyBytes, err := sess.HandleConnectedData(otConnID, wrapped)
	if err != nil {
		t.Fatalf("HandleConnectedData: %v", err)
	}
	_, replyPayload, err := cip.UnwrapConnected(replyBytes)
	if err != nil {
		t.Fatalf("UnwrapConnected(reply): %v", err)
	}
	if replyPayload[0] != cip.SvcGetAttributeSingle|0x80 {
		t.Fatalf("reply service = 0x%02X, want 0x%02X", replyPayload[0], cip.SvcGetAttributeSingle|0x80)
	}
	if replyPayload[2] != cip.StatusSuccess {
		t.Fatalf("reply status = 0x%02X, want success", replyPayload[2])
	}
}

func TestConnectedSessionRejectsSequenceRegression(t *testing.T) {
	router, _ := newTestRouter()
	sess := NewConnectedSession(router, nil)

	connPath, _ := cip.EPath().Class(0x6B).Instance(1).Build()
	fwdOpenBody := []byte{}
	fwdOpenBody = append(fwdOpenBody, 0x0A, 0x0E)
	fwdOpenBody = append(fwdOpenBody, 0x02, 0x00, 0x00, 0x20)
	fwdOpenBody = append(fwdOpenBody, 0x34, 0x12, 0x00, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x78, 0x56)
	fwdOpenBody = append(fwdOpenBody, 0x01, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x2A, 0x00, 0x00, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x03, 0x00, 0x00, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x34, 0x12, 0x20, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x00, 0x42, 0xF8, 0x01)
	fwdOpenBody = append(fwdOpenBody, 0x01, 0x40, 0x20, 0x00)
	fwdOpenBody = append(fwdOpenBody, 0x00, 0x42, 0xF8, 0x01)
	fwdOpenBody = append(fwdOpenBody, 0xA3)
	fwdOpenBody = append(fwdOpenBody, byte(len(connPath)/2))
	fwdOpenBody = append(fwdOpenBody, connPath...)

	cmPath, _ := cip.EPath().Class(cip.ClassConnectionManager).Instance(1).Build()
	openResp := sess.HandleUnconnectedRequest(cip.MessageRouterRequest{
		Service: cip.SvcForwardOpenLarge, RequestPath: cmPath, RequestData: fwdOpenBody,
	})
	otConnID := binary.LittleEndian.Uint32(openResp.ResponseData[0:4])

	raw1 := []byte{0x05, 0x00, 0x0E, 0x01, 0x30, 0x01}
	if _, err := sess.HandleConnectedData(otConnID, raw1); err != nil {
		t.Fatalf("first connected message: %v", err)
	}
	raw2 := []byte{0x03, 0x00, 0x0E, 0x01, 0x30, 0x01}
	if _, err := sess.HandleConnectedData(otConnID, raw2); err == nil {
		t.Fatalf("expected sequence regression to be rejected")
	}
}

func newTestSession(t *testing.T) (*ConnectedSession, *cip.Registry, *SymbolTable) {
	t.Helper()
	reg := cip.NewRegistry()
	obj := cip.NewObject(0x68, 1)
	obj.SetAttribute(cip.NewAttribute(1, cip.TypeDINT, 1, cip.AccessGetSet, int32(42)))
	reg.Add(obj)

	symbols := NewSymbolTable()
	symbols.Define(TagEntry{Name: "Speed", ClassID: 0x68, Instance: 1, Attribute: 1, TypeCode: uint16(cip.TypeDINT)})

	router := cip.NewRouter(reg)
	return NewConnectedSession(router, symbols), reg, symbols
}

func TestReadTagBySymbolicPath(t *testing.T) {
	sess, _, _ := newTestSession(t)
	path, err := cip.EPath().Symbol("Speed").Build()
	if err != nil {
		t.Fatalf("build path: %v", err)
	}

	resp := sess.HandleUnconnectedRequest(cip.MessageRouterRequest{
		Service:     SvcReadTag,
		RequestPath: path,
		RequestData: []byte{1, 0}, // one element
	})
	if resp.GeneralStatus != cip.StatusSuccess {
		t.Fatalf("status = 0x%02X, want success", resp.GeneralStatus)
	}
	if len(resp.ResponseData) != 6 { // type code (2) + DINT (4)
		t.Fatalf("response len = %d, want 6", len(resp.ResponseData))
	}
}

func TestWriteTagBySymbolicPathThenReadBack(t *testing.T) {
	sess, reg, _ := newTestSession(t)
	path, err := cip.EPath().Symbol("Speed").Build()
	if err != nil {
		t.Fatalf("build path: %v", err)
	}

	writeData := []byte{byte(cip.TypeDINT), byte(cip.TypeDINT >> 8), 1, 0}
	writeData = binary.LittleEndian.AppendUint32(writeData, 99)

	resp := sess.HandleUnconnectedRequest(cip.MessageRouterRequest{
		Service:     SvcWriteTag,
		RequestPath: path,
		RequestData: writeData,
	})
	if resp.GeneralStatus != cip.StatusSuccess {
		t.Fatalf("write status = 0x%02X, want success", resp.GeneralStatus)
	}

	obj, _ := reg.Get(0x68, 1)
	attr, _ := obj.Attribute(1)
	v, _ := attr.Get(0)
	if v.(int32) != 99 {
		t.Fatalf("attribute value = %v, want 99", v)
	}
}

func TestReadTagUnknownSymbolFails(t *testing.T) {
	sess, _, _ := newTestSession(t)
	path, _ := cip.EPath().Symbol("DoesNotExist").Build()

	resp := sess.HandleUnconnectedRequest(cip.MessageRouterRequest{
		Service:     SvcReadTag,
		RequestPath: path,
		RequestData: []byte{1, 0},
	})
	if resp.GeneralStatus != cip.StatusPathDestinationUnknown {
		t.Fatalf("status = 0x%02X, want path destination unknown", resp.GeneralStatus)
	}
}

func TestParseSequencedAddressItem(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], 0x8000_0001)
	binary.LittleEndian.PutUint32(data[4:8], 7)
	connID, seq, err := ParseSequencedAddressItem(data)
	if err != nil {
		t.Fatalf("ParseSequencedAddressItem: %v", err)
	}
	if connID != 0x8000_0001 || seq != 7 {
		t.Fatalf("connID=0x%08X seq=%d, want 0x80000001/7", connID, seq)
	}
}

func TestParseSequencedAddressItemTooShort(t *testing.T) {
	if _, _, err := ParseSequencedAddressItem([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}
