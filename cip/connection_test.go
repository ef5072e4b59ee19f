package cip

import (
	"bytes"
	"testing"
)

func TestConnectionAcceptSequenceNonRegression(t *testing.T) {
	c := &Connection{}
	if !c.AcceptSequence(1) {
		t.Fatalf("first sequence should always be accepted")
	}
	if !c.AcceptSequence(2) {
		t.Fatalf("increasing sequence should be accepted")
	}
	if c.AcceptSequence(2) {
		t.Fatalf("repeated sequence should be rejected")
	}
	if c.AcceptSequence(1) {
		t.Fatalf("regressed sequence should be rejected")
	}
}

func TestConnectionAcceptSequenceWraparound(t *testing.T) {
	c := &Connection{}
	c.AcceptSequence(0xFFFE)
	if !c.AcceptSequence(0xFFFF) {
		t.Fatalf("sequence should advance up to 0xFFFF")
	}
	if !c.AcceptSequence(0x0000) {
		t.Fatalf("sequence should wrap from 0xFFFF to 0x0000")
	}
	if !c.AcceptSequence(0x0001) {
		t.Fatalf("sequence should continue advancing after wraparound")
	}
}

func TestWrapUnwrapConnectedRoundTrip(t *testing.T) {
	c := &Connection{}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	wrapped := c.WrapConnected(payload)
	seq, body, err := UnwrapConnected(wrapped)
	if err != nil {
		t.Fatalf("UnwrapConnected: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body = %v, want %v", body, payload)
	}
}

func TestConnectionManagerForwardOpenThenClose(t *testing.T) {
	cm := NewConnectionManager()
	req := ForwardOpenRequest{
		Large:            true,
		ToConnID:         0x1234,
		SerialNumber:     0x5678,
		VendorID:         0x0001,
		OriginatorSerial: 42,
		OTRPI:            0x00201234,
		TORPI:            0x00204001,
	}
	respBody, conn, status := cm.HandleForwardOpen(req, ParsedPath{ClassSet: true, Class: 0x6B, InstanceSet: true, Instance: 100})
	if status != StatusSuccess {
		t.Fatalf("status = 0x%02X, want success", status)
	}
	if len(respBody) != 26 {
		t.Fatalf("response len = %d, want 26", len(respBody))
	}
	if _, ok := cm.Lookup(conn.OTConnID); !ok {
		t.Fatalf("expected connection to be registered under its O->T id")
	}

	closeReq := ForwardCloseRequest{SerialNumber: req.SerialNumber, VendorID: req.VendorID, OrigSerial: req.OriginatorSerial}
	_, closeStatus := cm.HandleForwardClose(closeReq)
	if closeStatus != StatusSuccess {
		t.Fatalf("close status = 0x%02X, want success", closeStatus)
	}
	if _, ok := cm.Lookup(conn.OTConnID); ok {
		t.Fatalf("connection should be removed after Forward Close")
	}
}

func TestConnectionManagerForwardCloseUnknownConnection(t *testing.T) {
	cm := NewConnectionManager()
	_, status := cm.HandleForwardClose(ForwardCloseRequest{SerialNumber: 1, VendorID: 2, OrigSerial: 3})
	if status != StatusPathDestinationUnknown {
		t.Fatalf("status = 0x%02X, want PathDestinationUnknown", status)
	}
}

func TestParseForwardOpenRequestRoundTrip(t *testing.T) {
	// Construct a minimal large-format Forward Open body by hand, mirroring
	// the layout the teacher's buildForwardOpenInternal produces.
	data := []byte{}
	data = append(data, 0x0A, 0x0E) // priority/tick, timeout ticks
	data = append(data, 0x02, 0x00, 0x00, 0x20) // O->T conn id 0x20000002
	data = append(data, 0x34, 0x12, 0x00, 0x00) // T->O conn id 0x1234
	data = append(data, 0x78, 0x56) // serial 0x5678
	data = append(data, 0x01, 0x00) // vendor 1
	data = append(data, 0x2A, 0x00, 0x00, 0x00) // orig serial 42
	data = append(data, 0x03, 0x00, 0x00, 0x00) // timeout multiplier
	data = append(data, 0x34, 0x12, 0x20, 0x00) // OT RPI
	data = append(data, 0x00, 0x42, 0xF8, 0x01) // OT params (large, 32-bit)
	data = append(data, 0x01, 0x40, 0x20, 0x00) // TO RPI
	data = append(data, 0x00, 0x42, 0xF8, 0x01) // TO params (large, 32-bit)
	data = append(data, 0xA3)                   // transport trigger
	data = append(data, 0x02)                   // path size words
	data = append(data, 0x20, 0x6B, 0x24, 0x64) // class 0x6B instance 0x64

	req, err := ParseForwardOpenRequest(data, true)
	if err != nil {
		t.Fatalf("ParseForwardOpenRequest: %v", err)
	}
	if req.SerialNumber != 0x5678 {
		t.Fatalf("serial = 0x%04X, want 0x5678", req.SerialNumber)
	}
	if req.OriginatorSerial != 42 {
		t.Fatalf("origSerial = %d, want 42", req.OriginatorSerial)
	}
	path, _, err := ParseEPath(req.ConnectionPath)
	if err != nil {
		t.Fatalf("ParseEPath(ConnectionPath): %v", err)
	}
	if path.Class != 0x6B || path.Instance != 0x64 {
		t.Fatalf("connection path = %+v", path)
	}
}
