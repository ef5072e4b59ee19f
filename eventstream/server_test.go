package eventstream

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"ciptargetd/cip"
	"ciptargetd/logix"
)

func newTestRegistry(t *testing.T) (*cip.Registry, *logix.SymbolTable) {
	t.Helper()
	reg := cip.NewRegistry()
	obj := cip.NewObject(0x68, 1)
	obj.SetAttribute(cip.NewAttribute(1, cip.TypeDINT, 1, cip.AccessGetSet, int32(42)))
	reg.Add(obj)

	symbols := logix.NewSymbolTable()
	symbols.Define(logix.TagEntry{Name: "Speed", ClassID: 0x68, Instance: 1, Attribute: 1, TypeCode: uint16(cip.TypeDINT)})
	return reg, symbols
}

func startTestServer(t *testing.T) (*Server, net.Conn) {
	t.Helper()
	reg, symbols := newTestRegistry(t)
	s := NewServer(reg, symbols)
	s.SetNamespace("plant1")
	if err := s.Start("127.0.0.1:0", 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, conn
}

func readLineJSON(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return msg
}

func TestWelcomeSendsConfigThenSnapshot(t *testing.T) {
	_, conn := startTestServer(t)
	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	cfg := readLineJSON(t, r)
	if cfg["type"] != "config" || cfg["namespace"] != "plant1" {
		t.Errorf("config message = %+v", cfg)
	}

	snap := readLineJSON(t, r)
	if snap["type"] != "snapshot" {
		t.Fatalf("expected snapshot, got %+v", snap)
	}
	tags, ok := snap["tags"].([]interface{})
	if !ok || len(tags) != 1 {
		t.Fatalf("snapshot tags = %v, want one entry", snap["tags"])
	}
}

func TestBroadcastTagChangeReachesClient(t *testing.T) {
	s, conn := startTestServer(t)
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readLineJSON(t, r) // config
	readLineJSON(t, r) // snapshot

	s.BroadcastTagChange("Speed", "DINT", int32(100), true)

	msg := readLineJSON(t, r)
	if msg["type"] != "tag" || msg["tag"] != "Speed" {
		t.Errorf("broadcast message = %+v", msg)
	}
}

func TestBroadcastSessionEvent(t *testing.T) {
	s, conn := startTestServer(t)
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readLineJSON(t, r)
	readLineJSON(t, r)

	s.BroadcastSession("opened", 7, "10.0.0.5:44818")

	msg := readLineJSON(t, r)
	if msg["type"] != "session" || msg["event"] != "opened" {
		t.Errorf("session message = %+v", msg)
	}
}

func TestBroadcastConnectionEvent(t *testing.T) {
	s, conn := startTestServer(t)
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readLineJSON(t, r)
	readLineJSON(t, r)

	s.BroadcastConnection("forward_open", 0xABCD, "20 68 24 01")

	msg := readLineJSON(t, r)
	if msg["type"] != "connection" || msg["event"] != "forward_open" {
		t.Errorf("connection message = %+v", msg)
	}
}

func TestReplaySendsBufferedEventsSinceTimestamp(t *testing.T) {
	s, conn := startTestServer(t)
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readLineJSON(t, r)
	readLineJSON(t, r)

	before := time.Now().UTC()
	s.BroadcastTagChange("Speed", "DINT", int32(1), true)
	s.BroadcastTagChange("Speed", "DINT", int32(2), true)

	drained := 0
	for drained < 2 {
		readLineJSON(t, r)
		drained++
	}

	req, _ := json.Marshal(map[string]string{"type": "replay", "since": before.Format(time.RFC3339Nano)})
	if _, err := conn.Write(append(req, '\n')); err != nil {
		t.Fatalf("write replay request: %v", err)
	}

	first := readLineJSON(t, r)
	second := readLineJSON(t, r)
	if first["value"] != float64(1) || second["value"] != float64(2) {
		t.Errorf("replay values = %v, %v; want 1, 2", first["value"], second["value"])
	}
}

func TestHasClientsReflectsConnectionState(t *testing.T) {
	s, conn := startTestServer(t)
	time.Sleep(20 * time.Millisecond)
	if !s.HasClients() {
		t.Error("expected HasClients to be true with one connection open")
	}

	conn.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.HasClients() {
		time.Sleep(5 * time.Millisecond)
	}
	if s.HasClients() {
		t.Error("expected HasClients to become false after client disconnects")
	}
}

func TestListTagsQuery(t *testing.T) {
	_, conn := startTestServer(t)
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readLineJSON(t, r)
	readLineJSON(t, r)

	req, _ := json.Marshal(map[string]string{"type": "list_tags"})
	if _, err := conn.Write(append(req, '\n')); err != nil {
		t.Fatalf("write list_tags request: %v", err)
	}

	msg := readLineJSON(t, r)
	if msg["type"] != "tag_list" {
		t.Errorf("response type = %v, want tag_list", msg["type"])
	}
}

func TestRingBufferWrapsAndFiltersByTimestamp(t *testing.T) {
	rb := NewRingBuffer(2)
	t0 := time.Now()
	rb.Add([]byte("a"), t0)
	rb.Add([]byte("b"), t0.Add(time.Millisecond))
	rb.Add([]byte("c"), t0.Add(2*time.Millisecond)) // overwrites "a"

	since := rb.Since(t0)
	if len(since) != 2 || string(since[0]) != "b" || string(since[1]) != "c" {
		t.Errorf("Since(t0) = %v, want [b c]", since)
	}
}
