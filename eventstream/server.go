// Package eventstream provides a second TCP listener that broadcasts live
// target activity to connected monitoring clients as newline-delimited
// JSON: tag value changes, session open/close, and Connection Manager
// Forward Open/Close events. A bounded ring buffer lets a client ask for
// everything broadcast since a given timestamp, so a brief disconnect
// doesn't lose events.
package eventstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ciptargetd/cip"
	"ciptargetd/logix"
)

// TagValue is one tag's current value, reported in a snapshot or a
// list_tags response.
type TagValue struct {
	Tag      string      `json:"tag"`
	Type     string      `json:"data_type"`
	Value    interface{} `json:"value"`
	Writable bool        `json:"writable"`
}

// Server is a TCP server that streams target events to connected clients.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	clients    map[uint64]*client
	nextID     uint64
	ringBuffer *RingBuffer
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	logFn      func(string, ...interface{})

	registry  *cip.Registry
	symbols   *logix.SymbolTable
	namespace string

	clientCount atomic.Int64
}

// client represents a single connected monitoring client.
type client struct {
	id   uint64
	conn net.Conn
	send chan []byte
}

// NewServer creates an eventstream server (not yet listening). registry
// and symbols back the snapshot/list_tags query responses; either may be
// nil if the target has no tag namespace configured.
func NewServer(registry *cip.Registry, symbols *logix.SymbolTable) *Server {
	return &Server{
		clients:  make(map[uint64]*client),
		stopChan: make(chan struct{}),
		logFn:    func(string, ...interface{}) {},
		registry: registry,
		symbols:  symbols,
	}
}

// SetLogFunc sets the logging callback.
func (s *Server) SetLogFunc(fn func(string, ...interface{})) {
	s.logFn = fn
}

// SetNamespace sets the namespace included in config responses.
func (s *Server) SetNamespace(ns string) {
	s.namespace = ns
}

// HasClients returns true if at least one client is connected, a fast
// atomic check so callers can skip serialization work when nobody is
// listening.
func (s *Server) HasClients() bool {
	return s.clientCount.Load() > 0
}

// Start begins accepting TCP connections on the given address.
func (s *Server) Start(listenAddr string, bufferSize int) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("eventstream listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.ringBuffer = NewRingBuffer(bufferSize)
	s.mu.Unlock()

	s.logFn("eventstream listening on %s", listenAddr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop shuts down the server and disconnects all clients.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()

	for _, c := range s.clients {
		close(c.send)
		c.conn.Close()
	}
	s.clients = make(map[uint64]*client)
	s.clientCount.Store(0)
	s.mu.Unlock()

	s.wg.Wait()
	s.logFn("eventstream stopped")
}

// BroadcastTagChange sends a tag value change event to all connected clients.
func (s *Server) BroadcastTagChange(tagName, typeName string, value interface{}, writable bool) {
	s.broadcast(map[string]interface{}{
		"type":      "tag",
		"tag":       tagName,
		"value":     value,
		"data_type": typeName,
		"writable":  writable,
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// BroadcastSession sends an EtherNet/IP session lifecycle event ("opened"
// or "closed") to all connected clients.
func (s *Server) BroadcastSession(event string, handle uint32, remoteAddr string) {
	s.broadcast(map[string]interface{}{
		"type":        "session",
		"event":       event,
		"handle":      handle,
		"remote_addr": remoteAddr,
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// BroadcastConnection sends a Connection Manager event ("forward_open" or
// "forward_close") to all connected clients.
func (s *Server) BroadcastConnection(event string, connectionID uint32, path string) {
	s.broadcast(map[string]interface{}{
		"type":          "connection",
		"event":         event,
		"connection_id": connectionID,
		"path":          path,
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// broadcast serializes a message, stores it in the ring buffer, and fans
// out to all connected clients (non-blocking).
func (s *Server) broadcast(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	now := time.Now().UTC()

	s.mu.RLock()
	if s.ringBuffer != nil {
		s.ringBuffer.Add(data, now)
	}
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client, drop event.
		}
	}
	s.mu.RUnlock()
}

// acceptLoop runs in its own goroutine and accepts new TCP connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				s.logFn("eventstream accept error: %v", err)
				continue
			}
		}

		s.mu.Lock()
		id := s.nextID
		s.nextID++
		c := &client{
			id:   id,
			conn: conn,
			send: make(chan []byte, 256),
		}
		s.clients[id] = c
		s.clientCount.Add(1)
		s.mu.Unlock()

		s.logFn("eventstream client connected: %s (id=%d)", conn.RemoteAddr(), id)

		s.wg.Add(2)
		go s.clientWriter(c)
		go s.clientReader(c)

		go s.sendWelcome(c)
	}
}

// removeClient disconnects and removes a client.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.clientCount.Add(-1)
		close(c.send)
		c.conn.Close()
		s.logFn("eventstream client disconnected: %s (id=%d)", c.conn.RemoteAddr(), c.id)
	}
	s.mu.Unlock()
}

// clientWriter drains the send channel and writes to the TCP connection.
func (s *Server) clientWriter(c *client) {
	defer s.wg.Done()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.conn.Write(data); err != nil {
			s.removeClient(c)
			return
		}
	}
}

// clientReader reads requests from the client and dispatches responses.
func (s *Server) clientReader(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req map[string]interface{}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		msgType, _ := req["type"].(string)
		switch msgType {
		case "list_tags":
			s.handleListTags(c)
		case "get_config":
			s.sendConfig(c)
		case "replay":
			sinceStr, _ := req["since"].(string)
			s.handleReplay(c, sinceStr)
		}
	}
}

// sendWelcome sends the config response and a snapshot of current tag values.
func (s *Server) sendWelcome(c *client) {
	s.sendConfig(c)
	s.sendSnapshot(c)
}

func (s *Server) sendConfig(c *client) {
	s.sendToClient(c, map[string]interface{}{
		"type":      "config",
		"namespace": s.namespace,
	})
}

// snapshotTags walks every tag the symbol table defines and resolves its
// current value, the same source of truth publish.Bridge.PublishAll uses.
func (s *Server) snapshotTags() []TagValue {
	if s.registry == nil || s.symbols == nil {
		return nil
	}
	var tags []TagValue
	for _, name := range s.symbols.Names() {
		attr, entry, err := s.symbols.ResolveAttribute(s.registry, name)
		if err != nil {
			continue
		}
		typeName := cip.TagType(entry.TypeCode).String()
		writable := attr.Access&cip.AccessSet != 0
		if attr.Elements > 1 {
			for i, v := range attr.GetAll() {
				tags = append(tags, TagValue{Tag: fmt.Sprintf("%s[%d]", name, i), Type: typeName, Value: v, Writable: writable})
			}
			continue
		}
		v, _ := attr.Get(0)
		tags = append(tags, TagValue{Tag: name, Type: typeName, Value: v, Writable: writable})
	}
	return tags
}

func (s *Server) sendSnapshot(c *client) {
	s.sendToClient(c, map[string]interface{}{
		"type": "snapshot",
		"tags": s.snapshotTags(),
	})
}

func (s *Server) handleListTags(c *client) {
	s.sendToClient(c, map[string]interface{}{
		"type": "tag_list",
		"tags": s.snapshotTags(),
	})
}

// handleReplay sends buffered events since the given timestamp. Recovers
// from panics caused by sending on a closed channel.
func (s *Server) handleReplay(c *client, sinceStr string) {
	defer func() { recover() }()

	ts, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, sinceStr)
		if err != nil {
			return
		}
	}

	s.mu.RLock()
	rb := s.ringBuffer
	s.mu.RUnlock()

	if rb == nil {
		return
	}

	for _, data := range rb.Since(ts) {
		select {
		case c.send <- data:
		default:
			return // Client too slow, stop replay.
		}
	}
}

// sendToClient serializes and queues a message for a single client.
// Recovers from panics caused by sending on a closed channel, which can
// happen if the client disconnects while sendWelcome/handleReplay is
// running.
func (s *Server) sendToClient(c *client, msg map[string]interface{}) {
	defer func() { recover() }()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	select {
	case c.send <- data:
	default:
	}
}
