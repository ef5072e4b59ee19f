// Package server hosts the EtherNet/IP session server: a TCP listener that
// speaks the encapsulation protocol of eip/, a UDP listener for unconnected
// ListIdentity discovery, and the per-connection request/response loop that
// threads every command through cip.Router and logix.ConnectedSession.
package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ciptargetd/automaton"
	"ciptargetd/cip"
	"ciptargetd/eip"
	"ciptargetd/hd"
	"ciptargetd/logging"
	"ciptargetd/logix"
)

// RecvLatency bounds how long a connection's read blocks before polling the
// server's shutdown intent, per the 0.1-0.5s budget the concurrency model
// calls for.
const RecvLatency = 250 * time.Millisecond

// ShutdownGrace is how long a connection gets to finish an in-flight request
// after the server starts shutting down before it is forcibly closed.
const ShutdownGrace = 3 * time.Second

// SessionInfo is a read-only snapshot of one live EtherNet/IP session, the
// shape the monitoring surface's /api/sessions endpoint reports.
type SessionInfo struct {
	Handle     uint32
	RemoteAddr string
	Opened     time.Time
}

// Server owns the listeners, the shared CIP object registry, and the table
// of live sessions and connections.
type Server struct {
	Identity eip.Identity
	Services []eip.ServiceDescriptor

	conns  *logix.ConnectedSession
	router *cip.Router

	mu       sync.Mutex
	tcpLn    net.Listener
	udpConn  *net.UDPConn
	sessions map[uint32]*sessionState
	done     chan struct{}
	wg       sync.WaitGroup

	nextSession uint32
}

type sessionState struct {
	handle uint32
	conn   net.Conn
	remote string
	opened time.Time
}

// New builds a Server around a pre-populated CIP object registry. The
// caller is responsible for registering every Object (identity, assembly,
// Logix tag objects, ...) on reg before calling Start. symbols may be nil
// if the target has no named tags, in which case Read/Write Tag
// [Fragmented] requests addressed by symbolic segment are rejected.
func New(reg *cip.Registry, symbols *logix.SymbolTable, identity eip.Identity) *Server {
	router := cip.NewRouter(reg)
	return &Server{
		Identity: identity,
		Services: []eip.ServiceDescriptor{eip.CommunicationsService},
		conns:    logix.NewConnectedSession(router, symbols),
		router:   router,
		sessions: make(map[uint32]*sessionState),
		done:     make(chan struct{}),
	}
}

// Registry exposes the shared CIP object registry, the read path the
// monitoring surface's /api/objects endpoints walk.
func (s *Server) Registry() *cip.Registry {
	return s.router.Objects
}

// Addr returns the TCP listener's bound address, useful when Start was
// given a port of 0 (as tests do) to discover the port actually chosen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Sessions returns a snapshot of every currently open EtherNet/IP session.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, SessionInfo{Handle: st.handle, RemoteAddr: st.remote, Opened: st.opened})
	}
	return out
}

// Start binds the TCP and UDP listeners at addr (host:port, conventionally
// 0.0.0.0:44818) and begins accepting connections and discovery datagrams.
func (s *Server) Start(addr string) error {
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: tcp listen %s: %w", addr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("server: resolve udp addr %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("server: udp listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.tcpLn = tcpLn
	s.udpConn = udpConn
	s.mu.Unlock()

	logging.DebugLog("EIP", "listening on %s (tcp+udp)", addr)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.udpLoop()
	return nil
}

// Stop signals every connection to wind down, half-closes their sockets to
// prompt a client EOF, waits up to ShutdownGrace for each, and then forcibly
// closes the listeners and any stragglers.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
		close(s.done)
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	for _, st := range s.sessions {
		if st.conn == nil {
			continue
		}
		if tc, ok := st.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		s.mu.Lock()
		for _, st := range s.sessions {
			if st.conn != nil {
				st.conn.Close()
			}
		}
		s.mu.Unlock()
		<-done
	}
	logging.DebugLog("EIP", "server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				logging.DebugError("EIP", "accept", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var sessionHandle uint32
	remote := conn.RemoteAddr().String()
	logging.DebugConnect("EIP", remote)

	defer func() {
		if sessionHandle != 0 {
			s.mu.Lock()
			delete(s.sessions, sessionHandle)
			s.mu.Unlock()
		}
		logging.DebugDisconnect("EIP", remote, "connection closed")
	}()

	// src is this connection's byte stream; dict accumulates one
	// encapsulation frame's fields as EncapState parses it, per the
	// framing-automaton-to-request-dictionary pipeline the object dispatch
	// side reads from. A Suspended outcome leaves both exactly where they
	// were, ready to resume on the next Read without losing progress.
	src := automaton.NewByteSource(nil)
	dict := hd.New()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(RecvLatency))
		chunk := make([]byte, 4096)
		n, err := conn.Read(chunk)
		if n > 0 {
			src.Append(chunk[:n])
		}
		readErr := err
		if readErr != nil {
			if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
				continue
			}
			if readErr != io.EOF {
				logging.DebugError("EIP", "read", readErr)
				return
			}
			src.Close()
		}

		for {
			outcome, rerr := automaton.Run(src, dict, "encap", eip.EncapState)
			if rerr != nil {
				logging.DebugError("EIP", "encap", rerr)
				return
			}
			if outcome != automaton.Terminal {
				break // Suspended: need more bytes; wait for the next read
			}

			encap, ferr := eip.EncapFromDict(dict, "encap")
			dict = hd.New()
			if ferr != nil {
				logging.DebugError("EIP", "encap", ferr)
				return
			}

			reply, closeAfter := s.dispatchEncap(encap, &sessionHandle, conn, conn.LocalAddr())
			if reply != nil {
				if _, werr := conn.Write(reply.Bytes()); werr != nil {
					logging.DebugError("EIP", "write", werr)
					return
				}
			}
			if closeAfter {
				return
			}
		}

		// EOF arrived mid-request: the buffered-bytes parse above already ran
		// once against whatever was received before the peer closed; nothing
		// further can arrive, so stop here either way.
		if readErr == io.EOF {
			return
		}
	}
}

func (s *Server) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		_ = s.udpConn.SetReadDeadline(time.Now().Add(RecvLatency))
		n, src, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logging.DebugError("EIP", "udp read", err)
			continue
		}
		encap, _, perr := eip.ParseEipEncap(buf[:n])
		if perr != nil {
			continue
		}
		var sessionHandle uint32
		reply, _ := s.dispatchEncap(encap, &sessionHandle, nil, s.udpConn.LocalAddr())
		if reply != nil {
			_, _ = s.udpConn.WriteToUDP(reply.Bytes(), src)
		}
	}
}

// dispatchEncap executes one encapsulation command and returns the reply
// frame (nil for commands that get no reply: NOP and UnRegisterSession) and
// whether the connection should be closed afterward (UnRegisterSession).
func (s *Server) dispatchEncap(encap *eip.EipEncap, sessionHandle *uint32, conn net.Conn, localAddr net.Addr) (*eip.EipEncap, bool) {
	switch encap.Command() {
	case eip.CmdNOP:
		return nil, false

	case eip.CmdRegisterSession:
		h := s.registerSession(conn)
		*sessionHandle = h
		return eip.NewEipEncap(eip.CmdRegisterSession, h, eip.EncapStatusSuccess, encap.Context(), []byte{1, 0, 0, 0}), false

	case eip.CmdUnRegisterSession:
		return nil, true

	case eip.CmdListIdentity:
		localIP, localPort := localAddrOf(localAddr)
		cp := eip.BuildListIdentityResponse(s.Identity, localIP, localPort)
		return eip.NewEipEncap(eip.CmdListIdentity, encap.SessionHandle(), eip.EncapStatusSuccess, encap.Context(), cp.Bytes()), false

	case eip.CmdListServices:
		cp := eip.BuildListServicesResponse(s.Services)
		return eip.NewEipEncap(eip.CmdListServices, encap.SessionHandle(), eip.EncapStatusSuccess, encap.Context(), cp.Bytes()), false

	case eip.CmdListInterfaces:
		cp := &eip.EipCommonPacket{}
		return eip.NewEipEncap(eip.CmdListInterfaces, encap.SessionHandle(), eip.EncapStatusSuccess, encap.Context(), cp.Bytes()), false

	case eip.CmdSendRRData:
		return s.handleSendRRData(encap), false

	case eip.CmdSendUnitData:
		return s.handleSendUnitData(encap), false

	default:
		return eip.NewEipEncap(encap.Command(), encap.SessionHandle(), eip.EncapStatusInvalidCommand, encap.Context(), nil), false
	}
}

func (s *Server) registerSession(conn net.Conn) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := atomic.AddUint32(&s.nextSession, 1)
	st := &sessionState{handle: h, conn: conn, opened: time.Now()}
	if conn != nil {
		st.remote = conn.RemoteAddr().String()
	}
	s.sessions[h] = st
	return h
}

func (s *Server) handleSendRRData(encap *eip.EipEncap) *eip.EipEncap {
	cmdData, err := eip.ParseEipCommandData(encap.Data())
	if err != nil {
		return eip.NewEipEncap(eip.CmdSendRRData, encap.SessionHandle(), eip.EncapStatusIncorrectData, encap.Context(), nil)
	}
	cp, err := eip.ParseEipCommonPacket(cmdData.Packet())
	if err != nil {
		return eip.NewEipEncap(eip.CmdSendRRData, encap.SessionHandle(), eip.EncapStatusIncorrectData, encap.Context(), nil)
	}

	var cipData []byte
	for _, item := range cp.Items {
		if item.TypeId == eip.CpfUnconnectedMessageId {
			cipData = item.Data
		}
	}
	mrReq, err := cip.ParseMessageRouterRequest(cipData)
	if err != nil {
		return eip.NewEipEncap(eip.CmdSendRRData, encap.SessionHandle(), eip.EncapStatusIncorrectData, encap.Context(), nil)
	}

	mrResp := s.conns.HandleUnconnectedRequest(mrReq)
	respCIP := cip.EncodeMessageRouterResponse(mrResp)

	replyCp := &eip.EipCommonPacket{Items: []eip.EipCommonPacketItem{
		{TypeId: eip.CpfAddressNullId, Length: 0},
		{TypeId: eip.CpfUnconnectedMessageId, Length: uint16(len(respCIP)), Data: respCIP},
	}}
	cmdOut := eip.NewEipCommandData(0, 0, replyCp.Bytes())
	return eip.NewEipEncap(eip.CmdSendRRData, encap.SessionHandle(), eip.EncapStatusSuccess, encap.Context(), cmdOut.Bytes())
}

func (s *Server) handleSendUnitData(encap *eip.EipEncap) *eip.EipEncap {
	cmdData, err := eip.ParseEipCommandData(encap.Data())
	if err != nil {
		return eip.NewEipEncap(eip.CmdSendUnitData, encap.SessionHandle(), eip.EncapStatusIncorrectData, encap.Context(), nil)
	}
	cp, err := eip.ParseEipCommonPacket(cmdData.Packet())
	if err != nil {
		return eip.NewEipEncap(eip.CmdSendUnitData, encap.SessionHandle(), eip.EncapStatusIncorrectData, encap.Context(), nil)
	}

	var connID uint32
	var connected []byte
	for _, item := range cp.Items {
		switch item.TypeId {
		case eip.CpfSequencedAddressId:
			connID, _, _ = logix.ParseSequencedAddressItem(item.Data)
		case eip.CpfConnectedTransportPacketId:
			connected = item.Data
		}
	}
	if connected == nil {
		return eip.NewEipEncap(eip.CmdSendUnitData, encap.SessionHandle(), eip.EncapStatusIncorrectData, encap.Context(), nil)
	}

	replyPayload, err := s.conns.HandleConnectedData(connID, connected)
	if err != nil {
		logging.DebugError("EIP", "connected data", err)
		return eip.NewEipEncap(eip.CmdSendUnitData, encap.SessionHandle(), eip.EncapStatusSuccess, encap.Context(), nil)
	}

	addrData := binary.LittleEndian.AppendUint32(nil, connID)
	replyCp := &eip.EipCommonPacket{Items: []eip.EipCommonPacketItem{
		{TypeId: eip.CpfAddressConnectionId, Length: uint16(len(addrData)), Data: addrData},
		{TypeId: eip.CpfConnectedTransportPacketId, Length: uint16(len(replyPayload)), Data: replyPayload},
	}}
	cmdOut := eip.NewEipCommandData(0, 0, replyCp.Bytes())
	return eip.NewEipEncap(eip.CmdSendUnitData, encap.SessionHandle(), eip.EncapStatusSuccess, encap.Context(), cmdOut.Bytes())
}

// localAddrOf extracts the IP/port pair embedded in a ListIdentity reply's
// socket address field from the local address the request was received on.
func localAddrOf(local net.Addr) (net.IP, uint16) {
	if tcpAddr, ok := local.(*net.TCPAddr); ok {
		return tcpAddr.IP, uint16(tcpAddr.Port)
	}
	if udpAddr, ok := local.(*net.UDPAddr); ok {
		return udpAddr.IP, uint16(udpAddr.Port)
	}
	return net.IPv4zero, 44818
}
