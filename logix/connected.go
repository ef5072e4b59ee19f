package logix

import (
	"encoding/binary"
	"fmt"

	"ciptargetd/cip"
	"ciptargetd/logging"
)

var verboseLogging bool // Controls detailed connected-messaging logs

// SetVerboseLogging enables or disables detailed connected-messaging logs.
func SetVerboseLogging(verbose bool) {
	verboseLogging = verbose
}

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("Logix", format, args...)
}

func debugLogVerbose(format string, args ...interface{}) {
	if verboseLogging {
		logging.DebugLog("Logix", format, args...)
	}
}

// Connection size options a Forward Open may request.
const (
	ConnectionSizeLarge = 4002 // Large Forward Open max size
	ConnectionSizeSmall = 504  // Standard Forward Open size
)

// ConnectedSession ties a cip.ConnectionManager and cip.Router together to
// answer both the Connection Manager's own unconnected services
// (Forward Open/Close, arriving over SendRRData) and the Class-1/3
// connected traffic that follows (arriving over SendUnitData, addressed by
// O->T connection ID rather than by CIP path).
type ConnectedSession struct {
	Conns   *cip.ConnectionManager
	Router  *cip.Router
	Symbols *SymbolTable
}

// NewConnectedSession builds a session around router. symbols may be nil,
// in which case Read/Write Tag [Fragmented] requests addressed by symbolic
// segment fail with Path Destination Unknown rather than being resolved.
func NewConnectedSession(router *cip.Router, symbols *SymbolTable) *ConnectedSession {
	return &ConnectedSession{Conns: cip.NewConnectionManager(), Router: router, Symbols: symbols}
}

// HandleUnconnectedRequest executes a Message Router request that arrived
// over SendRRData (unconnected), intercepting Forward Open/Close for the
// Connection Manager object rather than letting the Router dispatch them
// as ordinary services — establishing or tearing down a connection isn't
// "execute a service against an Object attribute", it mutates the
// connection table itself.
func (s *ConnectedSession) HandleUnconnectedRequest(req cip.MessageRouterRequest) cip.MessageRouterResponse {
	path, _, err := cip.ParseEPath(req.RequestPath)
	isConnMgr := err == nil && path.ClassSet && byte(path.Class) == cip.ClassConnectionManager

	switch {
	case isConnMgr && (req.Service == cip.SvcForwardOpen || req.Service == cip.SvcForwardOpenLarge):
		large := req.Service == cip.SvcForwardOpenLarge
		foReq, err := cip.ParseForwardOpenRequest(req.RequestData, large)
		if err != nil {
			debugLog("forward open: %v", err)
			return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusInvalidParameterValue}
		}
		destPath, _, err := cip.ParseEPath(foReq.ConnectionPath)
		if err != nil {
			return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusPathSegmentError}
		}
		respData, conn, status := s.Conns.HandleForwardOpen(foReq, destPath)
		if status == cip.StatusSuccess {
			debugLogVerbose("forward open: established O->T=0x%08X T->O=0x%08X for class 0x%X instance %d", conn.OTConnID, conn.TOConnID, destPath.Class, destPath.Instance)
		}
		return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: status, ResponseData: respData}

	case isConnMgr && req.Service == cip.SvcForwardClose:
		fcReq, err := cip.ParseForwardCloseRequest(req.RequestData)
		if err != nil {
			debugLog("forward close: %v", err)
			return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusInvalidParameterValue}
		}
		respData, status := s.Conns.HandleForwardClose(fcReq)
		return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: status, ResponseData: respData}

	default:
		return s.dispatch(req)
	}
}

// dispatch runs a Message Router request that is not a Connection Manager
// service: a symbolically-addressed Read/Write Tag [Fragmented] resolves
// against Symbols, everything else falls through to the ordinary
// class/instance Router dispatch.
func (s *ConnectedSession) dispatch(req cip.MessageRouterRequest) cip.MessageRouterResponse {
	if resp, handled := s.dispatchTagService(req); handled {
		return resp
	}
	return s.Router.Dispatch(req)
}

// dispatchTagService answers Read Tag, Read Tag Fragmented, Write Tag, and
// Write Tag Fragmented requests whose path names a tag by symbolic segment
// (the form a Logix Read/Write Tag always uses) rather than by explicit
// class/instance/attribute, resolving the symbol through Symbols.
func (s *ConnectedSession) dispatchTagService(req cip.MessageRouterRequest) (cip.MessageRouterResponse, bool) {
	switch req.Service {
	case SvcReadTag, SvcReadTagFragmented, SvcWriteTag, SvcWriteTagFragmented:
	default:
		return cip.MessageRouterResponse{}, false
	}

	path, _, err := cip.ParseEPath(req.RequestPath)
	if err != nil || path.Symbol == "" {
		return cip.MessageRouterResponse{}, false
	}

	if s.Symbols == nil {
		return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusPathDestinationUnknown}, true
	}
	attr, _, err := s.Symbols.ResolveAttribute(s.Router.Objects, path.Symbol)
	if err != nil {
		debugLog("tag service: %v", err)
		return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusPathDestinationUnknown}, true
	}

	switch req.Service {
	case SvcReadTag, SvcReadTagFragmented:
		rtReq, err := ParseReadTagRequest(req.RequestData, req.Service == SvcReadTagFragmented)
		if err != nil {
			return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusInvalidParameterValue}, true
		}
		data, status := ReadTag(attr, rtReq, DefaultMaxFragmentPayload)
		return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: status, ResponseData: data}, true

	default: // SvcWriteTag, SvcWriteTagFragmented
		wtReq, err := ParseWriteTagRequest(req.RequestData, req.Service == SvcWriteTagFragmented)
		if err != nil {
			return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: cip.StatusInvalidParameterValue}, true
		}
		status := WriteTag(attr, wtReq)
		return cip.MessageRouterResponse{Service: req.Service, GeneralStatus: status}, true
	}
}

// HandleConnectedData dispatches one Class-1/3 connected message (already
// stripped of its Sequenced Address Item) addressed to otConnID: it
// unwraps the per-message sequence number, rejects sequence regression,
// and runs the enclosed CIP request through the Router against the path
// the connection was opened against.
func (s *ConnectedSession) HandleConnectedData(otConnID uint32, raw []byte) ([]byte, error) {
	conn, ok := s.Conns.Lookup(otConnID)
	if !ok {
		return nil, fmt.Errorf("connected data: unknown connection 0x%08X", otConnID)
	}
	seq, payload, err := cip.UnwrapConnected(raw)
	if err != nil {
		return nil, err
	}
	if !conn.AcceptSequence(seq) {
		debugLog("connected data: rejecting non-increasing sequence %d on connection 0x%08X", seq, otConnID)
		return nil, fmt.Errorf("connected data: sequence %d is not greater than the last accepted sequence", seq)
	}

	req, err := cip.ParseMessageRouterRequest(payload)
	if err != nil {
		return nil, err
	}
	// A request path that names no class or symbol of its own is run
	// against the connection's bound class/instance (8-bit class IDs).
	if p, _, perr := cip.ParseEPath(req.RequestPath); perr == nil && !p.ClassSet && p.Symbol == "" && conn.Path.ClassSet && conn.Path.Class <= 0xFF {
		if prefix, berr := cip.EPath().Class(byte(conn.Path.Class)).Instance32(conn.Path.Instance).Build(); berr == nil {
			req.RequestPath = append(prefix, req.RequestPath...)
		}
	}
	resp := s.dispatch(req)
	return conn.WrapConnected(cip.EncodeMessageRouterResponse(resp)), nil
}

// ParseSequencedAddressItem decodes a CPF Sequenced Address Item's data
// (connection ID + rolling sequence number), the address item a
// SendUnitData frame's Class-1/3 payload is keyed by.
func ParseSequencedAddressItem(data []byte) (connID uint32, seq uint32, err error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("sequenced address item too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), binary.LittleEndian.Uint32(data[4:8]), nil
}
