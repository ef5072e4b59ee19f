package cip

import (
	"fmt"

	"ciptargetd/automaton"
	"ciptargetd/hd"
)

// MessageRouterClassID identifies the Message Router object itself
// (class 0x02, instance 1), the implicit destination of an unconnected
// SendRRData request whose path did not name some other class.
const MessageRouterClassID uint32 = 0x02

// ParseMessageRouterRequest decodes a CIP request buffer — service byte,
// word-length-prefixed request path, then request data — by driving
// MessageRouterState over a one-shot Source and reading the resulting
// request data dictionary back into a MessageRouterRequest.
func ParseMessageRouterRequest(buf []byte) (MessageRouterRequest, error) {
	src := automaton.NewByteSource(buf)
	src.Close()
	d := hd.New()
	outcome, err := automaton.Run(src, d, "mr", MessageRouterState)
	if err != nil {
		return MessageRouterRequest{}, err
	}
	if outcome != automaton.Terminal {
		return MessageRouterRequest{}, fmt.Errorf("message router: incomplete request")
	}
	return ParseMessageRouterRequestFromDict(d, "mr")
}

// EncodeMessageRouterResponse serializes a reply in the wire layout a CIP
// originator expects back: reply service, reserved byte, general status,
// extended-status word count, extended status, response data.
func EncodeMessageRouterResponse(r MessageRouterResponse) []byte {
	extWords := len(r.AdditionalStatus) / 2
	out := make([]byte, 0, 4+len(r.AdditionalStatus)+len(r.ResponseData))
	out = append(out, r.Service|0x80, 0x00, r.GeneralStatus, byte(extWords))
	out = append(out, r.AdditionalStatus...)
	out = append(out, r.ResponseData...)
	return out
}

// Router dispatches an incoming CIP request to either a single Object (via
// Registry) or, for service 0x0A, to each sub-request of a Multiple Service
// Packet in turn. It is the object every session-level SendRRData/
// SendUnitData handler calls into once it has an unconnected or connected
// CIP message ready to execute.
type Router struct {
	Objects *Registry
}

func NewRouter(objects *Registry) *Router {
	return &Router{Objects: objects}
}

// Dispatch executes one Message Router request and returns the response
// body ready to be wrapped in encapsulation/CPF framing by the caller.
func (rt *Router) Dispatch(req MessageRouterRequest) MessageRouterResponse {
	path, _, err := ParseEPath(req.RequestPath)
	if err != nil {
		return MessageRouterResponse{Service: req.Service, GeneralStatus: StatusPathSegmentError}
	}

	if req.Service == SvcMultipleServicePacket {
		return rt.dispatchMultiple(req, path)
	}

	data, status, extra := rt.Objects.Request(req.Service, path, req)
	return MessageRouterResponse{
		Service:          req.Service,
		GeneralStatus:    status,
		AdditionalStatus: extraBytes(extra),
		ResponseData:     data,
	}
}

func (rt *Router) dispatchMultiple(req MessageRouterRequest, _ ParsedPath) MessageRouterResponse {
	subReqs, err := ParseMultipleServiceRequest(req.RequestData)
	if err != nil {
		return MessageRouterResponse{Service: req.Service, GeneralStatus: StatusInvalidParameterValue}
	}
	replies := make([]MessageRouterResponse, len(subReqs))
	for i, sub := range subReqs {
		replies[i] = rt.Dispatch(sub)
	}
	return MessageRouterResponse{
		Service:       req.Service,
		GeneralStatus: StatusSuccess,
		ResponseData:  BuildMultipleServiceResponse(replies),
	}
}

func extraBytes(words []uint16) []byte {
	if len(words) == 0 {
		return nil
	}
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = append(out, byte(w), byte(w>>8))
	}
	return out
}
