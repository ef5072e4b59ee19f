package cip

import (
	"fmt"

	"ciptargetd/automaton"
	"ciptargetd/hd"
)

// messageRouterFrame is the automaton leaf that decodes a CIP Message
// Router request buffer: service byte, word-length-prefixed request path,
// then request data — the framing every unconnected SendRRData request and
// every connected Class-1/3 message shares (CIP vol 1 section 2-4.1). This
// is the parsing half of the pipeline the session and connected-messaging
// layers feed into the Object dispatcher.
type messageRouterFrame struct{ automaton.Base }

// MessageRouterState is the automaton.Run start state ParseMessageRouterRequest
// drives. Like the eip package's frame states, it holds no per-call state of
// its own; all progress lives in the caller's hd.Dict.
var MessageRouterState automaton.State = newMessageRouterFrame()

func newMessageRouterFrame() *messageRouterFrame {
	s := &messageRouterFrame{}
	s.NameStr, s.Ctx = "cip_message_router_request", ""
	s.Terminal_ = true
	return s
}

func (m *messageRouterFrame) Process(src automaton.Source, d *hd.Dict, path string) (automaton.Step, error) {
	existing, _ := d.Get(path + ".prefix_raw")
	prefix, _ := existing.([]byte)
	for len(prefix) < 2 {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".prefix_raw", prefix)
			if src.Closed() {
				return automaton.StepFailed, fmt.Errorf("cip_message_router_request: request too short")
			}
			return automaton.StepSuspended, nil
		}
		prefix = append(prefix, b)
	}
	d.Set(path+".prefix_raw", prefix)
	pathWords := int(prefix[1])
	if _, ok := d.Get(path + ".service"); !ok {
		d.Set(path+".service", prefix[0])
		d.Set(path+".path_word_len", prefix[1])
	}

	pathLen := pathWords * 2
	pathV, _ := d.Get(path + ".path_raw")
	pbuf, _ := pathV.([]byte)
	for len(pbuf) < pathLen {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".path_raw", pbuf)
			if src.Closed() {
				return automaton.StepFailed, fmt.Errorf("cip_message_router_request: request path truncated")
			}
			return automaton.StepSuspended, nil
		}
		pbuf = append(pbuf, b)
	}
	d.Set(path+".path_raw", pbuf)

	dataV, _ := d.Get(path + ".data")
	data, _ := dataV.([]byte)
	for {
		b, ok := src.Take()
		if !ok {
			break
		}
		data = append(data, b)
	}
	d.Set(path+".data", data)
	if !src.Closed() {
		// Request data has no length of its own — it runs to the end of
		// whatever buffer the caller handed in, which is always already
		// complete and Closed (the CPF/SendRRData framing above already
		// knows this message's exact byte length before handing it here).
		return automaton.StepSuspended, nil
	}
	return automaton.StepDone, nil
}

// ParseMessageRouterRequestFromDict reads the fields MessageRouterState
// wrote at path and builds the MessageRouterRequest the Router and
// ConnectedSession dispatch against — the point where the Object dispatch
// side of the pipeline reads out of the request data dictionary instead of
// a parser return value.
func ParseMessageRouterRequestFromDict(d *hd.Dict, path string) (MessageRouterRequest, error) {
	serviceV, ok := d.Get(path + ".service")
	if !ok {
		return MessageRouterRequest{}, fmt.Errorf("cip_message_router_request: dict at %q has no parsed frame", path)
	}
	pathV, _ := d.Get(path + ".path_raw")
	pathWordLenV, _ := d.Get(path + ".path_word_len")
	dataV, _ := d.Get(path + ".data")
	epath, _ := pathV.([]byte)
	data, _ := dataV.([]byte)
	return MessageRouterRequest{
		Service:         serviceV.(byte),
		RequestPathSize: pathWordLenV.(byte),
		RequestPath:     EPath_t(epath),
		RequestData:     data,
	}, nil
}
