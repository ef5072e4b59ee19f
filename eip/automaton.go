package eip

import (
	"encoding/binary"
	"fmt"

	"ciptargetd/automaton"
	"ciptargetd/hd"
)

// dictKey concatenates a parent HD path and a field name, honoring an empty
// parent (the top-level frame of a message).
func dictKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// encapFrame is the automaton leaf that decodes one EtherNet/IP
// encapsulation message: the 24-byte header (command, length, session
// handle, status, sender context, options) followed by its declared-length
// command data (CIP vol 2 section 2-3.1/2-3.2). This is the framing half of
// the pipeline the system overview describes — it fills in the request
// data dictionary the session loop and dispatchEncap read, rather than a
// hand-decoded struct.
type encapFrame struct{ automaton.Base }

// EncapState is the automaton.Run start state every connection's Source is
// driven against. It holds no per-connection state of its own — all parse
// progress lives in the caller's hd.Dict — so one instance is shared and
// reused across connections and goroutines.
var EncapState automaton.State = newEncapFrame()

func newEncapFrame() *encapFrame {
	s := &encapFrame{}
	s.NameStr, s.Ctx = "eip_encap", ""
	s.Terminal_ = true
	return s
}

const encapHeaderLen = 24

func (e *encapFrame) Process(src automaton.Source, d *hd.Dict, path string) (automaton.Step, error) {
	existing, _ := d.Get(path + ".header_raw")
	hdr, _ := existing.([]byte)
	for len(hdr) < encapHeaderLen {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".header_raw", hdr)
			if src.Closed() {
				return automaton.StepFailed, fmt.Errorf("eip_encap: truncated header: have %d, want %d", len(hdr), encapHeaderLen)
			}
			return automaton.StepSuspended, nil
		}
		hdr = append(hdr, b)
	}
	d.Set(path+".header_raw", hdr)

	length := binary.LittleEndian.Uint16(hdr[2:4])
	if _, ok := d.Get(path + ".command"); !ok {
		d.Set(path+".command", binary.LittleEndian.Uint16(hdr[0:2]))
		d.Set(path+".length", length)
		d.Set(path+".session_handle", binary.LittleEndian.Uint32(hdr[4:8]))
		d.Set(path+".status", binary.LittleEndian.Uint32(hdr[8:12]))
		d.Set(path+".context", append([]byte{}, hdr[12:20]...))
		d.Set(path+".options", binary.LittleEndian.Uint32(hdr[20:24]))
	}

	existingData, _ := d.Get(path + ".data")
	data, _ := existingData.([]byte)
	for len(data) < int(length) {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".data", data)
			if src.Closed() {
				return automaton.StepFailed, fmt.Errorf("eip_encap: truncated body: have %d, want %d", len(data), length)
			}
			return automaton.StepSuspended, nil
		}
		data = append(data, b)
	}
	d.Set(path+".data", data)
	return automaton.StepDone, nil
}

// EncapFromDict reads the fields EncapState wrote at path and builds the
// EipEncap the rest of the package already knows how to dispatch and reply
// with — the point where the object dispatch side of the pipeline reads out
// of the request data dictionary instead of a parser return value.
func EncapFromDict(d *hd.Dict, path string) (*EipEncap, error) {
	cmdV, ok := d.Get(dictKey(path, "command"))
	if !ok {
		return nil, fmt.Errorf("eip_encap: dict at %q has no parsed frame", path)
	}
	sessV, _ := d.Get(dictKey(path, "session_handle"))
	statusV, _ := d.Get(dictKey(path, "status"))
	ctxV, _ := d.Get(dictKey(path, "context"))
	dataV, _ := d.Get(dictKey(path, "data"))

	m := &EipEncap{
		command:       cmdV.(uint16),
		sessionHandle: sessV.(uint32),
		status:        statusV.(uint32),
	}
	if ctxBytes, ok := ctxV.([]byte); ok {
		copy(m.context[:], ctxBytes)
	}
	if data, ok := dataV.([]byte); ok {
		m.data = data
		m.length = uint16(len(data))
	}
	return m, nil
}

// commandDataPrefixFrame decodes the interface-handle/timeout prefix an
// EtherNet/IP command-data payload carries ahead of its CommonPacketFormat
// item list (CIP vol 2 section 2-4.2), draining everything after the prefix
// into .packet for CPFItemsState to parse in its own pass.
type commandDataPrefixFrame struct{ automaton.Base }

var CommandDataPrefixState automaton.State = newCommandDataPrefixFrame()

func newCommandDataPrefixFrame() *commandDataPrefixFrame {
	s := &commandDataPrefixFrame{}
	s.NameStr, s.Ctx = "eip_command_data", ""
	s.Terminal_ = true
	return s
}

func (c *commandDataPrefixFrame) Process(src automaton.Source, d *hd.Dict, path string) (automaton.Step, error) {
	existing, _ := d.Get(path + ".prefix_raw")
	prefix, _ := existing.([]byte)
	for len(prefix) < 6 {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".prefix_raw", prefix)
			if src.Closed() {
				return automaton.StepFailed, fmt.Errorf("eip_command_data: truncated prefix")
			}
			return automaton.StepSuspended, nil
		}
		prefix = append(prefix, b)
	}
	d.Set(path+".prefix_raw", prefix)
	if _, ok := d.Get(path + ".interface_handle"); !ok {
		d.Set(path+".interface_handle", binary.LittleEndian.Uint32(prefix[0:4]))
		d.Set(path+".timeout", binary.LittleEndian.Uint16(prefix[4:6]))
	}

	pktV, _ := d.Get(path + ".packet")
	packet, _ := pktV.([]byte)
	for {
		b, ok := src.Take()
		if !ok {
			break
		}
		packet = append(packet, b)
	}
	d.Set(path+".packet", packet)
	if !src.Closed() {
		// Unlike the header+length-delimited frames above, a command-data
		// payload carries no outer length of its own; the caller always
		// hands this state a buffer it already knows is complete and Closed.
		return automaton.StepSuspended, nil
	}
	return automaton.StepDone, nil
}

// cpfItemsFrame decodes a CommonPacketFormat item count followed by that
// many type/length/data items (CIP vol 2 section 2-6), the list format
// both ListIdentity/ListServices replies and SendRRData/SendUnitData
// payloads share.
type cpfItemsFrame struct{ automaton.Base }

var CPFItemsState automaton.State = newCPFItemsFrame()

func newCPFItemsFrame() *cpfItemsFrame {
	s := &cpfItemsFrame{}
	s.NameStr, s.Ctx = "cpf_items", ""
	s.Terminal_ = true
	return s
}

func (c *cpfItemsFrame) Process(src automaton.Source, d *hd.Dict, path string) (automaton.Step, error) {
	countV, haveCount := d.Get(path + ".item_count")
	var count int
	if !haveCount {
		cntV, _ := d.Get(path + ".count_raw")
		cbuf, _ := cntV.([]byte)
		for len(cbuf) < 2 {
			b, ok := src.Take()
			if !ok {
				d.Set(path+".count_raw", cbuf)
				if src.Closed() {
					return automaton.StepFailed, fmt.Errorf("cpf_items: truncated item count")
				}
				return automaton.StepSuspended, nil
			}
			cbuf = append(cbuf, b)
		}
		count = int(binary.LittleEndian.Uint16(cbuf))
		d.Set(path+".item_count", uint16(count))
	} else {
		count = int(countV.(uint16))
	}

	doneV, _ := d.Get(path + ".items_done")
	done, _ := doneV.(int)
	for done < count {
		itemPath := fmt.Sprintf("%s.items[%d]", path, done)
		hdrV, _ := d.Get(itemPath + ".hdr_raw")
		hdr, _ := hdrV.([]byte)
		for len(hdr) < 4 {
			b, ok := src.Take()
			if !ok {
				d.Set(itemPath+".hdr_raw", hdr)
				if src.Closed() {
					return automaton.StepFailed, fmt.Errorf("cpf_items: truncated item %d header", done)
				}
				return automaton.StepSuspended, nil
			}
			hdr = append(hdr, b)
		}
		d.Set(itemPath+".hdr_raw", hdr)
		typeID := binary.LittleEndian.Uint16(hdr[0:2])
		length := binary.LittleEndian.Uint16(hdr[2:4])
		if _, ok := d.Get(itemPath + ".type_id"); !ok {
			d.Set(itemPath+".type_id", typeID)
			d.Set(itemPath+".length", length)
		}

		dataV, _ := d.Get(itemPath + ".data")
		idata, _ := dataV.([]byte)
		for len(idata) < int(length) {
			b, ok := src.Take()
			if !ok {
				d.Set(itemPath+".data", idata)
				if src.Closed() {
					return automaton.StepFailed, fmt.Errorf("cpf_items: truncated item %d data", done)
				}
				return automaton.StepSuspended, nil
			}
			idata = append(idata, b)
		}
		d.Set(itemPath+".data", idata)
		done++
		d.Set(path+".items_done", done)
	}
	return automaton.StepDone, nil
}

// CPFItemsFromDict reads the fields CPFItemsState wrote at path and
// rebuilds the EipCommonPacket the session layer already knows how to
// search by item type.
func CPFItemsFromDict(d *hd.Dict, path string) (*EipCommonPacket, error) {
	countV, ok := d.Get(dictKey(path, "item_count"))
	if !ok {
		return nil, fmt.Errorf("cpf_items: dict at %q has no parsed frame", path)
	}
	count := int(countV.(uint16))
	items := make([]EipCommonPacketItem, 0, count)
	for i := 0; i < count; i++ {
		itemPath := fmt.Sprintf("%s.items[%d]", path, i)
		typeV, _ := d.Get(dictKey(itemPath, "type_id"))
		lenV, _ := d.Get(dictKey(itemPath, "length"))
		dataV, _ := d.Get(dictKey(itemPath, "data"))
		data, _ := dataV.([]byte)
		items = append(items, EipCommonPacketItem{TypeId: typeV.(uint16), Length: lenV.(uint16), Data: data})
	}
	return &EipCommonPacket{Items: items}, nil
}
