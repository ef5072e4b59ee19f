package automaton

import (
	"encoding/binary"
	"fmt"

	"ciptargetd/hd"
)

// Octets accumulates Repeat raw bytes into d[contextPath].input. Resumable:
// on re-entry it picks up from however many bytes are already buffered.
type Octets struct {
	Base
	Repeat int
}

// NewOctets builds a leaf state that reads exactly n raw bytes.
func NewOctets(name, context string, n int) *Octets {
	o := &Octets{Repeat: n}
	o.NameStr, o.Ctx = name, context
	return o
}

func (o *Octets) Process(src Source, d *hd.Dict, path string) (Step, error) {
	existing, _ := d.Get(path + ".input")
	buf, _ := existing.([]byte)
	for len(buf) < o.Repeat {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".input", buf)
			if src.Closed() {
				return StepFailed, fmt.Errorf("octets(%s): need %d bytes, got %d before input closed", o.NameStr, o.Repeat, len(buf))
			}
			return StepSuspended, nil
		}
		buf = append(buf, b)
	}
	d.Set(path+".input", buf)
	return StepDone, nil
}

// Words accumulates Repeat 16-bit words (default little-endian) into
// d[contextPath].input as a []uint16.
type Words struct {
	Base
	Repeat        int
	BigEndian     bool
	partialHiByte bool
}

func NewWords(name, context string, n int, bigEndian bool) *Words {
	w := &Words{Repeat: n, BigEndian: bigEndian}
	w.NameStr, w.Ctx = name, context
	return w
}

func (w *Words) Process(src Source, d *hd.Dict, path string) (Step, error) {
	existing, _ := d.Get(path + ".input")
	words, _ := existing.([]uint16)
	existingByte, _ := d.Get(path + ".pending_byte")
	var pending []byte
	if pb, ok := existingByte.([]byte); ok {
		pending = pb
	}
	for len(words) < w.Repeat {
		for len(pending) < 2 {
			b, ok := src.Take()
			if !ok {
				d.Set(path+".input", words)
				d.Set(path+".pending_byte", pending)
				if src.Closed() {
					return StepFailed, fmt.Errorf("words(%s): truncated input", w.NameStr)
				}
				return StepSuspended, nil
			}
			pending = append(pending, b)
		}
		var word uint16
		if w.BigEndian {
			word = binary.BigEndian.Uint16(pending)
		} else {
			word = binary.LittleEndian.Uint16(pending)
		}
		words = append(words, word)
		pending = nil
	}
	d.Set(path+".input", words)
	d.Delete(path + ".pending_byte")
	return StepDone, nil
}

// FieldKind selects the decode for one Struct field.
type FieldKind int

const (
	FieldU8 FieldKind = iota
	FieldU16
	FieldU32
	FieldU64
	FieldI8
	FieldI16
	FieldI32
	FieldI64
	FieldF32
	FieldF64
)

// StructField names one element of a fixed-layout tuple.
type StructField struct {
	Name string
	Kind FieldKind
}

func (k FieldKind) size() int {
	switch k {
	case FieldU8, FieldI8:
		return 1
	case FieldU16, FieldI16:
		return 2
	case FieldU32, FieldI32, FieldF32:
		return 4
	case FieldU64, FieldI64, FieldF64:
		return 8
	}
	return 0
}

// Struct reads a fixed-layout tuple of integer/float fields, little-endian,
// writing each field to d[contextPath].<fieldname>.
type Struct struct {
	Base
	Fields []StructField
}

func NewStruct(name, context string, fields []StructField) *Struct {
	s := &Struct{Fields: fields}
	s.NameStr, s.Ctx = name, context
	return s
}

func (s *Struct) totalLen() int {
	n := 0
	for _, f := range s.Fields {
		n += f.Kind.size()
	}
	return n
}

func (s *Struct) Process(src Source, d *hd.Dict, path string) (Step, error) {
	need := s.totalLen()
	existing, _ := d.Get(path + ".raw")
	buf, _ := existing.([]byte)
	for len(buf) < need {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".raw", buf)
			if src.Closed() {
				return StepFailed, fmt.Errorf("struct(%s): truncated input", s.NameStr)
			}
			return StepSuspended, nil
		}
		buf = append(buf, b)
	}
	off := 0
	for _, f := range s.Fields {
		n := f.Kind.size()
		field := buf[off : off+n]
		off += n
		var v any
		switch f.Kind {
		case FieldU8:
			v = field[0]
		case FieldU16:
			v = binary.LittleEndian.Uint16(field)
		case FieldU32:
			v = binary.LittleEndian.Uint32(field)
		case FieldU64:
			v = binary.LittleEndian.Uint64(field)
		case FieldI8:
			v = int8(field[0])
		case FieldI16:
			v = int16(binary.LittleEndian.Uint16(field))
		case FieldI32:
			v = int32(binary.LittleEndian.Uint32(field))
		case FieldI64:
			v = int64(binary.LittleEndian.Uint64(field))
		case FieldF32:
			v = binary.LittleEndian.Uint32(field) // raw IEEE 754 bits, not converted to float32
		case FieldF64:
			v = binary.LittleEndian.Uint64(field)
		}
		d.Set(path+"."+f.Name, v)
	}
	return StepDone, nil
}

// IntegerBytes reads ASCII decimal digits terminated by a non-digit
// sentinel (which is NOT consumed, so the caller's transition logic sees
// it), storing the accumulated integer at d[contextPath].value.
type IntegerBytes struct {
	Base
}

func NewIntegerBytes(name, context string) *IntegerBytes {
	s := &IntegerBytes{}
	s.NameStr, s.Ctx = name, context
	return s
}

func (s *IntegerBytes) Process(src Source, d *hd.Dict, path string) (Step, error) {
	existing, _ := d.Get(path + ".value")
	value, _ := existing.(int)
	for {
		b, ok := src.Peek()
		if !ok {
			if src.Closed() {
				d.Set(path+".value", value)
				return StepDone, nil // end of input counts as the sentinel
			}
			return StepSuspended, nil
		}
		if b < '0' || b > '9' {
			d.Set(path+".value", value)
			return StepDone, nil
		}
		src.Take()
		value = value*10 + int(b-'0')
	}
}

// SSTRING reads a 1-byte length followed by that many UTF-8 bytes, writing
// the decoded string to d[contextPath].value.
type SSTRING struct {
	Base
}

func NewSSTRING(name, context string) *SSTRING {
	s := &SSTRING{}
	s.NameStr, s.Ctx = name, context
	return s
}

func (s *SSTRING) Process(src Source, d *hd.Dict, path string) (Step, error) {
	lenV, lenOK := d.Get(path + ".length")
	length, _ := lenV.(int)
	if !lenOK {
		b, ok := src.Take()
		if !ok {
			if src.Closed() {
				return StepFailed, fmt.Errorf("SSTRING(%s): missing length byte", s.NameStr)
			}
			return StepSuspended, nil
		}
		length = int(b)
		d.Set(path+".length", length)
	}
	existing, _ := d.Get(path + ".raw")
	buf, _ := existing.([]byte)
	for len(buf) < length {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".raw", buf)
			if src.Closed() {
				return StepFailed, fmt.Errorf("SSTRING(%s): truncated body", s.NameStr)
			}
			return StepSuspended, nil
		}
		buf = append(buf, b)
	}
	d.Set(path+".value", string(buf))
	return StepDone, nil
}

// TypedDataDecoder decodes exactly one CIP primitive element from buf,
// returning the element's Go value and its encoded width in bytes.
type TypedDataDecoder func(buf []byte) (value any, width int, err error)

// TypedData repeatedly decodes a CIP primitive until ByteLen bytes have
// been consumed, writing the decoded elements to d[contextPath].elements.
// This is how array read/write is expressed when the element count is
// only known from a byte-length field (see cip/primitive.go for the CIP
// primitive decoders plugged in here).
type TypedData struct {
	Base
	ByteLen int
	Decode  TypedDataDecoder
}

func NewTypedData(name, context string, byteLen int, decode TypedDataDecoder) *TypedData {
	t := &TypedData{ByteLen: byteLen, Decode: decode}
	t.NameStr, t.Ctx = name, context
	return t
}

func (t *TypedData) Process(src Source, d *hd.Dict, path string) (Step, error) {
	existingRaw, _ := d.Get(path + ".raw")
	buf, _ := existingRaw.([]byte)
	for len(buf) < t.ByteLen {
		b, ok := src.Take()
		if !ok {
			d.Set(path+".raw", buf)
			if src.Closed() {
				return StepFailed, fmt.Errorf("typed_data(%s): truncated input: have %d, want %d", t.NameStr, len(buf), t.ByteLen)
			}
			return StepSuspended, nil
		}
		buf = append(buf, b)
	}
	var elements []any
	off := 0
	for off < t.ByteLen {
		v, width, err := t.Decode(buf[off:])
		if err != nil {
			return StepFailed, fmt.Errorf("typed_data(%s): %w", t.NameStr, err)
		}
		if width <= 0 {
			return StepFailed, fmt.Errorf("typed_data(%s): decoder returned zero width", t.NameStr)
		}
		elements = append(elements, v)
		off += width
	}
	d.Set(path+".elements", elements)
	return StepDone, nil
}

// Drop consumes one symbol and stores nothing.
type Drop struct{ Base }

func NewDrop(name, context string) *Drop {
	s := &Drop{}
	s.NameStr, s.Ctx = name, context
	return s
}

func (s *Drop) Process(src Source, d *hd.Dict, path string) (Step, error) {
	if done, _ := d.Get(path + ".done"); done == true {
		return StepDone, nil
	}
	_, ok := src.Take()
	if !ok {
		if src.Closed() {
			return StepFailed, fmt.Errorf("state_drop(%s): nothing to consume", s.NameStr)
		}
		return StepSuspended, nil
	}
	d.Set(path+".done", true)
	return StepDone, nil
}

// Input consumes one symbol and appends it to d[contextPath].input.
type Input struct{ Base }

func NewInput(name, context string) *Input {
	s := &Input{}
	s.NameStr, s.Ctx = name, context
	return s
}

func (s *Input) Process(src Source, d *hd.Dict, path string) (Step, error) {
	if done, _ := d.Get(path + ".done"); done == true {
		return StepDone, nil
	}
	b, ok := src.Take()
	if !ok {
		if src.Closed() {
			return StepFailed, fmt.Errorf("state_input(%s): nothing to consume", s.NameStr)
		}
		return StepSuspended, nil
	}
	existing, _ := d.Get(path + ".input")
	buf, _ := existing.([]byte)
	buf = append(buf, b)
	d.Set(path+".input", buf)
	d.Set(path+".done", true)
	return StepDone, nil
}
