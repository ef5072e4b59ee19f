package cip

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
)

// TagType identifies one CIP primitive element type an Attribute can hold.
// Values match the CIP/Logix wire type codes so they can be written
// directly into a typed_data tag-type field.
type TagType uint16

const (
	TypeBOOL    TagType = 0x00C1
	TypeSINT    TagType = 0x00C2
	TypeINT     TagType = 0x00C3
	TypeDINT    TagType = 0x00C4
	TypeUSINT   TagType = 0x00C6
	TypeUINT    TagType = 0x00C7
	TypeUDINT   TagType = 0x00C8
	TypeREAL    TagType = 0x00CA
	TypeLREAL   TagType = 0x00CB
	TypeSSTRING TagType = 0x00DA
	TypeSTRING  TagType = 0x00D0
	TypeEPATH   TagType = 0x00DD
	TypeIPADDR  TagType = 0x00F0 // not a standard CIP code; local convention for dotted-quad attrs
)

// ElementSize returns the on-the-wire byte width of one element of a fixed
// width type, or 0 for variable-width types (SSTRING, STRING, EPATH).
func (t TagType) ElementSize() int {
	switch t {
	case TypeBOOL, TypeSINT, TypeUSINT:
		return 1
	case TypeINT, TypeUINT:
		return 2
	case TypeDINT, TypeUDINT, TypeREAL:
		return 4
	case TypeLREAL:
		return 8
	case TypeIPADDR:
		return 4
	default:
		return 0
	}
}

func (t TagType) String() string {
	switch t {
	case TypeBOOL:
		return "BOOL"
	case TypeSINT:
		return "SINT"
	case TypeINT:
		return "INT"
	case TypeDINT:
		return "DINT"
	case TypeUSINT:
		return "USINT"
	case TypeUINT:
		return "UINT"
	case TypeUDINT:
		return "UDINT"
	case TypeREAL:
		return "REAL"
	case TypeLREAL:
		return "LREAL"
	case TypeSSTRING:
		return "SSTRING"
	case TypeSTRING:
		return "STRING"
	case TypeEPATH:
		return "EPATH"
	case TypeIPADDR:
		return "IPADDR"
	default:
		return fmt.Sprintf("TYPE(0x%04X)", uint16(t))
	}
}

// ParseTagType resolves a type name as it appears in configuration and
// command-line tag grammar (e.g. "DINT", "string", "Real") to its TagType,
// case-insensitively.
func ParseTagType(name string) (TagType, error) {
	switch strings.ToUpper(name) {
	case "BOOL":
		return TypeBOOL, nil
	case "SINT":
		return TypeSINT, nil
	case "INT":
		return TypeINT, nil
	case "DINT":
		return TypeDINT, nil
	case "USINT":
		return TypeUSINT, nil
	case "UINT":
		return TypeUINT, nil
	case "UDINT":
		return TypeUDINT, nil
	case "REAL":
		return TypeREAL, nil
	case "LREAL":
		return TypeLREAL, nil
	case "SSTRING":
		return TypeSSTRING, nil
	case "STRING":
		return TypeSTRING, nil
	case "EPATH":
		return TypeEPATH, nil
	case "IPADDR":
		return TypeIPADDR, nil
	default:
		return 0, fmt.Errorf("unknown tag type %q", name)
	}
}

// DecodeElement decodes exactly one element of type t from the head of buf,
// returning the decoded Go value and the number of bytes consumed. The
// method value t.DecodeElement has the automaton.TypedDataDecoder shape,
// so typed_data states can decode arrays whose count is only known from a
// byte length.
func (t TagType) DecodeElement(buf []byte) (value any, width int, err error) {
	switch t {
	case TypeBOOL:
		if len(buf) < 1 {
			return nil, 0, fmt.Errorf("BOOL: truncated")
		}
		return buf[0] != 0, 1, nil
	case TypeSINT:
		if len(buf) < 1 {
			return nil, 0, fmt.Errorf("SINT: truncated")
		}
		return int8(buf[0]), 1, nil
	case TypeUSINT:
		if len(buf) < 1 {
			return nil, 0, fmt.Errorf("USINT: truncated")
		}
		return buf[0], 1, nil
	case TypeINT:
		if len(buf) < 2 {
			return nil, 0, fmt.Errorf("INT: truncated")
		}
		return int16(binary.LittleEndian.Uint16(buf)), 2, nil
	case TypeUINT:
		if len(buf) < 2 {
			return nil, 0, fmt.Errorf("UINT: truncated")
		}
		return binary.LittleEndian.Uint16(buf), 2, nil
	case TypeDINT:
		if len(buf) < 4 {
			return nil, 0, fmt.Errorf("DINT: truncated")
		}
		return int32(binary.LittleEndian.Uint32(buf)), 4, nil
	case TypeUDINT:
		if len(buf) < 4 {
			return nil, 0, fmt.Errorf("UDINT: truncated")
		}
		return binary.LittleEndian.Uint32(buf), 4, nil
	case TypeREAL:
		if len(buf) < 4 {
			return nil, 0, fmt.Errorf("REAL: truncated")
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(buf)), 4, nil
	case TypeLREAL:
		if len(buf) < 8 {
			return nil, 0, fmt.Errorf("LREAL: truncated")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), 8, nil
	case TypeSSTRING:
		if len(buf) < 1 {
			return nil, 0, fmt.Errorf("SSTRING: truncated")
		}
		n := int(buf[0])
		if len(buf) < 1+n {
			return nil, 0, fmt.Errorf("SSTRING: truncated body")
		}
		return string(buf[1 : 1+n]), 1 + n, nil
	case TypeSTRING:
		if len(buf) < 2 {
			return nil, 0, fmt.Errorf("STRING: truncated")
		}
		n := int(binary.LittleEndian.Uint16(buf))
		if len(buf) < 2+n {
			return nil, 0, fmt.Errorf("STRING: truncated body")
		}
		return string(buf[2 : 2+n]), 2 + n, nil
	case TypeEPATH:
		path, n, err := DecodeEPathPrefixed(buf)
		return path, n, err
	case TypeIPADDR:
		if len(buf) < 4 {
			return nil, 0, fmt.Errorf("IPADDR: truncated")
		}
		ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
		return ip, 4, nil
	default:
		return nil, 0, fmt.Errorf("unsupported tag type 0x%04X", uint16(t))
	}
}

// Produce serializes a single Go value of this type back to wire bytes.
// For SSTRING, an explicit length may be supplied (0 means "use the
// string's own length"); if the explicit length exceeds the string's
// encoded length, the remainder is zero-padded.
func (t TagType) Produce(value any, explicitLength int) ([]byte, error) {
	switch t {
	case TypeBOOL:
		b, _ := value.(bool)
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeSINT:
		return []byte{byte(toInt64(value))}, nil
	case TypeUSINT:
		return []byte{byte(toUint64(value))}, nil
	case TypeINT:
		return binary.LittleEndian.AppendUint16(nil, uint16(toInt64(value))), nil
	case TypeUINT:
		return binary.LittleEndian.AppendUint16(nil, uint16(toUint64(value))), nil
	case TypeDINT:
		return binary.LittleEndian.AppendUint32(nil, uint32(toInt64(value))), nil
	case TypeUDINT:
		return binary.LittleEndian.AppendUint32(nil, uint32(toUint64(value))), nil
	case TypeREAL:
		f, _ := toFloat64(value)
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case TypeLREAL:
		f, _ := toFloat64(value)
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case TypeSSTRING:
		s, _ := value.(string)
		length := len(s)
		if explicitLength > 0 {
			length = explicitLength
		}
		out := make([]byte, 0, 1+length)
		out = append(out, byte(len(s)))
		out = append(out, s...)
		for len(out) < 1+length {
			out = append(out, 0)
		}
		return out, nil
	case TypeSTRING:
		s, _ := value.(string)
		length := len(s)
		if explicitLength > 0 {
			length = explicitLength
		}
		out := binary.LittleEndian.AppendUint16(nil, uint16(len(s)))
		out = append(out, s...)
		for len(out) < 2+length {
			out = append(out, 0)
		}
		return out, nil
	case TypeIPADDR:
		ip, _ := value.(net.IP)
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("IPADDR: value is not an IPv4 address")
		}
		return []byte(v4), nil
	default:
		return nil, fmt.Errorf("Produce: unsupported tag type 0x%04X", uint16(t))
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	}
	n, _ := toUint64AsInt(v)
	return n
}

func toUint64AsInt(v any) (int64, bool) {
	u := toUint64(v)
	return int64(u), true
}

func toUint64(v any) uint64 {
	switch t := v.(type) {
	case uint:
		return uint64(t)
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint32:
		return uint64(t)
	case uint64:
		return t
	case int:
		return uint64(t)
	case int8:
		return uint64(t)
	case int16:
		return uint64(t)
	case int32:
		return uint64(t)
	case int64:
		return uint64(t)
	}
	return 0
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return float64(toInt64(v)), true
	}
}
