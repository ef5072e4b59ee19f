package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ciptargetd/cip"
	"ciptargetd/logix"
)

// SimulatorConfig holds the CIP object/attribute table a target starts up
// with: one entry per class/instance, each with its attributes' type,
// initial value(s), and optional tag name registered into the Symbol Table.
type SimulatorConfig struct {
	Objects []SimulatorObjectConfig `yaml:"objects"`
}

// SimulatorObjectConfig describes one CIP Object instance and the attribute
// lines that define it, each using the
// `name[@address] = TYPE[len] [ = v,v,…]` grammar.
type SimulatorObjectConfig struct {
	Class      byte     `yaml:"class"`
	Instance   uint32   `yaml:"instance"`
	Attributes []string `yaml:"attributes"`
}

// ParsedAttributes parses every attribute line on this object, surfacing
// the first malformed line as an error.
func (o SimulatorObjectConfig) ParsedAttributes() ([]AttributeDefine, error) {
	out := make([]AttributeDefine, 0, len(o.Attributes))
	for _, line := range o.Attributes {
		ad, err := ParseAttributeDefine(line)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", line, err)
		}
		out = append(out, ad)
	}
	return out, nil
}

// AttributeDefine is one parsed `name[@address] = TYPE[len] [ = v,v,…]`
// configuration line.
type AttributeDefine struct {
	Name      string
	Attribute byte
	Type      cip.TagType
	Elements  int // array length for fixed-width types; always 1 for STRING/SSTRING
	MaxLength int // bracketed length for STRING/SSTRING; 0 if unspecified
	Values    []any
}

var (
	nameAddrRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:@(\d+))?$`)
	typeLenRe  = regexp.MustCompile(`^([A-Za-z]+)(?:\[(\d+)\])?$`)
)

// ParseAttributeDefine decodes one configuration-file attribute line:
//
//	Name[@address] = TYPE[len]
//	Name[@address] = TYPE[len] = v1,v2,…
//
// The address, when present, becomes the attribute ID within the owning
// object; when absent, callers assign attribute IDs by declaration order.
func ParseAttributeDefine(line string) (AttributeDefine, error) {
	parts := strings.SplitN(line, "=", 3)
	if len(parts) < 2 {
		return AttributeDefine{}, fmt.Errorf("expected NAME[@addr] = TYPE[len] [ = v,v,...]")
	}

	left := strings.TrimSpace(parts[0])
	m := nameAddrRe.FindStringSubmatch(left)
	if m == nil {
		return AttributeDefine{}, fmt.Errorf("invalid name/address %q", left)
	}
	ad := AttributeDefine{Name: m[1], Elements: 1}
	if m[2] != "" {
		addr, err := strconv.ParseUint(m[2], 10, 8)
		if err != nil {
			return AttributeDefine{}, fmt.Errorf("invalid attribute address %q: %w", m[2], err)
		}
		ad.Attribute = byte(addr)
	}

	typePart := strings.TrimSpace(parts[1])
	tm := typeLenRe.FindStringSubmatch(typePart)
	if tm == nil {
		return AttributeDefine{}, fmt.Errorf("invalid type %q", typePart)
	}
	typ, err := cip.ParseTagType(tm[1])
	if err != nil {
		return AttributeDefine{}, err
	}
	ad.Type = typ
	if tm[2] != "" {
		n, err := strconv.Atoi(tm[2])
		if err != nil || n < 1 {
			return AttributeDefine{}, fmt.Errorf("invalid length %q", tm[2])
		}
		if typ == cip.TypeSTRING || typ == cip.TypeSSTRING {
			ad.MaxLength = n
		} else {
			ad.Elements = n
		}
	}

	if len(parts) == 3 {
		valuePart := strings.TrimSpace(parts[2])
		if valuePart != "" {
			for _, raw := range strings.Split(valuePart, ",") {
				v, err := parseValue(typ, strings.TrimSpace(raw))
				if err != nil {
					return AttributeDefine{}, fmt.Errorf("invalid value %q for %s: %w", raw, typ, err)
				}
				ad.Values = append(ad.Values, v)
			}
			if ad.Elements == 1 && len(ad.Values) > 1 {
				ad.Elements = len(ad.Values)
			}
		}
	}

	return ad, nil
}

func parseValue(t cip.TagType, s string) (any, error) {
	switch t {
	case cip.TypeBOOL:
		switch s {
		case "1", "true", "TRUE", "True":
			return true, nil
		case "0", "false", "FALSE", "False":
			return false, nil
		default:
			return nil, fmt.Errorf("not a bool")
		}
	case cip.TypeSINT:
		n, err := strconv.ParseInt(s, 10, 8)
		return int8(n), err
	case cip.TypeINT:
		n, err := strconv.ParseInt(s, 10, 16)
		return int16(n), err
	case cip.TypeDINT:
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	case cip.TypeUSINT:
		n, err := strconv.ParseUint(s, 10, 8)
		return uint8(n), err
	case cip.TypeUINT:
		n, err := strconv.ParseUint(s, 10, 16)
		return uint16(n), err
	case cip.TypeUDINT:
		n, err := strconv.ParseUint(s, 10, 32)
		return uint32(n), err
	case cip.TypeREAL:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case cip.TypeLREAL:
		return strconv.ParseFloat(s, 64)
	case cip.TypeSTRING, cip.TypeSSTRING:
		return s, nil
	default:
		return nil, fmt.Errorf("type %s has no literal value syntax", t)
	}
}

// zeroValue returns the Go zero value matching t's decoded representation,
// used to seed an attribute that has no explicit initial value in config.
func zeroValue(t cip.TagType) any {
	switch t {
	case cip.TypeBOOL:
		return false
	case cip.TypeSINT:
		return int8(0)
	case cip.TypeINT:
		return int16(0)
	case cip.TypeDINT:
		return int32(0)
	case cip.TypeUSINT:
		return uint8(0)
	case cip.TypeUINT:
		return uint16(0)
	case cip.TypeUDINT:
		return uint32(0)
	case cip.TypeREAL:
		return float32(0)
	case cip.TypeLREAL:
		return float64(0)
	case cip.TypeSTRING, cip.TypeSSTRING:
		return ""
	default:
		return nil
	}
}

// BuildRegistry materializes this SimulatorConfig into a live cip.Registry
// and logix.SymbolTable, the object/attribute population step
// cmd/ciptargetd's startup runs between loading config and starting the
// server.
func (s SimulatorConfig) BuildRegistry() (*cip.Registry, *logix.SymbolTable, error) {
	reg := cip.NewRegistry()
	symbols := logix.NewSymbolTable()

	for _, objCfg := range s.Objects {
		defines, err := objCfg.ParsedAttributes()
		if err != nil {
			return nil, nil, err
		}
		obj := cip.NewObject(uint32(objCfg.Class), objCfg.Instance)
		nextAttr := byte(1)
		for _, ad := range defines {
			id := ad.Attribute
			if id == 0 {
				id = nextAttr
			}
			nextAttr = id + 1

			defaultValue := zeroValue(ad.Type)
			if len(ad.Values) > 0 {
				defaultValue = ad.Values[0]
			}
			attr := cip.NewAttribute(id, ad.Type, ad.Elements, cip.AccessGetSet, defaultValue)
			if len(ad.Values) > 1 {
				vals := make([]any, ad.Elements)
				for i := range vals {
					if i < len(ad.Values) {
						vals[i] = ad.Values[i]
					} else {
						vals[i] = defaultValue
					}
				}
				attr.SetRange(uint32(objCfg.Class), objCfg.Instance, 0, vals)
			}
			obj.SetAttribute(attr)

			if ad.Name != "" {
				symbols.Define(logix.TagEntry{
					Name:      ad.Name,
					ClassID:   uint32(objCfg.Class),
					Instance:  objCfg.Instance,
					Attribute: id,
					TypeCode:  uint16(ad.Type),
				})
			}
		}
		reg.Add(obj)
	}

	return reg, symbols, nil
}
