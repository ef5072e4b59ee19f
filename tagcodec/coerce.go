// Package tagcodec converts between cip.TagType-typed Go values and the
// loosely-typed JSON representation write-back messages arrive in over
// MQTT, Kafka, and Valkey. It has no dependency beyond cip, so the broker
// packages can share one coercion path without importing each other.
package tagcodec

import (
	"fmt"

	"ciptargetd/cip"
)

// Coerce converts v (as decoded by encoding/json into interface{}: float64,
// bool, or string) into the Go representation t's Attribute stores, so a
// write-back payload can be handed straight to cip.Attribute.Set.
func Coerce(t cip.TagType, v any) (any, error) {
	switch t {
	case cip.TypeBOOL:
		switch n := v.(type) {
		case bool:
			return n, nil
		case float64:
			return n != 0, nil
		case string:
			return n == "1" || n == "true" || n == "TRUE" || n == "True", nil
		}
	case cip.TypeSINT:
		if n, ok := asFloat(v); ok {
			return int8(n), nil
		}
	case cip.TypeINT:
		if n, ok := asFloat(v); ok {
			return int16(n), nil
		}
	case cip.TypeDINT:
		if n, ok := asFloat(v); ok {
			return int32(n), nil
		}
	case cip.TypeUSINT:
		if n, ok := asFloat(v); ok {
			return uint8(n), nil
		}
	case cip.TypeUINT:
		if n, ok := asFloat(v); ok {
			return uint16(n), nil
		}
	case cip.TypeUDINT:
		if n, ok := asFloat(v); ok {
			return uint32(n), nil
		}
	case cip.TypeREAL:
		if n, ok := asFloat(v); ok {
			return float32(n), nil
		}
	case cip.TypeLREAL:
		if n, ok := asFloat(v); ok {
			return n, nil
		}
	case cip.TypeSTRING, cip.TypeSSTRING:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("tagcodec: cannot coerce %T value %v to %s", v, v, t)
}

// asFloat extracts a float64 from the handful of shapes a JSON number can
// arrive as after decoding into interface{}.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// JSONValue converts a value already held in a cip.Attribute back into a
// form that marshals cleanly to JSON for publishing (e.g. so an 8-bit
// signed value doesn't print as a surprising escape in a brittle client).
func JSONValue(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
