package tagcodec

import (
	"testing"

	"ciptargetd/cip"
)

func TestCoerceNumericTypes(t *testing.T) {
	tests := []struct {
		typ  cip.TagType
		in   any
		want any
	}{
		{cip.TypeBOOL, true, true},
		{cip.TypeBOOL, float64(1), true},
		{cip.TypeBOOL, float64(0), false},
		{cip.TypeSINT, float64(-12), int8(-12)},
		{cip.TypeINT, float64(1200), int16(1200)},
		{cip.TypeDINT, float64(70000), int32(70000)},
		{cip.TypeUSINT, float64(200), uint8(200)},
		{cip.TypeUINT, float64(40000), uint16(40000)},
		{cip.TypeUDINT, float64(4000000000), uint32(4000000000)},
		{cip.TypeREAL, float64(3.5), float32(3.5)},
		{cip.TypeLREAL, float64(3.14159), float64(3.14159)},
		{cip.TypeSTRING, "hello", "hello"},
		{cip.TypeSSTRING, "hi", "hi"},
	}
	for _, tc := range tests {
		got, err := Coerce(tc.typ, tc.in)
		if err != nil {
			t.Fatalf("Coerce(%s, %v): %v", tc.typ, tc.in, err)
		}
		if got != tc.want {
			t.Errorf("Coerce(%s, %v) = %v (%T), want %v (%T)", tc.typ, tc.in, got, got, tc.want, tc.want)
		}
	}
}

func TestCoerceRejectsMismatchedShape(t *testing.T) {
	if _, err := Coerce(cip.TypeDINT, "not a number"); err == nil {
		t.Error("expected error coercing string into DINT")
	}
	if _, err := Coerce(cip.TypeSTRING, float64(5)); err == nil {
		t.Error("expected error coercing number into STRING")
	}
}

func TestJSONValueWidensSmallIntegers(t *testing.T) {
	if v := JSONValue(int8(-5)); v != int64(-5) {
		t.Errorf("JSONValue(int8(-5)) = %v, want int64(-5)", v)
	}
	if v := JSONValue(uint16(400)); v != uint64(400) {
		t.Errorf("JSONValue(uint16(400)) = %v, want uint64(400)", v)
	}
	if v := JSONValue(float32(1.5)); v != float64(1.5) {
		t.Errorf("JSONValue(float32(1.5)) = %v, want float64(1.5)", v)
	}
	if v := JSONValue("unchanged"); v != "unchanged" {
		t.Errorf("JSONValue passthrough changed value: %v", v)
	}
}
