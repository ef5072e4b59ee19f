package cip

import "testing"

func TestPathBuilderClassInstanceAttribute(t *testing.T) {
	p, err := EPath().Class(0x6B).Instance(1).Attribute(7).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	parsed, n, err := ParseEPath(p)
	if err != nil {
		t.Fatalf("ParseEPath: %v", err)
	}
	if n != len(p) {
		t.Fatalf("consumed %d of %d bytes", n, len(p))
	}
	if !parsed.ClassSet || parsed.Class != 0x6B {
		t.Fatalf("class = %v (set=%v), want 0x6B", parsed.Class, parsed.ClassSet)
	}
	if !parsed.InstanceSet || parsed.Instance != 1 {
		t.Fatalf("instance = %v (set=%v), want 1", parsed.Instance, parsed.InstanceSet)
	}
	if !parsed.AttributeSet || parsed.Attribute != 7 {
		t.Fatalf("attribute = %v (set=%v), want 7", parsed.Attribute, parsed.AttributeSet)
	}
}

func TestPathBuilder16And32BitInstance(t *testing.T) {
	p16, err := EPath().Class(0x6B).Instance16(0x1234).Build()
	if err != nil {
		t.Fatalf("Build 16-bit: %v", err)
	}
	parsed, _, err := ParseEPath(p16)
	if err != nil {
		t.Fatalf("ParseEPath 16-bit: %v", err)
	}
	if parsed.Instance != 0x1234 {
		t.Fatalf("instance = 0x%X, want 0x1234", parsed.Instance)
	}

	p32, err := EPath().Class(0x6B).Instance32(0x00012345).Build()
	if err != nil {
		t.Fatalf("Build 32-bit: %v", err)
	}
	parsed32, _, err := ParseEPath(p32)
	if err != nil {
		t.Fatalf("ParseEPath 32-bit: %v", err)
	}
	if parsed32.Instance != 0x00012345 {
		t.Fatalf("instance = 0x%X, want 0x00012345", parsed32.Instance)
	}
}

func TestSymbolSegmentParse(t *testing.T) {
	p, err := EPath().Symbol("MyTag").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	parsed, n, err := ParseEPath(p)
	if err != nil {
		t.Fatalf("ParseEPath: %v", err)
	}
	if n != len(p) {
		t.Fatalf("consumed %d of %d bytes", n, len(p))
	}
	if parsed.Symbol != "MyTag" {
		t.Fatalf("symbol = %q, want MyTag", parsed.Symbol)
	}
}

func TestSymbolSegmentDottedAndIndexed(t *testing.T) {
	p, err := EPath().Symbol("Program:Main.MyArray[5]").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	parsed, _, err := ParseEPath(p)
	if err != nil {
		t.Fatalf("ParseEPath: %v", err)
	}
	if parsed.Symbol != "Program:Main.MyArray" {
		t.Fatalf("symbol = %q, want Program:Main.MyArray", parsed.Symbol)
	}
	if !parsed.MemberSet || parsed.Member != 5 {
		t.Fatalf("member = %v (set=%v), want 5", parsed.Member, parsed.MemberSet)
	}
}

func TestDecodeEPathPrefixed(t *testing.T) {
	inner, err := EPath().Class(0x06).Instance(1).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	prefixed := append([]byte{inner.WordLen()}, inner...)
	parsed, n, err := DecodeEPathPrefixed(prefixed)
	if err != nil {
		t.Fatalf("DecodeEPathPrefixed: %v", err)
	}
	if n != len(prefixed) {
		t.Fatalf("consumed %d of %d bytes", n, len(prefixed))
	}
	if parsed.Class != 0x06 || parsed.Instance != 1 {
		t.Fatalf("parsed = %+v", parsed)
	}
}
