package config

import (
	"testing"

	"ciptargetd/cip"
)

func TestParseAttributeDefine(t *testing.T) {
	tests := []struct {
		line       string
		wantName   string
		wantAddr   byte
		wantType   cip.TagType
		wantElems  int
		wantValues []any
	}{
		{"Speed@1 = DINT = 1200", "Speed", 1, cip.TypeDINT, 1, []any{int32(1200)}},
		{"Name@2 = STRING[82]", "Name", 2, cip.TypeSTRING, 1, nil},
		{"Running@3=BOOL=1", "Running", 3, cip.TypeBOOL, 1, []any{true}},
		{"Totalizer = UDINT", "Totalizer", 0, cip.TypeUDINT, 1, nil},
		{"Samples@5 = REAL = 1.5,2.5,3.5", "Samples", 5, cip.TypeREAL, 3,
			[]any{float32(1.5), float32(2.5), float32(3.5)}},
	}

	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			ad, err := ParseAttributeDefine(tc.line)
			if err != nil {
				t.Fatalf("ParseAttributeDefine(%q): %v", tc.line, err)
			}
			if ad.Name != tc.wantName {
				t.Errorf("Name = %q, want %q", ad.Name, tc.wantName)
			}
			if ad.Attribute != tc.wantAddr {
				t.Errorf("Attribute = %d, want %d", ad.Attribute, tc.wantAddr)
			}
			if ad.Type != tc.wantType {
				t.Errorf("Type = %s, want %s", ad.Type, tc.wantType)
			}
			if ad.Elements != tc.wantElems {
				t.Errorf("Elements = %d, want %d", ad.Elements, tc.wantElems)
			}
			if tc.wantValues != nil {
				if len(ad.Values) != len(tc.wantValues) {
					t.Fatalf("Values = %v, want %v", ad.Values, tc.wantValues)
				}
				for i, v := range tc.wantValues {
					if ad.Values[i] != v {
						t.Errorf("Values[%d] = %v, want %v", i, ad.Values[i], v)
					}
				}
			}
		})
	}
}

func TestParseAttributeDefineStringMaxLength(t *testing.T) {
	ad, err := ParseAttributeDefine("Name@2 = STRING[82]")
	if err != nil {
		t.Fatalf("ParseAttributeDefine: %v", err)
	}
	if ad.MaxLength != 82 {
		t.Errorf("MaxLength = %d, want 82", ad.MaxLength)
	}
	if ad.Elements != 1 {
		t.Errorf("Elements = %d, want 1 (STRING is not an array type)", ad.Elements)
	}
}

func TestParseAttributeDefineErrors(t *testing.T) {
	bad := []string{
		"",
		"NoEquals",
		"1bad@1 = DINT",
		"Name@1 = NOTATYPE",
		"Name@1 = DINT = notanumber",
	}
	for _, line := range bad {
		if _, err := ParseAttributeDefine(line); err == nil {
			t.Errorf("ParseAttributeDefine(%q): expected error", line)
		}
	}
}

func TestSimulatorConfigBuildRegistry(t *testing.T) {
	sc := SimulatorConfig{
		Objects: []SimulatorObjectConfig{
			{
				Class:    0x6B,
				Instance: 1,
				Attributes: []string{
					"Speed@1 = DINT = 1200",
					"Running@2 = BOOL = 0",
				},
			},
		},
	}

	reg, symbols, err := sc.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	obj, ok := reg.Get(0x6B, 1)
	if !ok {
		t.Fatal("expected object 0x6B/1 to be registered")
	}
	attr, ok := obj.Attribute(1)
	if !ok {
		t.Fatal("expected attribute 1")
	}
	v, _ := attr.Get(0)
	if v.(int32) != 1200 {
		t.Errorf("Speed = %v, want 1200", v)
	}

	entry, ok := symbols.Lookup("Speed")
	if !ok {
		t.Fatal("expected symbol table entry for Speed")
	}
	if entry.ClassID != 0x6B || entry.Instance != 1 || entry.Attribute != 1 {
		t.Errorf("unexpected symbol entry: %+v", entry)
	}

	if _, ok := symbols.Lookup("Running"); !ok {
		t.Error("expected symbol table entry for Running")
	}
}

func TestSimulatorConfigBuildRegistryAssignsSequentialAddresses(t *testing.T) {
	sc := SimulatorConfig{
		Objects: []SimulatorObjectConfig{
			{
				Class:    0x6B,
				Instance: 1,
				Attributes: []string{
					"First = DINT = 1",
					"Second = DINT = 2",
				},
			},
		},
	}

	reg, _, err := sc.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	obj, _ := reg.Get(0x6B, 1)
	if _, ok := obj.Attribute(1); !ok {
		t.Error("expected First to land on attribute 1")
	}
	if _, ok := obj.Attribute(2); !ok {
		t.Error("expected Second to land on attribute 2")
	}
}
