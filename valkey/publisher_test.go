package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"ciptargetd/cip"
	"ciptargetd/config"
)

func TestNewPublisher(t *testing.T) {
	cfg := config.DefaultValkeyConfig("cache1")
	pub := NewPublisher(&cfg, "line3")

	if pub.Name() != "cache1" {
		t.Errorf("Name() = %q, want cache1", pub.Name())
	}
	if pub.IsRunning() {
		t.Error("expected new publisher to not be running")
	}
	if pub.Address() != "redis://localhost:6379" {
		t.Errorf("Address() = %q", pub.Address())
	}
}

func TestNewPublisherTLS(t *testing.T) {
	cfg := config.DefaultValkeyConfig("cache1")
	cfg.UseTLS = true
	pub := NewPublisher(&cfg, "line3")

	if pub.Address() != "rediss://localhost:6379" {
		t.Errorf("Address() = %q, want rediss scheme", pub.Address())
	}
}

// TestTagMessage_Structure tests the TagMessage JSON structure.
func TestTagMessage_Structure(t *testing.T) {
	msg := TagMessage{
		Tag:       "Counter",
		Value:     int32(100),
		Type:      "DINT",
		Writable:  true,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	requiredFields := []string{"tag", "value", "type", "writable", "timestamp"}
	for _, field := range requiredFields {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

// TestTagMessage_ValueAccuracy tests that published values match source values.
func TestTagMessage_ValueAccuracy(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		value    interface{}
	}{
		{"int32_max", "DINT", int32(2147483647)},
		{"int32_min", "DINT", int32(-2147483648)},
		{"int16_max", "INT", int16(32767)},
		{"uint16_max", "UINT", uint16(65535)},
		{"uint8_max", "USINT", uint8(255)},
		{"float32_precise", "REAL", float32(3.14159)},
		{"float64_precise", "LREAL", float64(3.141592653589793)},
		{"bool_true", "BOOL", true},
		{"bool_false", "BOOL", false},
		{"string_ascii", "STRING", "Hello, World!"},
		{"string_unicode", "STRING", "测试数据"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := TagMessage{
				Tag:       "tag",
				Value:     tc.value,
				Type:      tc.typeName,
				Timestamp: time.Now().UTC(),
			}

			data, err := json.Marshal(msg)
			if err != nil {
				t.Fatalf("marshal error: %v", err)
			}

			var decoded TagMessage
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal error: %v", err)
			}

			switch v := tc.value.(type) {
			case int32:
				if decoded.Value.(float64) != float64(v) {
					t.Errorf("int32 value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case int16:
				if decoded.Value.(float64) != float64(v) {
					t.Errorf("int16 value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case uint16:
				if decoded.Value.(float64) != float64(v) {
					t.Errorf("uint16 value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case uint8:
				if decoded.Value.(float64) != float64(v) {
					t.Errorf("uint8 value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case float32:
				if diff := decoded.Value.(float64) - float64(v); diff > 0.0001 || diff < -0.0001 {
					t.Errorf("float32 value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case float64:
				if decoded.Value.(float64) != v {
					t.Errorf("float64 value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case bool:
				if decoded.Value.(bool) != v {
					t.Errorf("bool value mismatch: expected %v, got %v", v, decoded.Value)
				}
			case string:
				if decoded.Value.(string) != v {
					t.Errorf("string value mismatch: expected %q, got %q", v, decoded.Value)
				}
			}
		})
	}
}

// TestTagPublishItem_Structure tests the batch publish item structure.
func TestTagPublishItem_Structure(t *testing.T) {
	item := TagPublishItem{
		TagName:  "Counter",
		TypeName: "DINT",
		Value:    int32(25),
		Writable: false,
	}

	if item.TagName != "Counter" {
		t.Error("TagName not set correctly")
	}
	if item.TypeName != "DINT" {
		t.Error("TypeName not set correctly")
	}
	if item.Value != int32(25) {
		t.Error("Value not set correctly")
	}
	if item.Writable != false {
		t.Error("Writable not set correctly")
	}
}

// TestWriteRequest_Structure tests the write request JSON structure.
func TestWriteRequest_Structure(t *testing.T) {
	req := WriteRequest{
		Tag:   "Counter",
		Value: int32(100),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded WriteRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Tag != "Counter" {
		t.Errorf("Tag mismatch: expected 'Counter', got %q", decoded.Tag)
	}
}

// TestWriteResponse_Structure tests the write response JSON structure.
func TestWriteResponse_Structure(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		resp := WriteResponse{
			Tag:       "Counter",
			Value:     int32(100),
			Success:   true,
			Timestamp: time.Now().UTC(),
		}

		data, err := json.Marshal(resp)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		if _, ok := decoded["error"]; ok {
			t.Error("successful response should not have error field")
		}
		if decoded["success"] != true {
			t.Error("success should be true")
		}
	})

	t.Run("failed response", func(t *testing.T) {
		resp := WriteResponse{
			Tag:       "Counter",
			Value:     int32(100),
			Success:   false,
			Error:     "tag not writable",
			Timestamp: time.Now().UTC(),
		}

		data, err := json.Marshal(resp)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		if decoded["success"] != false {
			t.Error("success should be false")
		}
		if decoded["error"] != "tag not writable" {
			t.Errorf("error message mismatch: expected 'tag not writable', got %v", decoded["error"])
		}
	})
}

func TestTimestampFormat(t *testing.T) {
	msg := TagMessage{
		Tag:       "tag",
		Value:     int32(100),
		Type:      "DINT",
		Timestamp: time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	ts := decoded["timestamp"].(string)
	if ts != "2024-01-15T10:30:45Z" {
		t.Errorf("unexpected timestamp format: %s", ts)
	}
}

func TestNullValueHandling(t *testing.T) {
	msg := TagMessage{
		Tag:       "tag",
		Value:     nil,
		Type:      "DINT",
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded["value"] != nil {
		t.Errorf("expected null value, got %v", decoded["value"])
	}
}

func TestTagTypeLookupResolvesCIPType(t *testing.T) {
	var lookup TagTypeLookup = func(tag string) (cip.TagType, bool) {
		if tag == "Speed" {
			return cip.TypeDINT, true
		}
		return 0, false
	}

	typ, ok := lookup("Speed")
	if !ok || typ != cip.TypeDINT {
		t.Errorf("lookup(Speed) = %v, %v; want DINT, true", typ, ok)
	}
	if _, ok := lookup("Unknown"); ok {
		t.Error("expected lookup of unknown tag to report false")
	}
}

func TestManagerAddAppliesCurrentCallbacks(t *testing.T) {
	m := NewManager()

	m.SetWriteValidator(func(tag string) bool { return tag == "Speed" })
	m.SetTagTypeLookup(func(tag string) (cip.TagType, bool) { return cip.TypeDINT, true })

	cfg := config.DefaultValkeyConfig("cache1")
	pub := m.Add(&cfg, "line3")

	if !pub.writeValidator("Speed") {
		t.Error("expected write validator to propagate")
	}
	typ, ok := pub.tagTypeLookup("Speed")
	if !ok || typ != cip.TypeDINT {
		t.Error("expected tag type lookup to propagate")
	}
}

func TestManagerListAndRemove(t *testing.T) {
	m := NewManager()
	cfg1 := config.DefaultValkeyConfig("cache1")
	cfg2 := config.DefaultValkeyConfig("cache2")
	m.Add(&cfg1, "line3")
	m.Add(&cfg2, "line3")

	if len(m.List()) != 2 {
		t.Fatalf("expected 2 publishers, got %d", len(m.List()))
	}

	m.Remove("cache1")
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 publisher after remove, got %d", len(m.List()))
	}
	if m.Get("cache1") != nil {
		t.Error("expected cache1 to be removed")
	}
	if m.Get("cache2") == nil {
		t.Error("expected cache2 to remain")
	}
}

func TestManagerAnyRunningFalseWhenNoneStarted(t *testing.T) {
	m := NewManager()
	cfg := config.DefaultValkeyConfig("cache1")
	m.Add(&cfg, "line3")

	if m.AnyRunning() {
		t.Error("expected AnyRunning false when no publisher has started")
	}
}

func TestLoadFromConfig(t *testing.T) {
	m := NewManager()
	cfgs := []config.ValkeyConfig{
		config.DefaultValkeyConfig("cache1"),
		config.DefaultValkeyConfig("cache2"),
	}
	m.LoadFromConfig(cfgs, "line3")

	if len(m.List()) != 2 {
		t.Fatalf("expected 2 publishers loaded, got %d", len(m.List()))
	}
}
