// v0
// internal/device/device_test.go
package device

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseClass(t *testing.T) {
	cases := map[string]Class{
		"LUBRICATION_BOT": ClassLubrication,
		"tension_bot":     ClassTension,
		" TENSION_BOT ":   ClassTension,
	}
	for raw, want := range cases {
		got, err := ParseClass(raw)
		if err != nil {
			t.Fatalf("ParseClass(%q) unexpected error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseClass(%q) = %v, want %v", raw, got, want)
		}
	}
	if _, err := ParseClass("TOASTER"); !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected ErrUnknownClass, got %v", err)
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Addr: "10.0.0.5", Class: ClassTension}
	if got := k.String(); got != "10.0.0.5_TENSION_BOT" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestSampleFloatDefaults(t *testing.T) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(`{"device_type":"LUBRICATION_BOT","current_a":12.5,"temperature_c":"41.5","bogus":true}`), &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	s := NewSample(fields, time.Unix(0, 0))
	if s.Type != TypeLubrication {
		t.Fatalf("unexpected type %q", s.Type)
	}
	if got := s.Float(FieldCurrent, 10); got != 12.5 {
		t.Fatalf("current = %v", got)
	}
	if got := s.Float(FieldTemperature, 40); got != 41.5 {
		t.Fatalf("temperature = %v", got)
	}
	if got := s.Float("bogus", 7); got != 7 {
		t.Fatalf("non numeric field should fall back, got %v", got)
	}
	if got := s.Float("missing", 3); got != 3 {
		t.Fatalf("missing field should fall back, got %v", got)
	}
}

func TestWithActionCopies(t *testing.T) {
	s := NewSample(map[string]any{"power": 3.2}, time.Now())
	out := s.WithAction(ActionMonitor)
	if out[FieldAction] != ActionMonitor {
		t.Fatalf("action not merged: %v", out)
	}
	if _, ok := s.Fields[FieldAction]; ok {
		t.Fatalf("sample payload must not be mutated")
	}
}
