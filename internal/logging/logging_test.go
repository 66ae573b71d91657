// v0
// internal/logging/logging_test.go
package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestTeeWritesBothSinks(t *testing.T) {
	var out, file bytes.Buffer
	log := New(&out, &file, slog.LevelInfo).With(slog.String("component", "session"))
	log.Info("session_open", slog.String("key", "10.0.0.1_TENSION_BOT"))
	log.Debug("hidden")

	for name, buf := range map[string]*bytes.Buffer{"stdout": &out, "file": &file} {
		got := buf.String()
		if !strings.Contains(got, "session_open") || !strings.Contains(got, "component=session") {
			t.Fatalf("%s missing record: %q", name, got)
		}
		if strings.Contains(got, "hidden") {
			t.Fatalf("%s must drop records below level", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "floorctl.log")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("ok\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
}
