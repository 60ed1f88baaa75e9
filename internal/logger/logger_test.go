package logger

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseLevel_Unknown(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("warn", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	log.Infow("quiet", "server", "a:3493")
	log.Warnw("loud", "server", "b:3493")
	_ = log.Sync()

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "b:3493") {
		t.Errorf("warn line missing: %q", out)
	}
	if !strings.Contains(out, "WARN") {
		t.Errorf("level not capitalised: %q", out)
	}
}
