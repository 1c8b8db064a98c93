package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConsoleLineLayout(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(EncoderConfig("console")), zapcore.AddSync(&buf), zap.DebugLevel)
	log := zap.New(core).Named("worker")

	log.Info("drain pass done", zap.Int64("latest", 7))

	got := buf.String()
	if !strings.HasPrefix(got, "[INFO] {worker} drain pass done") {
		t.Fatalf("unexpected layout: %q", got)
	}
	if !strings.Contains(got, `"latest": 7`) {
		t.Fatalf("expected structured field, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		" WARN ":  zap.WarnLevel,
		"error":   zap.ErrorLevel,
		"":        zap.InfoLevel,
		"verbose": zap.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
