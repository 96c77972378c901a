package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")
	logger.Debug("connect", "dsn", "postgres://u:p@h/db", "header", "Bearer abc", "agent", "BlueLake")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["dsn"] != "[REDACTED]" || rec["header"] != "[REDACTED]" {
		t.Fatalf("secrets leaked: %v", rec)
	}
	if rec["agent"] != "BlueLake" || rec["service"] != ServiceName {
		t.Fatalf("unexpected fields: %v", rec)
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", rec)
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "warn", "text").Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	NewLogger(&buf, "info", "text").Info("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown exporter error")
	}
	_, span := StartSpan(context.Background(), "test", AttrProject.String("p"))
	EndSpan(span, errors.New("x"))
	if Default() == nil {
		t.Fatal("expected default metrics")
	}
}
