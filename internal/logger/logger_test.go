package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

// TestParseLevel verifies level names map to slog levels
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warning", LevelWarning, false},
		{"WARN", LevelWarning, false},
		{"error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestNamedAddsComponent verifies component loggers carry their name
func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	Named("scheduler").Info("tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if entry["component"] != "scheduler" {
		t.Errorf("component = %v, want scheduler", entry["component"])
	}
	if entry["msg"] != "tick" {
		t.Errorf("msg = %v, want tick", entry["msg"])
	}
}

// TestWarnAndErrorCounters verifies counters advance even when output is sampled away
func TestWarnAndErrorCounters(t *testing.T) {
	SetOutput(&bytes.Buffer{})
	SetSampleRate(1000000)
	defer SetSampleRate(1)

	warnings := TotalWarnings.Load()
	errs := TotalErrors.Load()

	Warn("w")
	Error("e")
	Error("e")

	if got := TotalWarnings.Load() - warnings; got != 1 {
		t.Errorf("warnings counted = %d, want 1", got)
	}
	if got := TotalErrors.Load() - errs; got != 2 {
		t.Errorf("errors counted = %d, want 2", got)
	}
}

// TestLevelHandlerFiltersByProgramLevel verifies the wrapped handler only sees enabled records
func TestLevelHandlerFiltersByProgramLevel(t *testing.T) {
	defer SetLevel(GetLevel())
	SetLevel(LevelWarning)

	var buf bytes.Buffer
	log := slog.New(&levelHandler{level: programLevel, handler: slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: LevelTrace})})

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warning level: %s", buf.String())
	}
	log.With("component", "x").Warn("kept")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if entry["msg"] != "kept" || entry["component"] != "x" {
		t.Errorf("entry = %v", entry)
	}
}

// TestEnableOTELAndShutdown verifies the OTLP handler installs without a collector and flushes on shutdown
func TestEnableOTELAndShutdown(t *testing.T) {
	defer SetOutput(&bytes.Buffer{})

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() without OTEL = %v", err)
	}
	if err := EnableOTEL(context.Background(), "storagerules-test"); err != nil {
		t.Fatalf("EnableOTEL() failed: %v", err)
	}
	if _, ok := Logger.Handler().(*levelHandler); !ok {
		t.Errorf("handler = %T, want *levelHandler", Logger.Handler())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
	if err := Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() = %v, want nil", err)
	}
}
