package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObservedBase(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	prev := base
	base = zap.New(core)
	t.Cleanup(func() { base = prev })
	return logs
}

func TestLoggerKeyValues(t *testing.T) {
	logs := withObservedBase(t, zapcore.DebugLevel)

	logger := NewLogger("Pipeline")
	logger.Info("OCR done", "image", "img-1", "attempts", 2)
	logger.Debug("queued", "image", "img-2")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.LoggerName != "Pipeline" {
		t.Errorf("logger name = %q", first.LoggerName)
	}
	fields := first.ContextMap()
	if fields["image"] != "img-1" || fields["attempts"] != int64(2) {
		t.Errorf("fields = %v", fields)
	}
}

func TestLoggerWithCarriesFields(t *testing.T) {
	logs := withObservedBase(t, zapcore.InfoLevel)

	logger := NewLogger("Session").With("session", "s1")
	logger.Warn("retry scheduled")
	logger.Debug("dropped below level")

	entries := logs.FilterField(zap.String("session", "s1")).All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry with session field, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("level = %v", entries[0].Level)
	}
}

func TestSetupFallsBackToInfo(t *testing.T) {
	prev := base
	t.Cleanup(func() { base = prev })

	if err := Setup("production", "not-a-level"); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if base.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled when the level is unparseable")
	}
	if !base.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be enabled")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Error("ignored", "key", "value")
	if logger.Sugared() == nil {
		t.Fatal("expected sugared logger")
	}
}
