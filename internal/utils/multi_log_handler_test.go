package utils

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type captureHandler struct {
	level   slog.Level
	records []slog.Record
	err     error
}

func (c *captureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level
}

func (c *captureHandler) Handle(_ context.Context, r slog.Record) error {
	c.records = append(c.records, r)
	return c.err
}

func (c *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *captureHandler) WithGroup(string) slog.Handler      { return c }

func TestMultiLogHandlerFansOut(t *testing.T) {
	terminal := &captureHandler{level: slog.LevelInfo}
	file := &captureHandler{level: slog.LevelDebug}
	h := NewMultiLogHandler(terminal, file)

	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug must be enabled while any sink wants it")
	}

	rec := slog.NewRecord(time.Now(), slog.LevelDebug, "poll cycle done", 0)
	if err := h.Handle(ctx, rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(terminal.records) != 0 {
		t.Error("info-level sink must not receive debug records")
	}
	if len(file.records) != 1 {
		t.Errorf("file sink got %d records, want 1", len(file.records))
	}
}

func TestMultiLogHandlerKeepsDeliveringOnSinkError(t *testing.T) {
	broken := &captureHandler{level: slog.LevelInfo, err: errors.New("disk full")}
	healthy := &captureHandler{level: slog.LevelInfo}
	h := NewMultiLogHandler(broken, healthy)

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "uploaded", 0)
	if err := h.Handle(context.Background(), rec); err == nil {
		t.Error("sink failure must surface")
	}
	if len(healthy.records) != 1 {
		t.Error("remaining sinks must still receive the record")
	}
}
