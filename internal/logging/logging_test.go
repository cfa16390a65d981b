package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info").With("component", "webhook")

	ctx := WithRequestID(context.Background(), "req-7")
	logger.InfoContext(ctx, "event accepted", "tenant", "acme")
	logger.Info("no request")
	logger.Debug("filtered out")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "request_id=req-7") || !strings.Contains(lines[0], "component=webhook") {
		t.Errorf("expected request and component attrs, got %q", lines[0])
	}
	if strings.Contains(lines[1], "request_id") {
		t.Errorf("unexpected request_id on %q", lines[1])
	}
}

func TestRequestID_Empty(t *testing.T) {
	if id := RequestID(context.Background()); id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
}

func TestCaptureError_NoClient(t *testing.T) {
	// must not panic without InitSentry
	CaptureError(errors.New("boom"), map[string]string{"tenant": "acme"})
	CaptureError(nil, nil)
	if err := InitSentry("", "test", "dev"); err != nil {
		t.Errorf("empty dsn should be a no-op, got %v", err)
	}
}
