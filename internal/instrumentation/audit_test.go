package instrumentation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedAuditLogger(enabled bool) (*AuditLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewAuditLogger(logger, enabled), &buf
}

func TestAction_Complete(t *testing.T) {
	a := NewAction(SurfaceMCP, "sync_start").WithUser("jane@example.com").Complete(nil)

	if !a.Success || a.Status() != StatusSuccess {
		t.Errorf("expected success, got %v / %s", a.Success, a.Status())
	}
	if a.Duration < 0 {
		t.Errorf("expected non-negative duration, got %v", a.Duration)
	}

	a = NewAction(SurfaceREST, "cancel").Complete(errors.New("not owned"))
	if a.Success || a.Status() != StatusError || a.Error != "not owned" {
		t.Errorf("expected failure with message, got %+v", a)
	}
}

func TestAction_LogAttrsAnonymize(t *testing.T) {
	a := NewAction(SurfaceREST, "start").
		WithUser("jane@example.com").
		WithTask("sync_jane@example.com_1736154000000000000").
		WithSpanContext(context.Background()).
		Complete(nil)

	keys := map[string]string{}
	for _, attr := range a.LogAttrs() {
		keys[attr.Key] = attr.Value.String()
	}

	for _, v := range keys {
		if strings.Contains(v, "jane@example.com") {
			t.Fatalf("raw user id leaked into audit attrs: %v", keys)
		}
	}
	if keys["surface"] != SurfaceREST || keys["action"] != "start" {
		t.Errorf("unexpected surface/action: %v", keys)
	}
	if _, ok := keys["trace_id"]; ok {
		t.Error("expected no trace_id without a span")
	}
	if !strings.HasPrefix(keys["user_hash"], "user:") {
		t.Errorf("expected hashed user, got %q", keys["user_hash"])
	}
}

func TestAuditLogger_Log(t *testing.T) {
	al, buf := newBufferedAuditLogger(true)

	al.Log(context.Background(), NewAction(SurfaceMCP, "sync_trigger_cleanup").Complete(nil))
	al.Log(context.Background(), NewAction(SurfaceMCP, "sync_cancel").Complete(errors.New("boom")))

	out := buf.String()
	if !strings.Contains(out, "msg=action_executed") {
		t.Errorf("expected success entry, got %q", out)
	}
	if !strings.Contains(out, "level=WARN msg=action_failed") {
		t.Errorf("expected warn entry for failure, got %q", out)
	}
	if !strings.Contains(out, "log_type=audit") {
		t.Errorf("expected log_type attribute, got %q", out)
	}
}

func TestAuditLogger_DisabledAndNil(t *testing.T) {
	al, buf := newBufferedAuditLogger(false)
	al.Log(context.Background(), NewAction(SurfaceCLI, "cleanup").Complete(nil))
	if buf.Len() != 0 {
		t.Errorf("expected no output when disabled, got %q", buf.String())
	}

	var nilLogger *AuditLogger
	// Should not panic
	nilLogger.Log(context.Background(), NewAction(SurfaceCLI, "cleanup").Complete(nil))
}
