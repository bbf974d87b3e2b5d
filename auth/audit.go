package auth

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types emitted by the subsystem.
const (
	EventLoginSucceeded = "login_succeeded"
	EventLoginFailed    = "login_failed"
	EventReplayDetected = "replay_detected"
	EventTokenRevoked   = "token_revoked"
	EventUserRevoked    = "user_tokens_revoked"
)

// Event is a structured security/audit record. The subsystem emits events;
// retention belongs to the consumer.
type Event struct {
	Type    string
	UserID  string
	At      time.Time
	Details map[string]any
}

// Auditor receives security events. Implementations must be safe for
// concurrent use and must not block on slow sinks.
type Auditor interface {
	Emit(ctx context.Context, event Event)
}

// LogAuditor writes events to a structured logger.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor constructs an Auditor backed by slog.
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger}
}

func (a *LogAuditor) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	attrs := []any{"event", event.Type, "at", event.At}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	a.logger.LogAttrs(ctx, slog.LevelWarn, "audit", toAttrs(attrs)...)
}

func toAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

// NopAuditor discards every event.
type NopAuditor struct{}

func (NopAuditor) Emit(context.Context, Event) {}
