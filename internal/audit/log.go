package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"custodian.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the authenticated account id to the context for audit logging.
func WithActor(ctx context.Context, accountID string) context.Context {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, accountID)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func contextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if rid := stringFromContext(ctx, requestIDKey); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	if actor := stringFromContext(ctx, actorKey); actor != "" {
		fields = append(fields, zap.String("actor_id", actor))
	}
	return fields
}

// LogEvent writes a security event that has no chain to live in (for example a failed
// login for an unknown email) as a structured log line.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf := append([]zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
		zap.Any("fields", copyFields),
	}, contextFields(ctx)...)
	obs.Logger().Info("audit_event", zf...)
	return nil
}
