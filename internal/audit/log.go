// Package audit records security-relevant events as structured log entries.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"orgdash.app/internal/auth"
	"orgdash.app/internal/obs"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier used to correlate audit entries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an entry of type "audit" enriched with the request id and
// the signed-in user, when present.
func LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		zf = append(zf, zap.String("user_id", uid))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zf = append(zf, zap.Object("fields", stringMap{keys: keys, m: fields}))

	obs.Logger().Info("audit", zf...)
	return nil
}
