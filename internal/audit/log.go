// Package audit records security events to the structured log and, when
// configured, to a durable sink.
package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	clientKey    ctxKey = "audit_client"
)

type client struct {
	ip        string
	userAgent string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request identifier attached by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithClient attaches the caller address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey, client{ip: ip, userAgent: userAgent})
}

// Sink persists events. pg.Store implements it.
type Sink interface {
	AppendEvent(ctx context.Context, e auth.Event) error
}

// Recorder implements auth.EventRecorder.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	now     func() time.Time
}

var _ auth.EventRecorder = (*Recorder)(nil)

// Option configures Recorder.
type Option func(*Recorder)

// WithSink adds a durable sink next to the log.
func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithSinkTimeout bounds each sink write. Default 2s.
func WithSinkTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{timeout: 2 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record enriches e from ctx, logs it and writes it to the sink. Sink
// failures are logged and otherwise ignored.
func (r *Recorder) Record(ctx context.Context, e auth.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	fields := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		fields[k] = v
	}
	if rid := RequestID(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if c, ok := ctx.Value(clientKey).(client); ok {
		if c.ip != "" {
			fields["client_ip"] = c.ip
		}
		if c.userAgent != "" {
			fields["user_agent"] = c.userAgent
		}
	}
	if tc, ok := auth.TenantFromContext(ctx); ok {
		fields["actor_id"] = tc.UserID()
		if e.TenantID == "" {
			e.TenantID = tc.TenantID()
		}
	}
	e.Fields = fields

	level := zapcore.InfoLevel
	if !e.Success {
		level = zapcore.WarnLevel
	}
	if ce := obs.Logger().Check(level, "audit"); ce != nil {
		ce.Write(
			zap.String("type", "audit"),
			zap.String("event", e.Name),
			zap.Time("occurred_at", e.OccurredAt),
			zap.String("tenant_id", e.TenantID),
			zap.String("user_id", e.UserID),
			zap.Bool("success", e.Success),
			zap.String("reason", e.Reason),
			zap.Any("fields", fields),
		)
	}

	if r.sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.AppendEvent(sinkCtx, e); err != nil {
		obs.Logger().Error("audit sink write failed", zap.String("event", e.Name), zap.Error(err))
	}
}
