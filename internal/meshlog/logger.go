// Package meshlog provides the structured logging interface shared by every
// orchestration package. It is modeled on gomind's core.Logger /
// core.ComponentAwareLogger, backed by go.uber.org/zap instead of hand-rolled
// JSON/text formatting.
package meshlog

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal structured logging interface every component
// depends on. Context-aware variants exist for trace correlation.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package attribute its logs to a named
// component ("mesh", "queue", "chain", ...) while sharing one base config.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

type traceKey struct{}

// WithTraceID attaches a trace id to ctx for *WithContext log calls to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// zapLogger implements Logger/ComponentAwareLogger over a *zap.Logger.
type zapLogger struct {
	base      *zap.Logger
	component string
}

// New builds the process-wide logger. Format is "json" when
// MESH_LOG_FORMAT=json or KUBERNETES_SERVICE_HOST is set (mirroring
// gomind's telemetry.TelemetryLogger auto-detection), "console" otherwise.
func New() Logger {
	format := os.Getenv("MESH_LOG_FORMAT")
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "console"
		}
	}

	level := zapcore.InfoLevel
	if strings.EqualFold(os.Getenv("MESH_LOG_LEVEL"), "debug") {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         format,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if format != "json" {
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	return &zapLogger{base: base, component: "mesh"}
}

// NoOp returns a logger that discards everything, used in tests.
func NoOp() Logger {
	return &zapLogger{base: zap.NewNop(), component: "noop"}
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *zapLogger) WithComponent(component string) Logger {
	return &zapLogger{base: l.base, component: component}
}

func (l *zapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, append(toZapFields(fields), zap.String("component", l.component))...)
}

func (l *zapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, append(toZapFields(fields), zap.String("component", l.component))...)
}

func (l *zapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, append(toZapFields(fields), zap.String("component", l.component))...)
}

func (l *zapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, append(toZapFields(fields), zap.String("component", l.component))...)
}

func (l *zapLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, l.withTrace(ctx, fields))
}

func (l *zapLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, l.withTrace(ctx, fields))
}

func (l *zapLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, l.withTrace(ctx, fields))
}

func (l *zapLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, l.withTrace(ctx, fields))
}

func (l *zapLogger) withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	trace := traceIDFromContext(ctx)
	if trace == "" {
		return fields
	}
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	fields["trace_id"] = trace
	return fields
}
