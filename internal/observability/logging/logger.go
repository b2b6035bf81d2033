package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patchgate/patchgate/internal/observability"
)

type Logger interface {
	Debug(component, msg string, fields ...any)
	Info(component, msg string, fields ...any)
	Warn(component, msg string, fields ...any)
	Error(component, msg string, fields ...any)
	Event(ctx context.Context, event string, fields map[string]any)
	Close() error
}

type loggerKey struct{}

func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func From(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return &noopLogger{}
}

// NewLogger builds a zap-backed Logger for the given config. Format "json"
// emits one JSON object per line; anything else gets the console encoder.
func NewLogger(cfg Config) (Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Encoding = "json"
	if cfg.Format != "json" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zcfg.OutputPaths = []string{"stderr"}
	if cfg.Output != "" && cfg.Output != "stderr" {
		zcfg.OutputPaths = []string{cfg.Output}
	}

	z, err := zcfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return &zapLogger{z: z}, nil
}

type zapLogger struct {
	z *zap.Logger
}

func (l *zapLogger) log(level zapcore.Level, component, msg string, fields ...any) {
	zfields := make([]zap.Field, 0, len(fields)/2+1)
	zfields = append(zfields, zap.String("component", component))
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			zfields = append(zfields, zap.Any(key, fields[i+1]))
		}
	}
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(zfields...)
	}
}

func (l *zapLogger) Debug(component, msg string, fields ...any) {
	l.log(zapcore.DebugLevel, component, msg, fields...)
}

func (l *zapLogger) Info(component, msg string, fields ...any) {
	l.log(zapcore.InfoLevel, component, msg, fields...)
}

func (l *zapLogger) Warn(component, msg string, fields ...any) {
	l.log(zapcore.WarnLevel, component, msg, fields...)
}

func (l *zapLogger) Error(component, msg string, fields ...any) {
	l.log(zapcore.ErrorLevel, component, msg, fields...)
}

// Event logs a structured pipeline event, tagged with the op_id from ctx.
func (l *zapLogger) Event(ctx context.Context, event string, fields map[string]any) {
	zfields := make([]zap.Field, 0, len(fields)+2)
	zfields = append(zfields, zap.String("event", event))
	if opID := observability.OpID(ctx); opID != "" {
		zfields = append(zfields, zap.String("op_id", opID))
	}
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}
	l.z.Info(event, zfields...)
}

func (l *zapLogger) Close() error {
	// stderr sync failures are expected on some platforms
	_ = l.z.Sync()
	return nil
}

type noopLogger struct{}

func (n *noopLogger) Debug(component, msg string, fields ...any)                     {}
func (n *noopLogger) Info(component, msg string, fields ...any)                      {}
func (n *noopLogger) Warn(component, msg string, fields ...any)                      {}
func (n *noopLogger) Error(component, msg string, fields ...any)                     {}
func (n *noopLogger) Event(ctx context.Context, event string, fields map[string]any) {}
func (n *noopLogger) Close() error                                                   { return nil }

// Noop returns a logger that discards everything, for tests.
func Noop() Logger { return &noopLogger{} }
