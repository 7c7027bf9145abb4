package logs

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/k0kubun/pp/v3"
)

// Logger is the interface that wraps the basic logging methods.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type defaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger() Logger {
	return &defaultLogger{
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...)}
}

var global atomic.Pointer[holder]

type holder struct{ l Logger }

func init() {
	global.Store(&holder{l: NewDefaultLogger()})
}

// SetDefault replaces the logger used by the package-level functions.
func SetDefault(l Logger) {
	global.Store(&holder{l: l})
}

func Default() Logger {
	return global.Load().l
}

func Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	global.Load().l.Debug(ctx, msg, keysAndValues...)
}

func Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	global.Load().l.Info(ctx, msg, keysAndValues...)
}

func Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	global.Load().l.Warn(ctx, msg, keysAndValues...)
}

func Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	global.Load().l.Error(ctx, msg, keysAndValues...)
}

// Pretty renders a value for debug-level frame dumps.
func Pretty(v interface{}) string {
	printer := pp.New()
	printer.SetColoringEnabled(false)
	return printer.Sprint(v)
}
