// Package logger provides a small structured-logging facade backed by
// log/slog, with a process-wide singleton that tests can swap out.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("MCP_AUTH_PROXY_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if os.Getenv("MCP_AUTH_PROXY_LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// SetDefault replaces the process-wide logger. Intended for tests and for
// bootstrap code that wants to attach request-scoped attributes.
func SetDefault(l *slog.Logger) {
	singleton.Store(l)
}

// L returns the current logger.
func L() *slog.Logger {
	return singleton.Load()
}

func Debug(msg string)               { L().Debug(msg) }
func Debugf(format string, a ...any) { L().Debug(sprintf(format, a...)) }
func Debugw(msg string, kv ...any)   { L().Debug(msg, kv...) }
func Info(msg string)                { L().Info(msg) }
func Infof(format string, a ...any)  { L().Info(sprintf(format, a...)) }
func Infow(msg string, kv ...any)    { L().Info(msg, kv...) }
func Warn(msg string)                { L().Warn(msg) }
func Warnf(format string, a ...any)  { L().Warn(sprintf(format, a...)) }
func Warnw(msg string, kv ...any)    { L().Warn(msg, kv...) }
func Error(msg string)               { L().Error(msg) }
func Errorf(format string, a ...any) { L().Error(sprintf(format, a...)) }
func Errorw(msg string, kv ...any)   { L().Error(msg, kv...) }

// DPanic logs at error level. Unlike zap's DPanic it never panics; the name
// is kept for readers migrating from zap-flavored call sites.
func DPanic(msg string)               { L().Error(msg) }
func DPanicf(format string, a ...any) { L().Error(sprintf(format, a...)) }
func DPanicw(msg string, kv ...any)   { L().Error(msg, kv...) }

// WithContext returns a logger decorated with values pulled from ctx, if any
// have been attached via ContextWithAttrs.
func WithContext(ctx context.Context) *slog.Logger {
	if attrs, ok := ctx.Value(ctxKey{}).([]any); ok {
		return L().With(attrs...)
	}
	return L()
}

type ctxKey struct{}

// ContextWithAttrs attaches key-value attribute pairs to ctx for later
// retrieval via WithContext.
func ContextWithAttrs(ctx context.Context, kv ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, kv)
}

func sprintf(format string, a ...any) string {
	if len(a) == 0 {
		return format
	}
	return fmt.Sprintf(format, a...)
}
