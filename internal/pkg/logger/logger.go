// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

var (
	base     zerolog.Logger
	initOnce sync.Once
)

func init() {
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the process-wide base logger. Only the first call takes effect.
func Init(service, level string, pretty bool) {
	initOnce.Do(func() {
		var w io.Writer = os.Stdout
		if pretty {
			w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil || level == "" {
			lvl = zerolog.InfoLevel
		}
		zerolog.TimeFieldFormat = time.RFC3339Nano
		base = zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
	})
}

// WithContext stores a logger in ctx, e.g. one carrying a request id.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// With returns a child context whose logger carries an extra string field.
func With(ctx context.Context, key, value string) context.Context {
	l := fromContext(ctx).With().Str(key, value).Logger()
	return WithContext(ctx, l)
}

// Ctx returns the logger for ctx, annotated with the active span's trace and span ids.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := fromContext(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &l
}

// L is the base logger, for code paths that have no context yet.
func L() *zerolog.Logger {
	return &base
}

func fromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return base
}
