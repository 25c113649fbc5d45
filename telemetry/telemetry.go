// Package telemetry provides the logging, metrics, and tracing interfaces
// used throughout the gateway, participant runtime, and bridge. Concrete
// implementations are backed by goa.design/clue/log and
// go.opentelemetry.io/otel; a noop implementation is used when none is
// configured.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger is the structured logging interface shared by every component.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, gauges, and timers.
	Metrics interface {
		IncCounter(name string, value int64, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is a started trace span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, keyvals ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Noop returns a Logger/Metrics/Tracer triple that discards everything,
// the default when a gateway or participant is constructed without explicit
// telemetry options.
func Noop() (Logger, Metrics, Tracer) {
	return noopLogger{}, noopMetrics{}, noopTracer{}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, int64, ...string)            {}
func (noopMetrics) RecordGauge(string, float64, ...string)         {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(...trace.SpanEndOption)             {}
func (noopSpan) AddEvent(string, ...any)                {}
func (noopSpan) SetStatus(codes.Code, string)           {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
