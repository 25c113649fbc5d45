package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mew-space/mew/telemetry"
)

// OperationType identifies the kind of gateway operation for observability.
type OperationType string

const (
	OpAdmit  OperationType = "admit"
	OpIngest OperationType = "ingest"
	OpGrant  OperationType = "grant"
	OpRevoke OperationType = "revoke"
	OpClose  OperationType = "close"
)

// OperationOutcome is the result of a gateway operation.
type OperationOutcome string

const (
	OutcomeAdmitted OperationOutcome = "admitted"
	OutcomeDenied   OperationOutcome = "denied"
	OutcomeError    OperationOutcome = "error"
)

// OperationEvent is a structured log/metric event for one gateway operation.
type OperationEvent struct {
	Operation OperationType
	Space     string
	Identity  string
	Kind      string
	Duration  time.Duration
	Outcome   OperationOutcome
	Reason    string
}

// Observability provides structured logging, metrics, and tracing for
// gateway operations, adapted from the registry package's identically shaped
// helper: one OperationEvent struct, a LogOperation/RecordOperationMetrics
// pair, and StartSpan/EndSpan for tracing.
type Observability struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// NewObservability builds an Observability, substituting noop
// implementations for any nil component.
func NewObservability(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Observability {
	if logger == nil || metrics == nil || tracer == nil {
		nl, nm, nt := telemetry.Noop()
		if logger == nil {
			logger = nl
		}
		if metrics == nil {
			metrics = nm
		}
		if tracer == nil {
			tracer = nt
		}
	}
	return &Observability{logger: logger, metrics: metrics, tracer: tracer}
}

// LogOperation emits a structured log line for one gateway operation.
func (o *Observability) LogOperation(ctx context.Context, event OperationEvent) {
	keyvals := []any{
		"operation", string(event.Operation),
		"outcome", string(event.Outcome),
		"duration_ms", event.Duration.Milliseconds(),
		"space", event.Space,
	}
	if event.Identity != "" {
		keyvals = append(keyvals, "identity", event.Identity)
	}
	if event.Kind != "" {
		keyvals = append(keyvals, "kind", event.Kind)
	}
	if event.Reason != "" {
		keyvals = append(keyvals, "reason", event.Reason)
	}

	switch event.Outcome {
	case OutcomeError:
		o.logger.Error(ctx, "gateway operation failed", keyvals...)
	case OutcomeDenied:
		o.logger.Warn(ctx, "gateway operation denied", keyvals...)
	default:
		o.logger.Info(ctx, "gateway operation completed", keyvals...)
	}
}

// RecordOperationMetrics records duration and outcome counters for event.
//
// Metrics recorded:
//   - gateway.operation.duration: histogram of operation latency
//   - gateway.operation.admitted: counter of admitted operations
//   - gateway.operation.denied: counter of denied operations
//   - gateway.operation.error: counter of errored operations
func (o *Observability) RecordOperationMetrics(event OperationEvent) {
	tags := []string{"operation", string(event.Operation), "space", event.Space}
	o.metrics.RecordTimer("gateway.operation.duration", event.Duration, tags...)
	switch event.Outcome {
	case OutcomeAdmitted:
		o.metrics.IncCounter("gateway.operation.admitted", 1, tags...)
	case OutcomeDenied:
		o.metrics.IncCounter("gateway.operation.denied", 1, tags...)
	case OutcomeError:
		o.metrics.IncCounter("gateway.operation.error", 1, tags...)
	}
}

// StartSpan starts a trace span named gateway.<operation>.
func (o *Observability) StartSpan(ctx context.Context, operation OperationType, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	}
	return o.tracer.Start(ctx, "gateway."+string(operation), opts...)
}

// EndSpan finalizes span with err, if any.
func (o *Observability) EndSpan(span telemetry.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
