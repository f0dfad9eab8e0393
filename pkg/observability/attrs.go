package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
)

// Attribute keys shared by spans and metrics.
const (
	AttrOperation   = attribute.Key("xdomain.operation")
	AttrDomain      = attribute.Key("xdomain.domain")
	AttrLabel       = attribute.Key("xdomain.label")
	AttrExecutionID = attribute.Key("xdomain.execution_id")
	AttrResult      = attribute.Key("xdomain.result")
	AttrOutcome     = attribute.Key("xdomain.outcome")
	AttrDenyCode    = attribute.Key("xdomain.deny_code")
)

// ExecutionAttrs describes a ledger record. The execution id is left out so
// metric cardinality stays bounded.
func ExecutionAttrs(rec ledger.Record) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDomain.String(rec.Domain),
		AttrLabel.String(rec.Label),
		AttrResult.String(string(rec.Result.Kind)),
	}
}

// ExecutionID renders an id as a span attribute.
func ExecutionID(id uint64) attribute.KeyValue {
	return AttrExecutionID.String(strconv.FormatUint(id, 10))
}

// SpanFromContext returns the current span, or a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
