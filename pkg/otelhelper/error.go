package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKindKey carries the engine's error taxonomy tag (external_action_error,
// unsupported_node_type, ...) so traces can be filtered the same way log
// entries are.
const ErrorKindKey = "careflow.error.kind"

// SetError marks the span failed and records the node evaluation error with
// the careflow attribute set.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("careflow.node_failed", trace.WithAttributes(attrs...))
}
