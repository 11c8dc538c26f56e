package tracing

import (
	"errors"
	"strings"

	"github.com/gxo-labs/runway/internal/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer used for engine spans.
const TracerName = "github.com/gxo-labs/runway/engine"

// Span attribute keys.
const (
	AttrExecutionID = attribute.Key("runway.execution.id")
	AttrWorkflowID  = attribute.Key("runway.workflow.id")
	AttrNodeID      = attribute.Key("runway.node.id")
	AttrNodeType    = attribute.Key("runway.node.type")
	AttrStatus      = attribute.Key("runway.status")
)

// RecordErrorWithContext records err on span with keyword-marked values
// masked. It does nothing when err is nil or the span is not recording.
func RecordErrorWithContext(span oteltrace.Span, err error, keywords map[string]struct{}) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := template.RedactSecretsInString(err.Error(), keywords)
	span.RecordError(errors.New(msg), oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, msg)
}

// RedactAttributes masks attribute values whose key matches a keyword.
func RedactAttributes(attrs []attribute.KeyValue, keywords map[string]struct{}) []attribute.KeyValue {
	if len(keywords) == 0 || len(attrs) == 0 {
		return attrs
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if _, redact := keywords[strings.ToLower(string(kv.Key))]; redact {
			out = append(out, attribute.String(string(kv.Key), "[REDACTED]"))
			continue
		}
		out = append(out, kv)
	}
	return out
}
