package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into a zero-duration OpenTelemetry
// span: workflow/step identity as attributes, the Meta keys delay_ms,
// label, detail and cached renamed into the "beamflow.retry.",
// "beamflow.branch.", "beamflow.saga." and "beamflow.step." namespaces
// (other Meta keys keep their own names), and span status set to error
// when Meta carries one.
type OTelEmitter struct {
	tracer trace.Tracer
}

func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.EventType)
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(context.Background(), event.EventType)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush force-flushes the global tracer provider if it supports it
// (the SDK provider does; the default no-op provider doesn't).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("beamflow.workflow_id", event.WorkflowID),
		attribute.String("beamflow.event_type", event.EventType),
	)
	if event.StepID != "" {
		span.SetAttributes(attribute.String("beamflow.step_id", event.StepID))
	}
	if event.Attempt > 0 {
		span.SetAttributes(attribute.Int("beamflow.retry.attempt", event.Attempt))
	}

	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute(metaKey(key), value))
	}

	reason, ok := event.Meta["reason"].(string)
	if !ok {
		reason, ok = event.Meta["error"].(string)
	}
	if ok {
		span.SetStatus(codes.Error, reason)
		span.RecordError(fmt.Errorf("%s", reason))
	}
}

// metaKey maps the Meta keys actor.publishEvent actually fills in onto
// a beamflow.{retry,branch,saga}.* namespace; unrecognized keys pass
// through unqualified.
func metaKey(key string) string {
	switch key {
	case "delay_ms":
		return "beamflow.retry.delay_ms"
	case "label":
		return "beamflow.branch.label"
	case "detail":
		return "beamflow.saga.detail"
	case "cached":
		return "beamflow.step.cached"
	default:
		return key
	}
}

func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case time.Duration:
		return attribute.Int64(key, int64(v/time.Millisecond))
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
