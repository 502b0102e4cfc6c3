package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"

	AttrAppID          = "dispatch.app_id"
	AttrNotificationID = "dispatch.notification_id"
	AttrChannelType    = "dispatch.channel_type"
	AttrPlatform       = "dispatch.platform"
	AttrExecutionID    = "dispatch.execution_id"
	AttrStepOrder      = "dispatch.step_order"

	AttrQueueName  = "messaging.destination"
	AttrJobName    = "dispatch.job.name"
	AttrJobID      = "messaging.message.id"
	AttrJobAttempt = "dispatch.job.attempt"

	AttrMessagingSystem         = "messaging.system"
	AttrMessagingOperation      = "messaging.operation"
	AttrMessagingKafkaPartition = "messaging.kafka.partition"
	AttrMessagingKafkaOffset    = "messaging.kafka.offset"
)

// Tracer wraps an OpenTelemetry tracer with span kinds and attribute
// helpers used across the pipeline.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// StartServerSpan starts a span for an inbound request.
func (t *Tracer) StartServerSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.startSpan(ctx, operation, trace.SpanKindServer, attrs...)
}

// StartClientSpan starts a span for a call to a provider or hook.
func (t *Tracer) StartClientSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.startSpan(ctx, operation, trace.SpanKindClient, attrs...)
}

// StartProducerSpan starts a span for publishing a job or event.
func (t *Tracer) StartProducerSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.startSpan(ctx, operation, trace.SpanKindProducer, attrs...)
}

// StartConsumerSpan starts a span for processing a claimed job.
func (t *Tracer) StartConsumerSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.startSpan(ctx, operation, trace.SpanKindConsumer, attrs...)
}

func (t *Tracer) startSpan(ctx context.Context, operation string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(kind),
	)
}

// RecordError records err on the span and marks it failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (t *Tracer) AddRequestAttributes(span trace.Span, method, route string, statusCode int) {
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddDeliveryAttributes tags a span with the notification being delivered.
func (t *Tracer) AddDeliveryAttributes(span trace.Span, appID, notificationID, channel string) {
	span.SetAttributes(
		attribute.String(AttrAppID, appID),
		attribute.String(AttrNotificationID, notificationID),
		attribute.String(AttrChannelType, channel),
	)
}

func (t *Tracer) AddKafkaAttributes(span trace.Span, topic, operation string, partition int32, offset int64) {
	span.SetAttributes(
		attribute.String(AttrMessagingSystem, "kafka"),
		attribute.String(AttrQueueName, topic),
		attribute.String(AttrMessagingOperation, operation),
		attribute.Int64(AttrMessagingKafkaPartition, int64(partition)),
		attribute.Int64(AttrMessagingKafkaOffset, offset),
	)
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
