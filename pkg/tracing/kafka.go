package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceContext appends the trace context of ctx to Kafka record
// headers. The input slice is not modified.
func InjectTraceContext(ctx context.Context, headers []sarama.RecordHeader) []sarama.RecordHeader {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)

	out := make([]sarama.RecordHeader, len(headers), len(headers)+len(carrier))
	copy(out, headers)
	for k, v := range carrier {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

// ExtractTraceContext restores the trace context from Kafka record headers.
func ExtractTraceContext(ctx context.Context, headers []*sarama.RecordHeader) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		if h != nil {
			carrier[string(h.Key)] = string(h.Value)
		}
	}
	return propagator.Extract(ctx, carrier)
}
