package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/dispatch/pkg/tracing"
)

// KafkaPublisher writes events through a sarama async producer. Start must
// be called before Publish so the result channels are drained.
type KafkaPublisher struct {
	producer  sarama.AsyncProducer
	topic     string
	log       *slog.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
	tracer    *tracing.Tracer
}

// NewAsyncProducer builds the sarama producer used by KafkaPublisher.
func NewAsyncProducer(brokers []string, clientID string) (sarama.AsyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.ClientID = clientID
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return p, nil
}

func NewKafkaPublisher(producer sarama.AsyncProducer, topic string, log *slog.Logger) (*KafkaPublisher, error) {
	if producer == nil || log == nil {
		return nil, fmt.Errorf("kafka publisher: nil dependencies provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic must not be empty")
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log.With("layer", "events", "component", "kafka_publisher"),
		tracer:   tracing.NewTracer(otel.Tracer("dispatch/events")),
	}, nil
}

// Start launches the success and error drain goroutines. They exit when
// the producer is closed.
func (p *KafkaPublisher) Start() {
	p.wg.Add(2)
	go p.handleSuccess()
	go p.handleErrors()
}

func (p *KafkaPublisher) handleSuccess() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		p.log.Debug("event delivered",
			slog.String("topic", msg.Topic),
			slog.Int("partition", int(msg.Partition)),
			slog.Int64("offset", msg.Offset))
	}
}

func (p *KafkaPublisher) handleErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.log.Error("event delivery failed",
			slog.String("topic", perr.Msg.Topic),
			slog.Any("error", perr.Err))
	}
}

// Publish queues the event keyed by app id so one app's events stay
// ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, span := p.tracer.StartProducerSpan(ctx, "events.publish",
		attribute.String(tracing.AttrAppID, e.AppID),
		attribute.String("dispatch.event", e.Event),
	)
	defer span.End()

	data, err := json.Marshal(e)
	if err != nil {
		p.tracer.RecordError(span, err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(e.AppID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now(),
		Headers: tracing.InjectTraceContext(ctx, []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(e.Event)},
		}),
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		p.tracer.RecordError(span, ctx.Err())
		p.log.Warn("publish cancelled", slog.String("event", e.Event), slog.String("app_id", e.AppID))
		return ctx.Err()
	}
}

// Close flushes pending messages and waits for the drain goroutines.
func (p *KafkaPublisher) Close() {
	p.closeOnce.Do(func() {
		p.producer.AsyncClose()
		p.wg.Wait()
		p.log.Info("kafka publisher closed")
	})
}
