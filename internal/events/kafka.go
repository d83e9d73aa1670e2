package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xenking/kart-fulfillment/internal/events"

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, one message per event keyed
// by order id. Trace context travels in message headers.
type KafkaPublisher struct {
	w          messageWriter
	topic      string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher backed by a kafka.Writer.
func NewKafkaPublisher(cfg KafkaConfig, tp trace.TracerProvider) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg.Topic, tp), nil
}

func newKafkaPublisher(w messageWriter, topic string, tp trace.TracerProvider) *KafkaPublisher {
	return &KafkaPublisher{
		w:          w,
		topic:      topic,
		tracer:     tp.Tracer(instrumentationName),
		propagator: propagation.TraceContext{},
	}
}

// Publish encodes e and writes it synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, span := p.tracer.Start(ctx, "events.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("event.type", string(e.Type)),
			attribute.String("order.id", e.OrderID),
		),
	)
	defer span.End()

	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	enc := jx.GetEncoder()
	defer jx.PutEncoder(enc)
	e.Encode(enc)

	carrier := propagation.MapCarrier{}
	p.propagator.Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier)+1)
	headers = append(headers, kafka.Header{Key: "event_type", Value: []byte(e.Type)})
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(e.OrderID),
		Value:   append([]byte(nil), enc.Bytes()...),
		Headers: headers,
		Time:    e.OccurredAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrapf(err, "write %s event", e.Type)
	}
	return nil
}

// Close flushes pending writes and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
