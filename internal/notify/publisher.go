// Package notify forwards recorded appointment events to Kafka. Delivery is
// at-least-once and never feeds back into the transition that produced the
// event.
package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/appointment"
)

// Outbox hands out unpublished events in batches.
type Outbox interface {
	PublishPending(ctx context.Context, limit int, send func(ctx context.Context, events []appointment.EventLog) error) (int, error)
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	outbox    Outbox
	writer    MessageWriter
	logger    *zap.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(outbox Outbox, writer MessageWriter, logger *zap.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		outbox:    outbox,
		writer:    writer,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

// NewKafkaWriter returns a writer that routes each event to the topic named
// after its type, keyed by appointment so one appointment's events stay ordered.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.Hash{},
	})
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("closing kafka writer", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PublishOnce(ctx)
			if err != nil {
				p.logger.Error("outbox publish failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("published events", zap.Int("count", n))
			}
		}
	}
}

// PublishOnce drains batches until the outbox is empty or an error occurs.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.outbox.PublishPending(ctx, p.batchSize, p.send)
		total += n
		if err != nil {
			return total, err
		}
		if n < p.batchSize {
			return total, nil
		}
	}
}

func (p *Publisher) send(ctx context.Context, events []appointment.EventLog) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msgs = append(msgs, toMessage(ctx, ev))
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func toMessage(ctx context.Context, ev appointment.EventLog) kafka.Message {
	var key []byte
	if ev.AppointmentID != nil {
		key = []byte(ev.AppointmentID.String())
	}
	msg := kafka.Message{
		Topic: ev.EventType,
		Key:   key,
		Value: ev.Payload,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(strconv.FormatInt(ev.ID, 10))},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}
	carrier := &headerCarrier{headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.headers
	return msg
}

type headerCarrier struct {
	headers []kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)
