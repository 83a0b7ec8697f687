package kafka

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	headerRoutingKey = "routing_key"
	headerMessageID  = "message_id"
	headerError      = "error"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes envelopes to a single topic that plays the exchange role.
// Routing key goes both to the message key and to a header.
type Producer struct {
	w     messageWriter
	topic string
}

func NewProducer(brokers []string, topic string) *Producer {
	return newProducerWithWriter(newWriter(brokers), topic)
}

func newWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func newProducerWithWriter(w messageWriter, topic string) *Producer {
	if topic == "" {
		topic = messages.DefaultExchange
	}
	return &Producer{w: w, topic: topic}
}

// Publish returns after every in-sync replica acknowledged the write.
func (p *Producer) Publish(ctx context.Context, env messages.Envelope) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(env.RoutingKey),
		Value: env.Body,
		Headers: []kafka.Header{
			{Key: headerRoutingKey, Value: []byte(env.RoutingKey)},
			{Key: headerMessageID, Value: []byte(env.MessageID.String())},
		},
	}); err != nil {
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

func (p *Producer) Close() error {
	if c, ok := p.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
