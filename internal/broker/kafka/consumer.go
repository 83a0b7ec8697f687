package kafka

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the exchange topic in its own group. Each channel worker uses a
// separate group and a binding pattern, which gives it a private copy of the stream.
type Consumer struct {
	r        messageReader
	pattern  string
	dlq      messageWriter
	dlqTopic string
	log      *logging.Logger
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		StartOffset:       kafka.FirstOffset,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	c := newConsumerWithReader(kafka.NewReader(cfg))
	c.dlqTopic = topic + ".dlq"
	return c
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r, log: logging.Default()}
}

// WithFilter skips (and commits) messages whose routing key does not match pattern.
func (c *Consumer) WithFilter(pattern string) *Consumer {
	c.pattern = pattern
	return c
}

// WithDeadLetter sends messages the handler gave up on to <topic>.dlq.
func (c *Consumer) WithDeadLetter(brokers []string) *Consumer {
	c.dlq = newWriter(brokers)
	return c
}

func (c *Consumer) WithLogger(l *logging.Logger) *Consumer {
	if l != nil {
		c.log = l
	}
	return c
}

func (c *Consumer) Close() error {
	err := c.r.Close()
	if w, ok := c.dlq.(interface{ Close() error }); ok {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Consumer) Consume(ctx context.Context, handler messages.Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}

		env := envelopeOf(msg)
		if c.pattern != "" && !messages.MatchRoutingKey(c.pattern, env.RoutingKey) {
			if err := c.r.CommitMessages(ctx, msg); err != nil {
				return errors.Wrap(err, "commit message")
			}
			continue
		}

		if herr := handler(ctx, env); herr != nil {
			if ctx.Err() != nil {
				// не коммитим: после рестарта сообщение придёт снова
				return ctx.Err()
			}
			if err := c.deadLetter(ctx, msg, herr); err != nil {
				// Важно: commit делаем только когда сообщение где-то сохранено, иначе потеряем его.
				return err
			}
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.dlq == nil {
		c.log.Warn("dropping message without dead-letter topic", "offset", msg.Offset, "err", cause)
		return nil
	}
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers, kafka.Header{Key: headerError, Value: []byte(cause.Error())})
	if err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic:   c.dlqTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}); err != nil {
		return errors.Wrap(err, "kafka dead-letter")
	}
	c.log.Warn("message dead-lettered", "topic", c.dlqTopic, "offset", msg.Offset, "err", cause)
	return nil
}

func envelopeOf(msg kafka.Message) messages.Envelope {
	env := messages.Envelope{RoutingKey: string(msg.Key), Body: msg.Value}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerRoutingKey:
			env.RoutingKey = string(h.Value)
		case headerMessageID:
			if id, err := uuid.ParseBytes(h.Value); err == nil {
				env.MessageID = id
			}
		}
	}
	return env
}
