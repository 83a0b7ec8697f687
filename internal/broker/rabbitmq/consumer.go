package rabbitmq

import (
	"context"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads the per-channel queue. Handler success acks; a handler error
// rejects without requeue, so the message lands in the dead queue via the DLX.
type Consumer struct {
	ch       *amqp.Channel
	queue    string
	prefetch int
	log      *logging.Logger
}

func NewConsumer(conn *amqp.Connection, exchange string, channel models.Channel, prefetch int, log *logging.Logger) (*Consumer, error) {
	if exchange == "" {
		exchange = messages.DefaultExchange
	}
	if prefetch <= 0 {
		prefetch = 16
	}
	if log == nil {
		log = logging.Default()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "amqp channel")
	}
	if err := DeclareTopology(ch, exchange, channel); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "amqp qos")
	}
	return &Consumer{ch: ch, queue: QueueName(exchange, channel), prefetch: prefetch, log: log}, nil
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}

func (c *Consumer) Consume(ctx context.Context, handler messages.Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.Errorf("delivery channel for %s closed", c.queue)
			}
			if err := handleDelivery(ctx, d, handler, c.log); err != nil {
				return err
			}
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, handler messages.Handler, log *logging.Logger) error {
	env := messages.Envelope{RoutingKey: d.RoutingKey, Body: d.Body}
	if id, err := uuid.Parse(d.MessageId); err == nil {
		env.MessageID = id
	}

	if herr := handler(ctx, env); herr != nil {
		if ctx.Err() != nil {
			// вернётся в очередь после закрытия канала
			return ctx.Err()
		}
		log.Warn("message dead-lettered", "routing_key", d.RoutingKey, "message_id", d.MessageId, "err", herr)
		if err := d.Nack(false, false); err != nil {
			return errors.Wrap(err, "amqp nack")
		}
		return nil
	}
	if err := d.Ack(false); err != nil {
		return errors.Wrap(err, "amqp ack")
	}
	return nil
}
