package rabbitmq

import (
	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// declarer is the subset of *amqp.Channel used to set up topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueName is the per-channel queue bound to the exchange, e.g. notification.events.whatsapp.
func QueueName(exchange string, ch models.Channel) string {
	return exchange + "." + ch.RoutingSegment()
}

func deadExchange(exchange string) string { return exchange + ".dlx" }

func deadQueue(queue string) string { return queue + ".dead" }

// DeclareTopology declares the topic exchange, its dead-letter exchange and, for
// every channel, a durable queue plus a parking queue for rejected messages.
// Declarations are idempotent, both publisher and consumers run it.
func DeclareTopology(d declarer, exchange string, channels ...models.Channel) error {
	if exchange == "" {
		exchange = messages.DefaultExchange
	}
	if err := d.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", exchange)
	}
	dlx := deadExchange(exchange)
	if err := d.ExchangeDeclare(dlx, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", dlx)
	}

	for _, ch := range channels {
		q := QueueName(exchange, ch)
		pattern := messages.BindingPattern(ch)

		if _, err := d.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": dlx,
		}); err != nil {
			return errors.Wrapf(err, "declare queue %s", q)
		}
		if err := d.QueueBind(q, pattern, exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind queue %s", q)
		}

		dq := deadQueue(q)
		if _, err := d.QueueDeclare(dq, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare queue %s", dq)
		}
		// dead-lettered messages keep their routing key
		if err := d.QueueBind(dq, pattern, dlx, false, nil); err != nil {
			return errors.Wrapf(err, "bind queue %s", dq)
		}
	}
	return nil
}
