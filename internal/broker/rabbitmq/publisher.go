package rabbitmq

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNacked = errors.New("broker nacked publish")

// confirmer publishes one message and waits for the broker confirm.
type confirmer interface {
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
	Close() error
}

type channelConfirmer struct {
	ch *amqp.Channel
}

func (c channelConfirmer) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return false, err
	}
	return dc.WaitContext(ctx)
}

func (c channelConfirmer) Close() error { return c.ch.Close() }

// Publisher keeps a small pool of confirm-mode channels over one connection.
// A channel that failed is closed and replaced on the next acquire.
type Publisher struct {
	exchange string
	open     func() (confirmer, error)
	pool     chan confirmer
	now      func() time.Time
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "amqp dial")
	}
	return conn, nil
}

func NewPublisher(conn *amqp.Connection, exchange string, poolSize int) (*Publisher, error) {
	if exchange == "" {
		exchange = messages.DefaultExchange
	}

	setup, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "amqp channel")
	}
	if err := DeclareTopology(setup, exchange, models.AllChannels...); err != nil {
		_ = setup.Close()
		return nil, err
	}
	_ = setup.Close()

	open := func() (confirmer, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, errors.Wrap(err, "amqp channel")
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, errors.Wrap(err, "amqp confirm mode")
		}
		return channelConfirmer{ch: ch}, nil
	}
	return newPublisher(exchange, poolSize, open), nil
}

func newPublisher(exchange string, poolSize int, open func() (confirmer, error)) *Publisher {
	if poolSize <= 0 {
		poolSize = 4
	}
	p := &Publisher{
		exchange: exchange,
		open:     open,
		pool:     make(chan confirmer, poolSize),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for i := 0; i < poolSize; i++ {
		p.pool <- nil
	}
	return p
}

// Publish sends a persistent message and returns only after the broker confirmed it.
func (p *Publisher) Publish(ctx context.Context, env messages.Envelope) error {
	var c confirmer
	select {
	case c = <-p.pool:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c == nil {
		var err error
		if c, err = p.open(); err != nil {
			p.pool <- nil
			return err
		}
	}

	acked, err := c.PublishConfirmed(ctx, p.exchange, env.RoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID.String(),
		Timestamp:    p.now(),
		Body:         env.Body,
	})
	if err != nil {
		// состояние канала после ошибки неизвестно, открываем новый
		_ = c.Close()
		p.pool <- nil
		return errors.Wrap(err, "amqp publish")
	}
	p.pool <- c

	if !acked {
		return errors.Wrapf(ErrNacked, "routing key %s", env.RoutingKey)
	}
	return nil
}

func (p *Publisher) Close() error {
	var firstErr error
	for i := 0; i < cap(p.pool); i++ {
		c := <-p.pool
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
