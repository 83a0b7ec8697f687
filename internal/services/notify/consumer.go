package notify

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var (
	ErrMalformed    = errors.New("malformed notification event")
	ErrWrongChannel = errors.New("event channel does not match consumer")
)

// Deduper remembers message ids that were already delivered.
type Deduper interface {
	IsDelivered(ctx context.Context, messageID string) (bool, error)
	MarkDelivered(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
}

type ConsumerSettings struct {
	MaxSendAttempts int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	DedupTTL        time.Duration
}

func DefaultConsumerSettings() ConsumerSettings {
	return ConsumerSettings{
		MaxSendAttempts: 5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		DedupTTL:        7 * 24 * time.Hour,
	}
}

// Consumer handles the events of one channel queue.
type Consumer struct {
	sender   channel.Sender
	dedup    Deduper
	settings ConsumerSettings
	log      *logging.Logger
	m        *metrics.Metrics
}

func NewConsumer(sender channel.Sender, dedup Deduper, log *logging.Logger, m *metrics.Metrics) *Consumer {
	if log == nil {
		log = logging.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Consumer{
		sender:   sender,
		dedup:    dedup,
		settings: DefaultConsumerSettings(),
		log:      log.With("channel", sender.Channel().String()),
		m:        m,
	}
}

func (c *Consumer) WithSettings(s ConsumerSettings) *Consumer {
	d := DefaultConsumerSettings()
	if s.MaxSendAttempts <= 0 {
		s.MaxSendAttempts = d.MaxSendAttempts
	}
	if s.InitialInterval <= 0 {
		s.InitialInterval = d.InitialInterval
	}
	if s.MaxInterval <= 0 {
		s.MaxInterval = d.MaxInterval
	}
	if s.DedupTTL <= 0 {
		s.DedupTTL = d.DedupTTL
	}
	c.settings = s
	return c
}

// Handle renders and sends one event. nil means ack; any error means the
// message is dead and should be dead-lettered by the broker adapter.
func (c *Consumer) Handle(ctx context.Context, env messages.Envelope) error {
	ch := c.sender.Channel()
	label := ch.String()
	c.m.Consumed.WithLabelValues(label).Inc()

	err := c.handle(ctx, env)
	if err != nil {
		c.m.DeadLettered.WithLabelValues(label).Inc()
		c.log.Error("notification failed", "routing_key", env.RoutingKey, "message_id", env.MessageID, "err", err)
	}
	return err
}

func (c *Consumer) handle(ctx context.Context, env messages.Envelope) error {
	ev, err := messages.Decode(env.Body)
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	if ev.Channel != c.sender.Channel() {
		return errors.Wrapf(ErrWrongChannel, "got %s", ev.Channel)
	}

	tmpl, err := channel.ResolveTemplate(ev.EventType, ev.Channel)
	if err != nil {
		return err
	}

	id := ev.MessageID.String()
	if c.dedup != nil {
		done, err := c.dedup.IsDelivered(ctx, id)
		if err != nil {
			// redis недоступен: отправляем без дедупа
			c.log.Warn("dedup check failed", "message_id", id, "err", err)
		} else if done {
			c.m.Duplicates.WithLabelValues(ev.Channel.String()).Inc()
			c.log.Debug("duplicate skipped", "message_id", id)
			return nil
		}
	}

	content, subject, err := c.sender.Render(tmpl, ev.Payload)
	if err != nil {
		return errors.Wrap(err, "render")
	}

	if err := c.send(ctx, ev, content, subject); err != nil {
		return err
	}
	c.m.Delivered.WithLabelValues(ev.Channel.String()).Inc()

	if c.dedup != nil {
		if _, err := c.dedup.MarkDelivered(ctx, id, c.settings.DedupTTL); err != nil {
			c.log.Warn("mark delivered failed", "message_id", id, "err", err)
		}
	}
	return nil
}

func (c *Consumer) send(ctx context.Context, ev messages.NotificationEvent, content, subject string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.settings.InitialInterval
	eb.MaxInterval = c.settings.MaxInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.settings.MaxSendAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.sender.Send(ctx, ev, content, subject)
		if err == nil {
			return nil
		}
		if channel.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("send failed, will retry", "message_id", ev.MessageID, "attempt", attempt, "err", err)
		return err
	}, b)
	if err != nil {
		return errors.Wrapf(err, "send after %d attempt(s)", attempt)
	}
	return nil
}
