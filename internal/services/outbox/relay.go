package outbox

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Store interface {
	ClaimOutbox(ctx context.Context, ids []uuid.UUID, now time.Time, limit int, lease time.Duration) ([]*models.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, lastErr string, availableAt time.Time, dead bool) error
}

type Publisher interface {
	Publish(ctx context.Context, env messages.Envelope) error
}

type Settings struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultSettings() Settings {
	return Settings{
		Interval:    5 * time.Second,
		BatchSize:   100,
		Lease:       time.Minute,
		BaseDelay:   5 * time.Second,
		MaxDelay:    10 * time.Minute,
		MaxAttempts: 10,
	}
}

// Relay moves committed outbox rows to the broker.
type Relay struct {
	store    Store
	pub      Publisher
	settings Settings
	log      *logging.Logger
	m        *metrics.Metrics
	now      func() time.Time
}

func New(store Store, pub Publisher, log *logging.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = logging.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Relay{
		store:    store,
		pub:      pub,
		settings: DefaultSettings(),
		log:      log,
		m:        m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Relay) WithSettings(s Settings) *Relay {
	d := DefaultSettings()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.Lease <= 0 {
		s.Lease = d.Lease
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = d.BaseDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	r.settings = s
	return r
}

// Flush publishes the given rows, or the oldest due rows when ids is empty.
// It returns how many rows were sent and the first publish error, if any;
// a failed row stays pending with a later available_at.
func (r *Relay) Flush(ctx context.Context, ids ...uuid.UUID) (int, error) {
	limit := r.settings.BatchSize
	if len(ids) > 0 {
		limit = len(ids)
	}

	rows, err := r.store.ClaimOutbox(ctx, ids, r.now(), limit, r.settings.Lease)
	if err != nil {
		return 0, err
	}

	sent := 0
	var firstErr error
	for _, row := range rows {
		err := r.pub.Publish(ctx, messages.Envelope{
			RoutingKey: row.RoutingKey,
			MessageID:  row.MessageID,
			Body:       row.Payload,
		})
		if err == nil {
			if merr := r.store.MarkOutboxSent(ctx, row.ID, r.now()); merr != nil {
				// сообщение уже у брокера, повторная отправка даст дубль, его отсеет консьюмер
				r.log.Error("mark outbox sent", "id", row.ID, "err", merr)
			}
			r.m.OutboxSent.Inc()
			sent++
			continue
		}

		if firstErr == nil {
			firstErr = err
		}
		if merr := r.fail(ctx, row, err); merr != nil {
			r.log.Error("mark outbox failed", "id", row.ID, "err", merr)
		}
	}
	return sent, firstErr
}

func (r *Relay) fail(ctx context.Context, row *models.OutboxMessage, cause error) error {
	attempts := row.Attempts + 1
	dead := attempts >= r.settings.MaxAttempts
	if dead {
		r.m.OutboxDead.Inc()
		r.log.Error("outbox message is dead", "id", row.ID, "routing_key", row.RoutingKey, "attempts", attempts, "err", cause)
	} else {
		r.m.OutboxFailed.Inc()
		r.log.Warn("outbox publish failed", "id", row.ID, "routing_key", row.RoutingKey, "attempts", attempts, "err", cause)
	}
	return errors.WithStack(r.store.MarkOutboxFailed(ctx, row.ID, cause.Error(), r.now().Add(r.Delay(attempts)), dead))
}

// Delay is min(base * 2^(attempts-1), max).
func (r *Relay) Delay(attempts int) time.Duration {
	d := r.settings.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.settings.MaxDelay {
			return r.settings.MaxDelay
		}
	}
	if d > r.settings.MaxDelay {
		return r.settings.MaxDelay
	}
	return d
}

// Run flushes due rows every Interval until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.settings.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn("outbox flush", "sent", n, "err", err)
			} else if n > 0 {
				r.log.Debug("outbox flush", "sent", n)
			}
		}
	}
}
