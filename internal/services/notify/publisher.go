package notify

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

// StageStore is the transactional surface Stage writes through.
type StageStore interface {
	ListSubscriptions(ctx context.Context, shipmentID uuid.UUID) ([]models.ShipmentSubscription, error)
	GetUserContacts(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]models.UserContact, error)
	InsertOutbox(ctx context.Context, m models.OutboxMessage) error
}

// Broker delivers an envelope and returns once the broker confirmed it.
type Broker interface {
	Publish(ctx context.Context, env messages.Envelope) error
}

type ShipmentRef struct {
	ID          uuid.UUID
	WaybillID   string
	CourierCode string
}

type Publisher struct {
	broker         Broker
	confirmTimeout time.Duration
	log            *logging.Logger
	m              *metrics.Metrics
	now            func() time.Time
	newID          func() uuid.UUID
}

func NewPublisher(b Broker, confirmTimeout time.Duration, log *logging.Logger, m *metrics.Metrics) *Publisher {
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Publisher{
		broker:         b,
		confirmTimeout: confirmTimeout,
		log:            log,
		m:              m,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.New,
	}
}

// Stage builds one event per (subscription, channel) and writes it to the outbox
// inside the caller's transaction. Returned ids are handed to the relay after commit.
// For tracking.status_updated only subscriptions that asked for status are used.
func (p *Publisher) Stage(ctx context.Context, store StageStore, ref ShipmentRef, status models.Status, eventType string) ([]uuid.UUID, error) {
	subs, err := store.ListSubscriptions(ctx, ref.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list subscriptions")
	}

	matched := make([]models.ShipmentSubscription, 0, len(subs))
	userIDs := make([]uuid.UUID, 0, len(subs))
	for _, sub := range subs {
		if eventType == messages.EventTrackingStatusUpdated && !sub.Wants(status) {
			continue
		}
		matched = append(matched, sub)
		userIDs = append(userIDs, sub.UserID)
	}
	if len(matched) == 0 {
		return nil, nil
	}

	contacts, err := store.GetUserContacts(ctx, userIDs)
	if err != nil {
		return nil, errors.Wrap(err, "get user contacts")
	}

	now := p.now()
	var ids []uuid.UUID
	for _, sub := range matched {
		contact := contacts[sub.UserID]
		for _, ch := range sub.SubscribedChannels {
			recipient, ok := contact.Address(ch)
			if !ok {
				p.log.Warn("no address for channel, skipping", "user_id", sub.UserID, "channel", ch, "shipment_id", ref.ID)
				continue
			}

			key, err := messages.RoutingKey(eventType, ch)
			if err != nil {
				return nil, err
			}
			ev := messages.NotificationEvent{
				MessageID:    p.newID(),
				EventType:    eventType,
				Channel:      ch,
				UserID:       sub.UserID,
				Recipient:    recipient,
				TemplateCode: messages.TemplateTrackingStatus,
				Payload: messages.Payload{
					WaybillID: ref.WaybillID,
					Status:    status.Lower(),
					Courier:   ref.CourierCode,
				},
			}
			body, err := messages.Encode(ev)
			if err != nil {
				return nil, err
			}

			id := p.newID()
			if err := store.InsertOutbox(ctx, models.OutboxMessage{
				ID:          id,
				MessageID:   ev.MessageID,
				RoutingKey:  key,
				Payload:     body,
				Status:      models.OutboxPending,
				AvailableAt: now,
				CreatedAt:   now,
			}); err != nil {
				return nil, errors.Wrap(err, "insert outbox")
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Publish waits for the broker confirm at most confirmTimeout. A nack, a timeout
// and a transport error are all returned.
func (p *Publisher) Publish(ctx context.Context, env messages.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	if err := p.broker.Publish(ctx, env); err != nil {
		p.m.PublishErrors.WithLabelValues(env.RoutingKey).Inc()
		return errors.Wrapf(err, "publish %s", env.RoutingKey)
	}
	p.m.Published.WithLabelValues(env.RoutingKey).Inc()
	return nil
}
