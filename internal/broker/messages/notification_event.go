package messages

import (
	"context"
	"strings"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	EventTrackingAdded         = "tracking.added"
	EventTrackingStatusUpdated = "tracking.status_updated"

	TemplateTrackingStatus = "TRACKING_STATUS"

	DefaultExchange = "notification.events"
)

// NotificationEvent is the body published on the notification exchange.
type NotificationEvent struct {
	MessageID    uuid.UUID      `json:"message_id"`
	EventType    string         `json:"event_type"`
	Channel      models.Channel `json:"channel"`
	UserID       uuid.UUID      `json:"user_id"`
	Recipient    string         `json:"recipient"`
	TemplateCode string         `json:"template_code"`
	Payload      Payload        `json:"payload"`
}

type Payload struct {
	WaybillID string `json:"waybill_id"`
	Status    string `json:"status"`
	Courier   string `json:"courier"`
}

// Envelope is what a broker actually ships: routing key, id for dedup, encoded body.
type Envelope struct {
	RoutingKey string
	MessageID  uuid.UUID
	Body       []byte
}

func Encode(ev NotificationEvent) ([]byte, error) {
	b, err := sonic.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "marshal notification event")
	}
	return b, nil
}

func Decode(b []byte) (NotificationEvent, error) {
	var ev NotificationEvent
	if err := sonic.Unmarshal(b, &ev); err != nil {
		return NotificationEvent{}, errors.Wrap(err, "unmarshal notification event")
	}
	if ev.MessageID == uuid.Nil {
		return NotificationEvent{}, errors.New("notification event without message_id")
	}
	return ev, nil
}

// RoutingKey builds notification.<kind>.<channel> for an event type.
func RoutingKey(eventType string, ch models.Channel) (string, error) {
	var kind string
	switch eventType {
	case EventTrackingAdded:
		kind = "tracking_added"
	case EventTrackingStatusUpdated:
		kind = "tracking_status_changed"
	default:
		return "", errors.Errorf("unknown event type %q", eventType)
	}
	return "notification." + kind + "." + ch.RoutingSegment(), nil
}

// BindingPattern is the per-channel queue binding on the topic exchange.
func BindingPattern(ch models.Channel) string {
	return "notification.*." + ch.RoutingSegment()
}

// MatchRoutingKey implements AMQP topic matching: "*" is exactly one word, "#" is zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}

// Handler processes one envelope. A non-nil error means the message is dead and
// goes to the broker's dead-letter destination; nil acknowledges it.
type Handler func(ctx context.Context, env Envelope) error
