package channel

import (
	"context"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
)

type TemplateID string

const (
	TrackingAddedEmail    TemplateID = "tracking_added_email"
	TrackingAddedWhatsApp TemplateID = "tracking_added_whatsapp"
	TrackingAddedTelegram TemplateID = "tracking_added_telegram"

	TrackingStatusUpdatedEmail    TemplateID = "tracking_status_updated_email"
	TrackingStatusUpdatedWhatsApp TemplateID = "tracking_status_updated_whatsapp"
	TrackingStatusUpdatedTelegram TemplateID = "tracking_status_updated_telegram"
)

var ErrUnsupportedTemplate = errors.New("unsupported template")

// Sender renders a template and delivers the result over one channel.
type Sender interface {
	Channel() models.Channel
	Render(id TemplateID, p messages.Payload) (content, subject string, err error)
	Send(ctx context.Context, ev messages.NotificationEvent, content, subject string) error
}

// ResolveTemplate picks the template for (event_type, channel).
func ResolveTemplate(eventType string, ch models.Channel) (TemplateID, error) {
	switch eventType {
	case messages.EventTrackingAdded:
		switch ch {
		case models.ChannelEmail:
			return TrackingAddedEmail, nil
		case models.ChannelWhatsApp:
			return TrackingAddedWhatsApp, nil
		case models.ChannelTelegram:
			return TrackingAddedTelegram, nil
		}
	case messages.EventTrackingStatusUpdated:
		switch ch {
		case models.ChannelEmail:
			return TrackingStatusUpdatedEmail, nil
		case models.ChannelWhatsApp:
			return TrackingStatusUpdatedWhatsApp, nil
		case models.ChannelTelegram:
			return TrackingStatusUpdatedTelegram, nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedTemplate, "%s/%s", eventType, ch)
}

// permanentError marks a delivery failure that must not be retried (bad recipient, auth).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
