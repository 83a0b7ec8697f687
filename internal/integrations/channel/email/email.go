package email

import (
	"context"
	"net/mail"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
	gomail "gopkg.in/gomail.v2"
)

// Dialer is the part of *gomail.Dialer the sender uses.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Sender struct {
	dialer Dialer
	from   string
}

func New(host string, port int, username, password, from string) *Sender {
	return NewWithDialer(gomail.NewDialer(host, port, username, password), from)
}

func NewWithDialer(d Dialer, from string) *Sender {
	return &Sender{dialer: d, from: from}
}

func (s *Sender) Channel() models.Channel { return models.ChannelEmail }

func (s *Sender) Render(id channel.TemplateID, p messages.Payload) (string, string, error) {
	return channel.RenderEmail(id, p)
}

func (s *Sender) Send(ctx context.Context, ev messages.NotificationEvent, content, subject string) error {
	if _, err := mail.ParseAddress(ev.Recipient); err != nil {
		return channel.Permanent(errors.Wrapf(err, "invalid email recipient %q", ev.Recipient))
	}
	// gomail не умеет в context, проверяем хотя бы перед отправкой
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", ev.Recipient)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", content)

	if err := s.dialer.DialAndSend(m); err != nil {
		return errors.Wrap(err, "smtp send")
	}
	return nil
}
