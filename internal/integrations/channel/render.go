package channel

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/pkg/errors"
)

//go:embed templates/*.html templates/*.txt
var templatesFS embed.FS

var funcs = map[string]any{"upper": strings.ToUpper}

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.New("").Funcs(funcs).ParseFS(templatesFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.New("").Funcs(funcs).ParseFS(templatesFS, "templates/*.txt"))
)

const (
	subjectTrackingAdded         = "Your Shipment Is On Tracking"
	subjectTrackingStatusUpdated = "Your Shipment Status Has Been Updated"
)

// RenderEmail renders the HTML body and subject for an email template.
func RenderEmail(id TemplateID, p messages.Payload) (string, string, error) {
	var name, subject string
	switch id {
	case TrackingAddedEmail:
		name, subject = "tracking_added.html", subjectTrackingAdded
	case TrackingStatusUpdatedEmail:
		name, subject = "tracking_status_updated.html", subjectTrackingStatusUpdated
	default:
		return "", "", errors.Wrapf(ErrUnsupportedTemplate, "email %s", id)
	}

	var buf bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&buf, name, p); err != nil {
		return "", "", errors.Wrapf(err, "render %s", name)
	}
	return buf.String(), subject, nil
}

// RenderChat renders the plain text used by chat channels. Chats have no subject.
func RenderChat(id TemplateID, p messages.Payload) (string, error) {
	var name string
	switch id {
	case TrackingAddedWhatsApp, TrackingAddedTelegram:
		name = "tracking_added.txt"
	case TrackingStatusUpdatedWhatsApp, TrackingStatusUpdatedTelegram:
		name = "tracking_status_updated.txt"
	default:
		return "", errors.Wrapf(ErrUnsupportedTemplate, "chat %s", id)
	}

	var buf bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&buf, name, p); err != nil {
		return "", errors.Wrapf(err, "render %s", name)
	}
	return strings.TrimSpace(buf.String()), nil
}
