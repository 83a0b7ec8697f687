package channel

import (
	"testing"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestResolveTemplate(t *testing.T) {
	cases := []struct {
		event string
		ch    models.Channel
		want  TemplateID
	}{
		{messages.EventTrackingAdded, models.ChannelEmail, TrackingAddedEmail},
		{messages.EventTrackingAdded, models.ChannelWhatsApp, TrackingAddedWhatsApp},
		{messages.EventTrackingAdded, models.ChannelTelegram, TrackingAddedTelegram},
		{messages.EventTrackingStatusUpdated, models.ChannelEmail, TrackingStatusUpdatedEmail},
		{messages.EventTrackingStatusUpdated, models.ChannelWhatsApp, TrackingStatusUpdatedWhatsApp},
		{messages.EventTrackingStatusUpdated, models.ChannelTelegram, TrackingStatusUpdatedTelegram},
	}
	for _, tc := range cases {
		got, err := ResolveTemplate(tc.event, tc.ch)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := ResolveTemplate("tracking.deleted", models.ChannelEmail)
	require.ErrorIs(t, err, ErrUnsupportedTemplate)
	_, err = ResolveTemplate(messages.EventTrackingAdded, models.Channel("SMS"))
	require.ErrorIs(t, err, ErrUnsupportedTemplate)
}

func TestRenderEmail(t *testing.T) {
	p := messages.Payload{WaybillID: "WB1", Status: "in_transit", Courier: "jne"}

	body, subject, err := RenderEmail(TrackingStatusUpdatedEmail, p)
	require.NoError(t, err)
	require.Equal(t, "Your Shipment Status Has Been Updated", subject)
	require.Contains(t, body, "WB1")
	require.Contains(t, body, "IN_TRANSIT")
	require.Contains(t, body, "JNE")

	_, subject, err = RenderEmail(TrackingAddedEmail, p)
	require.NoError(t, err)
	require.Equal(t, "Your Shipment Is On Tracking", subject)

	_, _, err = RenderEmail(TrackingAddedWhatsApp, p)
	require.ErrorIs(t, err, ErrUnsupportedTemplate)
}

func TestRenderEmail_EscapesHTML(t *testing.T) {
	body, _, err := RenderEmail(TrackingAddedEmail, messages.Payload{WaybillID: "<script>", Status: "x", Courier: "y"})
	require.NoError(t, err)
	require.NotContains(t, body, "<script>")
}

func TestRenderChat(t *testing.T) {
	p := messages.Payload{WaybillID: "WB9", Status: "delivered", Courier: "sicepat"}

	txt, err := RenderChat(TrackingStatusUpdatedWhatsApp, p)
	require.NoError(t, err)
	require.Contains(t, txt, "WB9")
	require.Contains(t, txt, "DELIVERED")
	require.Contains(t, txt, "SICEPAT")

	txt2, err := RenderChat(TrackingStatusUpdatedTelegram, p)
	require.NoError(t, err)
	require.Equal(t, txt, txt2)

	_, err = RenderChat(TrackingAddedEmail, p)
	require.ErrorIs(t, err, ErrUnsupportedTemplate)
}

func TestPermanent(t *testing.T) {
	require.Nil(t, Permanent(nil))

	base := errors.New("bad recipient")
	err := errors.Wrap(Permanent(base), "send")
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsPermanent(base))
}
