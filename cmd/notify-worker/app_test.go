package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/BearBump/TrackSync/internal/integrations/channel/email"
	"github.com/BearBump/TrackSync/internal/integrations/channel/telegram"
	"github.com/BearBump/TrackSync/internal/integrations/channel/whatsapp"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	ch models.Channel

	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Channel() models.Channel { return s.ch }

func (s *recordingSender) Render(id channel.TemplateID, p messages.Payload) (string, string, error) {
	txt, err := channel.RenderChat(id, p)
	return txt, "", err
}

func (s *recordingSender) Send(ctx context.Context, ev messages.NotificationEvent, content, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev.MessageID.String())
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// sliceSource hands out its envelopes once, then waits for cancellation.
type sliceSource struct {
	envs    []messages.Envelope
	mu      sync.Mutex
	results []error
	closed  bool
}

func (s *sliceSource) Consume(ctx context.Context, handler messages.Handler) error {
	for _, env := range s.envs {
		err := handler(ctx, env)
		s.mu.Lock()
		s.results = append(s.results, err)
		s.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func event(t *testing.T, id uuid.UUID, ch models.Channel) messages.Envelope {
	t.Helper()
	body, err := messages.Encode(messages.NotificationEvent{
		MessageID:    id,
		EventType:    messages.EventTrackingStatusUpdated,
		Channel:      ch,
		UserID:       uuid.New(),
		Recipient:    "42",
		TemplateCode: messages.TemplateTrackingStatus,
		Payload:      messages.Payload{WaybillID: "WB1", Status: "delivered", Courier: "jne"},
	})
	require.NoError(t, err)
	key, err := messages.RoutingKey(messages.EventTrackingStatusUpdated, ch)
	require.NoError(t, err)
	return messages.Envelope{RoutingKey: key, MessageID: id, Body: body}
}

func TestRunNotifyWorker_DeliversAndDedups(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Sanitize()
	cfg.Notify.HTTPAddr = ""
	cfg.Notify.Channels = []string{"telegram"}

	id := uuid.New()
	src := &sliceSource{envs: []messages.Envelope{
		event(t, id, models.ChannelTelegram),
		event(t, id, models.ChannelTelegram),
		{RoutingKey: "notification.tracking_added.telegram", Body: []byte("{garbage")},
	}}
	sender := &recordingSender{ch: models.ChannelTelegram}

	f := notifyFactories{
		newDeduper: func(cfg *config.Config) (deduper, func(), error) {
			return rediscache.NewDeliveredSet(rediscache.NewClient(mr.Addr(), "", 0), ""), func() {}, nil
		},
		newSender: func(cfg *config.Config, ch models.Channel) (channel.Sender, error) { return sender, nil },
		newSources: func(cfg *config.Config, chs []models.Channel, log *logging.Logger) (map[models.Channel]eventSource, func(), error) {
			require.Equal(t, []models.Channel{models.ChannelTelegram}, chs)
			return map[models.Channel]eventSource{models.ChannelTelegram: src}, func() { _ = src.Close() }, nil
		},
		newMetrics: metrics.NewNop,
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunNotifyWorker(ctx, cfg, f) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.results) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, 1, sender.count())
	require.NoError(t, src.results[0])
	require.NoError(t, src.results[1])
	require.Error(t, src.results[2])
	require.True(t, src.closed)
}

func TestRunNotifyWorker_BadChannel(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sanitize()
	cfg.Notify.Channels = []string{"sms"}

	err := RunNotifyWorker(context.Background(), cfg, defaultNotifyFactories())
	require.Error(t, err)
}

func TestNewSender(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sanitize()

	_, err := newSender(cfg, models.ChannelEmail)
	require.Error(t, err)
	_, err = newSender(cfg, models.ChannelTelegram)
	require.Error(t, err)

	cfg.SMTP.Host, cfg.SMTP.From = "smtp.local", "noreply@example.com"
	cfg.WhatsApp.BaseURL = "http://waha:3000"
	cfg.Telegram.Token = "t"

	s, err := newSender(cfg, models.ChannelEmail)
	require.NoError(t, err)
	require.IsType(t, &email.Sender{}, s)
	s, err = newSender(cfg, models.ChannelWhatsApp)
	require.NoError(t, err)
	require.IsType(t, &whatsapp.Sender{}, s)
	s, err = newSender(cfg, models.ChannelTelegram)
	require.NoError(t, err)
	require.IsType(t, &telegram.Sender{}, s)
}

func TestParseChannels(t *testing.T) {
	chs, err := parseChannels([]string{"email", "EMAIL", "whatsapp"})
	require.NoError(t, err)
	require.Equal(t, []models.Channel{models.ChannelEmail, models.ChannelWhatsApp}, chs)

	_, err = parseChannels(nil)
	require.Error(t, err)
	require.Equal(t, "notification-service.email", groupID("notification-service", models.ChannelEmail))
}

func TestOpsRouter(t *testing.T) {
	var readyErr error
	srv := httptest.NewServer(newOpsRouter(func(ctx context.Context) error { return readyErr }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	readyErr = errors.New("redis down")
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
