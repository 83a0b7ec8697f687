package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Sender talks to a WAHA instance (https://waha.devlike.pro).
type Sender struct {
	baseURL string
	apiKey  string
	session string
	httpc   *http.Client
	limiter *rate.Limiter
}

// New: perSecond <= 0 отключает троттлинг.
func New(baseURL, apiKey, session string, perSecond float64) *Sender {
	if session == "" {
		session = "default"
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Sender{
		baseURL: baseURL,
		apiKey:  apiKey,
		session: session,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: lim,
	}
}

func (s *Sender) Channel() models.Channel { return models.ChannelWhatsApp }

func (s *Sender) Render(id channel.TemplateID, p messages.Payload) (string, string, error) {
	txt, err := channel.RenderChat(id, p)
	return txt, "", err
}

type sendTextReq struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

// ChatID turns a phone number into a WAHA chat id: digits only, "@c.us" suffix.
func ChatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@c.us"
}

func (s *Sender) Send(ctx context.Context, ev messages.NotificationEvent, content, _ string) error {
	if ChatID(ev.Recipient) == "@c.us" {
		return channel.Permanent(errors.Errorf("invalid whatsapp recipient %q", ev.Recipient))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "whatsapp throttle")
	}

	body, err := sonic.Marshal(sendTextReq{ChatID: ChatID(ev.Recipient), Text: content, Session: s.session})
	if err != nil {
		return errors.Wrap(err, "marshal sendText")
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u = u.JoinPath("api", "sendText")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("waha http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("waha rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return channel.Permanent(errors.New("waha unauthorized"))
	case resp.StatusCode >= 400:
		return channel.Permanent(fmt.Errorf("waha http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return nil
}
