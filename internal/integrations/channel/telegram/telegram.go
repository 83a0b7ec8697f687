package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Sender posts messages through the Bot API sendMessage method.
type Sender struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(baseURL, token string) *Sender {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Sender{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Sender) Channel() models.Channel { return models.ChannelTelegram }

func (s *Sender) Render(id channel.TemplateID, p messages.Payload) (string, string, error) {
	txt, err := channel.RenderChat(id, p)
	return txt, "", err
}

type sendMessageReq struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResp struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (s *Sender) Send(ctx context.Context, ev messages.NotificationEvent, content, _ string) error {
	if ev.Recipient == "" {
		return channel.Permanent(errors.New("empty telegram chat id"))
	}
	body, err := sonic.Marshal(sendMessageReq{ChatID: ev.Recipient, Text: content})
	if err != nil {
		return errors.Wrap(err, "marshal sendMessage")
	}

	// токен — часть пути, в логи URL не пишем
	endpoint := s.baseURL + "/bot" + s.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.New("telegram: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return errors.New("telegram: request failed")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var ar apiResp
	_ = sonic.Unmarshal(raw, &ar)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, ar.Description)
	case resp.StatusCode >= 400:
		return channel.Permanent(fmt.Errorf("telegram http %d: %s", resp.StatusCode, ar.Description))
	case !ar.OK:
		return fmt.Errorf("telegram: not ok: %s", ar.Description)
	}
	return nil
}
