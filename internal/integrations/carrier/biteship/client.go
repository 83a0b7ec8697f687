package biteship

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

const codeWaybillNotFound = "40003003"

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	now     func() time.Time
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.biteship.com"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

type respHistory struct {
	Note        string    `json:"note"`
	ServiceType *string   `json:"service_type,omitempty"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type respBody struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	OrderID *string       `json:"order_id,omitempty"`
	Status  string        `json:"status"`
	History []respHistory `json:"history"`
}

type respError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int    `json:"code"`
}

// FetchTracking calls the public tracking endpoint. Description and time come from
// the latest history entry, or the response message and now when there is no history.
func (c *Client) FetchTracking(ctx context.Context, waybillID, courierCode string) (carrier.TrackingResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u = u.JoinPath("v1", "trackings", waybillID, "couriers", courierCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "read body")
	}

	if resp.StatusCode >= 500 {
		return carrier.TrackingResult{}, fmt.Errorf("biteship http %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var re respError
		if sonic.Unmarshal(body, &re) == nil && re.Error == codeWaybillNotFound {
			return carrier.TrackingResult{}, errors.Wrapf(carrier.ErrWaybillNotFound, "biteship %s/%s", courierCode, waybillID)
		}
		return carrier.TrackingResult{}, fmt.Errorf("biteship http %d: %s", resp.StatusCode, re.Error)
	}

	var rb respBody
	if err := sonic.Unmarshal(body, &rb); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode")
	}

	res := carrier.TrackingResult{
		RawStatus:   rb.Status,
		Description: rb.Message,
		OccurredAt:  c.now(),
	}
	if n := len(rb.History); n > 0 {
		last := rb.History[n-1]
		res.Description = last.Note
		res.OccurredAt = last.UpdatedAt.UTC()
	}
	return res, nil
}
