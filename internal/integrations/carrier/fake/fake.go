package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/TrackSync/internal/integrations/carrier"
)

// progression follows the raw Biteship statuses a parcel usually goes through.
var progression = []string{"confirmed", "picked", "in_transit", "dropping_off", "delivered"}

// Provider — детерминированная заглушка провайдера для демо и тестов.
// Статус зависит от (courier, waybill) и сдвигается на шаг каждые step.
type Provider struct {
	step  time.Duration
	start time.Time
	now   func() time.Time
}

func New(step time.Duration) *Provider {
	if step <= 0 {
		step = time.Hour
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Provider{step: step, start: now(), now: now}
}

func (p *Provider) FetchTracking(ctx context.Context, waybillID, courierCode string) (carrier.TrackingResult, error) {
	if err := ctx.Err(); err != nil {
		return carrier.TrackingResult{}, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(courierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(waybillID))
	offset := int(h.Sum32() % uint32(len(progression)))

	now := p.now()
	idx := offset + int(now.Sub(p.start)/p.step)
	if idx >= len(progression) {
		idx = len(progression) - 1
	}

	return carrier.TrackingResult{
		RawStatus:   progression[idx],
		Description: "fake provider update",
		OccurredAt:  now,
	}, nil
}
