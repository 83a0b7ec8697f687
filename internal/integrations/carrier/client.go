package carrier

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrWaybillNotFound is returned when the provider does not know the waybill.
var ErrWaybillNotFound = errors.New("waybill not found")

type TrackingResult struct {
	RawStatus   string
	Description string
	OccurredAt  time.Time
}

// LogisticsProvider fetches the current status of a shipment from a third party.
type LogisticsProvider interface {
	FetchTracking(ctx context.Context, waybillID, courierCode string) (TrackingResult, error)
}
