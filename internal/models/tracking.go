package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status — нормализованный статус отправления.
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusReceived       Status = "RECEIVED"
	StatusInTransit      Status = "IN_TRANSIT"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusFailed         Status = "FAILED"
	StatusReturned       Status = "RETURNED"
	StatusCancelled      Status = "CANCELLED"
	StatusUnknown        Status = "UNKNOWN"
)

var allStatuses = []Status{
	StatusCreated, StatusReceived, StatusInTransit, StatusOutForDelivery,
	StatusDelivered, StatusFailed, StatusReturned, StatusCancelled, StatusUnknown,
}

// ParseStatus accepts both the stored form (IN_TRANSIT) and the payload form (in_transit).
func ParseStatus(s string) (Status, bool) {
	up := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == up {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further polling is needed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusReturned, StatusCancelled:
		return true
	default:
		return false
	}
}

// IntervalMinutes returns the polling interval for a non-terminal status.
func (s Status) IntervalMinutes() (int, bool) {
	switch s {
	case StatusCreated:
		return 360, true
	case StatusReceived:
		return 180, true
	case StatusInTransit, StatusOutForDelivery:
		return 60, true
	case StatusUnknown:
		return 360, true
	default:
		return 0, false
	}
}

// Lower is the form carried in notification payloads.
func (s Status) Lower() string {
	return strings.ToLower(string(s))
}

func (s Status) String() string { return string(s) }

type EventSource string

const (
	SourcePolling EventSource = "POLLING"
	SourceWebhook EventSource = "WEBHOOK"
)

type TrackingJob struct {
	ShipmentID      uuid.UUID
	WaybillID       string
	CourierCode     string
	CurrentStatus   Status
	NextRunAt       time.Time
	IntervalMinutes int
	Attempt         int
	IsActive        bool
}

// ShipmentSource tells shipments created by our own orders from ones added by hand.
type ShipmentSource string

const (
	ShipmentInternal ShipmentSource = "INTERNAL"
	ShipmentExternal ShipmentSource = "EXTERNAL"
)

type Shipment struct {
	ID            uuid.UUID
	WaybillID     string
	CourierCode   string
	Source        ShipmentSource
	CurrentStatus Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StatusMapping struct {
	Platform         string
	RawStatus        string
	NormalizedStatus Status
}

type TrackingEvent struct {
	ID               uuid.UUID
	ShipmentID       uuid.UUID
	RawStatus        string
	NormalizedStatus Status
	Description      string
	OccurredAt       time.Time
	Source           EventSource
	CreatedAt        time.Time
}
