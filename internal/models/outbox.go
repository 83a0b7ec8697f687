package models

import (
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxDead    OutboxStatus = "DEAD"
)

// OutboxMessage — событие, записанное в той же транзакции, что и изменение статуса.
type OutboxMessage struct {
	ID          uuid.UUID
	MessageID   uuid.UUID
	RoutingKey  string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	LastError   *string
	AvailableAt time.Time
	CreatedAt   time.Time
	SentAt      *time.Time
}
