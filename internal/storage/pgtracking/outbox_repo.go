package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ClaimOutbox leases up to limit pending rows that are due, restricted to ids when given.
// Leased rows are pushed to now+lease so a concurrent relay skips them until then.
func (s *Storage) ClaimOutbox(ctx context.Context, ids []uuid.UUID, now time.Time, limit int, lease time.Duration) ([]*models.OutboxMessage, error) {
	var filter []string
	if len(ids) > 0 {
		filter = make([]string, 0, len(ids))
		for _, id := range ids {
			filter = append(filter, id.String())
		}
	}

	rows, err := s.db.Query(ctx, `
UPDATE outbox_messages o
SET available_at = $2
WHERE o.id IN (
  SELECT id FROM outbox_messages
  WHERE status = 'PENDING'
    AND available_at <= $1
    AND ($4::uuid[] IS NULL OR id = ANY($4::uuid[]))
  ORDER BY available_at ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING o.id, o.message_id, o.routing_key, o.payload, o.status, o.attempts, o.last_error, o.available_at, o.created_at
`, now.UTC(), now.UTC().Add(lease), limit, filter)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	defer rows.Close()

	var out []*models.OutboxMessage
	for rows.Next() {
		var m models.OutboxMessage
		var status string
		if err := rows.Scan(&m.ID, &m.MessageID, &m.RoutingKey, &m.Payload, &status, &m.Attempts, &m.LastError, &m.AvailableAt, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}
		m.Status = models.OutboxStatus(status)
		out = append(out, &m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE outbox_messages SET status = 'SENT', sent_at = $2, last_error = NULL WHERE id = $1`, id, at.UTC())
	return errors.Wrap(err, "mark outbox sent")
}

// MarkOutboxFailed records one failed attempt; dead rows are never claimed again.
func (s *Storage) MarkOutboxFailed(ctx context.Context, id uuid.UUID, lastErr string, availableAt time.Time, dead bool) error {
	status := models.OutboxPending
	if dead {
		status = models.OutboxDead
	}
	_, err := s.db.Exec(ctx, `
UPDATE outbox_messages
SET attempts = attempts + 1, last_error = $2, available_at = $3, status = $4
WHERE id = $1
`, id, lastErr, availableAt.UTC(), string(status))
	return errors.Wrap(err, "mark outbox failed")
}

// CountOutbox returns row counts per status.
func (s *Storage) CountOutbox(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count outbox")
	}
	defer rows.Close()

	out := map[models.OutboxStatus]int64{}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan outbox count")
		}
		out[models.OutboxStatus(st)] = n
	}
	return out, errors.Wrap(rows.Err(), "rows")
}
