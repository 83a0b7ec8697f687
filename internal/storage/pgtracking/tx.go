package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Tx is an open transaction with the writes the ingestion paths need.
// Callers must Commit or Rollback; Rollback after Commit is a no-op.
type Tx struct {
	tx pgx.Tx
}

func (s *Storage) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	return errors.Wrap(t.tx.Commit(ctx), "commit tx")
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return errors.Wrap(err, "rollback tx")
}

func (t *Tx) UpdateJobSchedule(ctx context.Context, shipmentID uuid.UUID, nextRunAt time.Time, intervalMinutes, attempt int) error {
	_, err := t.tx.Exec(ctx, `
UPDATE tracking_jobs
SET next_run_at = $2, interval_minutes = $3, attempt = $4, updated_at = now()
WHERE shipment_id = $1
`, shipmentID, nextRunAt.UTC(), intervalMinutes, attempt)
	return errors.Wrap(err, "update job schedule")
}

func (t *Tx) DeactivateJob(ctx context.Context, shipmentID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE tracking_jobs SET is_active = false, attempt = 0, updated_at = now() WHERE shipment_id = $1`, shipmentID)
	return errors.Wrap(err, "deactivate job")
}

func (t *Tx) InsertTrackingEvent(ctx context.Context, ev models.TrackingEvent) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO tracking_events (
  id, shipment_id, raw_status, normalized_status, description, occurred_at, source, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, ev.ID, ev.ShipmentID, ev.RawStatus, string(ev.NormalizedStatus), ev.Description,
		ev.OccurredAt.UTC(), string(ev.Source), ev.CreatedAt.UTC())
	return mapError(err, "insert tracking event")
}

func (t *Tx) UpdateShipmentStatus(ctx context.Context, shipmentID uuid.UUID, st models.Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE shipments SET current_status = $2, updated_at = now() WHERE id = $1`, shipmentID, string(st))
	if err != nil {
		return errors.Wrap(err, "update shipment status")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(ErrNotFound, "update shipment status")
	}
	return nil
}

func (t *Tx) ListSubscriptions(ctx context.Context, shipmentID uuid.UUID) ([]models.ShipmentSubscription, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, user_id, shipment_id, subscribed_statuses, subscribed_channels, label, created_at
FROM shipment_subscriptions
WHERE shipment_id = $1
ORDER BY created_at ASC
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select subscriptions")
	}
	defer rows.Close()

	var out []models.ShipmentSubscription
	for rows.Next() {
		var sub models.ShipmentSubscription
		var statuses, channels []string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.ShipmentID, &statuses, &channels, &sub.Label, &sub.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		for _, v := range statuses {
			if st, ok := models.ParseStatus(v); ok {
				sub.SubscribedStatuses = append(sub.SubscribedStatuses, st)
			}
		}
		for _, v := range channels {
			if ch, ok := models.ParseChannel(v); ok {
				sub.SubscribedChannels = append(sub.SubscribedChannels, ch)
			}
		}
		out = append(out, sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (t *Tx) GetUserContacts(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]models.UserContact, error) {
	out := make(map[uuid.UUID]models.UserContact, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, id.String())
	}

	rows, err := t.tx.Query(ctx, `SELECT id, email, phone, telegram_chat_id FROM users WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select users")
	}
	defer rows.Close()

	for rows.Next() {
		var u models.UserContact
		if err := rows.Scan(&u.UserID, &u.Email, &u.Phone, &u.TelegramChatID); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out[u.UserID] = u
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (t *Tx) InsertOutbox(ctx context.Context, m models.OutboxMessage) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO outbox_messages (id, message_id, routing_key, payload, status, attempts, available_at, created_at)
VALUES ($1,$2,$3,$4,$5,0,$6,$7)
`, m.ID, m.MessageID, m.RoutingKey, m.Payload, string(models.OutboxPending), m.AvailableAt.UTC(), m.CreatedAt.UTC())
	return mapError(err, "insert outbox")
}

func (t *Tx) InsertWebhookLog(ctx context.Context, payload []byte, processedAt time.Time) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO webhook_logs (payload, processed_at, created_at) VALUES ($1::jsonb, $2, now())`,
		string(payload), processedAt.UTC())
	return errors.Wrap(err, "insert webhook log")
}

func (t *Tx) UpsertUser(ctx context.Context, u models.UserContact) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO users (id, email, phone, telegram_chat_id, created_at, updated_at)
VALUES ($1,$2,$3,$4, now(), now())
ON CONFLICT (id) DO UPDATE SET
  email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE users.email END,
  phone = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE users.phone END,
  telegram_chat_id = CASE WHEN EXCLUDED.telegram_chat_id <> '' THEN EXCLUDED.telegram_chat_id ELSE users.telegram_chat_id END,
  updated_at = now()
`, u.UserID, u.Email, u.Phone, u.TelegramChatID)
	return errors.Wrap(err, "upsert user")
}

// CreateShipment inserts the shipment and its tracking job.
func (t *Tx) CreateShipment(ctx context.Context, sh models.Shipment, job models.TrackingJob) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO shipments (id, waybill_id, courier_code, source, current_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
`, sh.ID, sh.WaybillID, sh.CourierCode, string(sh.Source), string(sh.CurrentStatus), sh.CreatedAt.UTC())
	if err != nil {
		return mapError(err, "insert shipment")
	}

	_, err = t.tx.Exec(ctx, `
INSERT INTO tracking_jobs (shipment_id, next_run_at, interval_minutes, attempt, is_active, updated_at)
VALUES ($1,$2,$3,0,$4, now())
`, sh.ID, job.NextRunAt.UTC(), job.IntervalMinutes, job.IsActive)
	return mapError(err, "insert tracking job")
}

func (t *Tx) CreateSubscription(ctx context.Context, sub models.ShipmentSubscription) error {
	statuses := make([]string, 0, len(sub.SubscribedStatuses))
	for _, st := range sub.SubscribedStatuses {
		statuses = append(statuses, string(st))
	}
	channels := make([]string, 0, len(sub.SubscribedChannels))
	for _, ch := range sub.SubscribedChannels {
		channels = append(channels, string(ch))
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO shipment_subscriptions (id, user_id, shipment_id, subscribed_statuses, subscribed_channels, label, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, sub.ID, sub.UserID, sub.ShipmentID, statuses, channels, sub.Label, sub.CreatedAt.UTC())
	return mapError(err, "insert subscription")
}
