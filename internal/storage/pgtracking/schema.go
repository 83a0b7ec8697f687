package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  telegram_chat_id TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  waybill_id TEXT NOT NULL,
  courier_code TEXT NOT NULL,
  source TEXT NOT NULL DEFAULT 'EXTERNAL',
  current_status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (waybill_id, courier_code)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_jobs (
  shipment_id UUID PRIMARY KEY REFERENCES shipments(id) ON DELETE CASCADE,
  next_run_at TIMESTAMPTZ NOT NULL,
  interval_minutes INT NOT NULL,
  attempt INT NOT NULL DEFAULT 0,
  is_active BOOLEAN NOT NULL DEFAULT true,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_jobs_due ON tracking_jobs(next_run_at) WHERE is_active`,
		`
CREATE TABLE IF NOT EXISTS status_mappings (
  platform TEXT NOT NULL,
  raw_status TEXT NOT NULL,
  normalized_status TEXT NOT NULL,
  PRIMARY KEY (platform, raw_status)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id UUID PRIMARY KEY,
  shipment_id UUID NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  raw_status TEXT NOT NULL,
  normalized_status TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL,
  source TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_shipment ON tracking_events(shipment_id, occurred_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS shipment_subscriptions (
  id UUID PRIMARY KEY,
  user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  shipment_id UUID NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  subscribed_statuses TEXT[] NOT NULL DEFAULT '{}',
  subscribed_channels TEXT[] NOT NULL DEFAULT '{}',
  label TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, shipment_id)
)`,
		`
CREATE TABLE IF NOT EXISTS webhook_logs (
  id BIGSERIAL PRIMARY KEY,
  payload JSONB NOT NULL,
  processed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS outbox_messages (
  id UUID PRIMARY KEY,
  message_id UUID NOT NULL UNIQUE,
  routing_key TEXT NOT NULL,
  payload BYTEA NOT NULL,
  status TEXT NOT NULL DEFAULT 'PENDING',
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  available_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  sent_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_messages(available_at) WHERE status = 'PENDING'`,
		// Biteship statuses known at the time of writing; operators add the rest by hand.
		`
INSERT INTO status_mappings (platform, raw_status, normalized_status) VALUES
  ('biteship', 'confirmed', 'CREATED'),
  ('biteship', 'scheduled', 'CREATED'),
  ('biteship', 'allocated', 'CREATED'),
  ('biteship', 'picking_up', 'CREATED'),
  ('biteship', 'picked', 'RECEIVED'),
  ('biteship', 'on_hold', 'IN_TRANSIT'),
  ('biteship', 'in_transit', 'IN_TRANSIT'),
  ('biteship', 'return_in_transit', 'IN_TRANSIT'),
  ('biteship', 'dropping_off', 'OUT_FOR_DELIVERY'),
  ('biteship', 'delivered', 'DELIVERED'),
  ('biteship', 'rejected', 'FAILED'),
  ('biteship', 'courier_not_found', 'FAILED'),
  ('biteship', 'disposed', 'FAILED'),
  ('biteship', 'returned', 'RETURNED'),
  ('biteship', 'cancelled', 'CANCELLED')
ON CONFLICT (platform, raw_status) DO NOTHING`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
