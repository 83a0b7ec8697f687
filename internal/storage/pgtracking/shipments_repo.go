package pgtracking

import (
	"context"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const shipmentColumns = `id, waybill_id, courier_code, source, current_status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	var source, status string
	if err := row.Scan(&sh.ID, &sh.WaybillID, &sh.CourierCode, &source, &status, &sh.CreatedAt, &sh.UpdatedAt); err != nil {
		return nil, err
	}
	sh.Source = models.ShipmentSource(source)
	sh.CurrentStatus = models.Status(status)
	return &sh, nil
}

func (s *Storage) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "select shipment")
	}
	return sh, nil
}

// ListShipmentsByUser returns the shipments a user is subscribed to, newest first.
func (s *Storage) ListShipmentsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT s.id, s.waybill_id, s.courier_code, s.source, s.current_status, s.created_at, s.updated_at
FROM shipments s
JOIN shipment_subscriptions ss ON ss.shipment_id = s.id
WHERE ss.user_id = $1
ORDER BY s.created_at DESC
`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// DeleteShipment drops the shipment with its job, events and subscriptions.
func (s *Storage) DeleteShipment(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM shipments WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete shipment")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(ErrNotFound, "delete shipment")
	}
	return nil
}

func (s *Storage) ListTrackingEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, raw_status, normalized_status, description, occurred_at, source, created_at
FROM tracking_events
WHERE shipment_id = $1
ORDER BY occurred_at DESC, created_at DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var status, source string
		if err := rows.Scan(&e.ID, &e.ShipmentID, &e.RawStatus, &status, &e.Description, &e.OccurredAt, &source, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.NormalizedStatus = models.Status(status)
		e.Source = models.EventSource(source)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListStatusMappings(ctx context.Context, platform string) ([]models.StatusMapping, error) {
	rows, err := s.db.Query(ctx, `SELECT platform, raw_status, normalized_status FROM status_mappings WHERE platform = $1`, platform)
	if err != nil {
		return nil, errors.Wrap(err, "select status mappings")
	}
	defer rows.Close()

	var out []models.StatusMapping
	for rows.Next() {
		var m models.StatusMapping
		var st string
		if err := rows.Scan(&m.Platform, &m.RawStatus, &st); err != nil {
			return nil, errors.Wrap(err, "scan status mapping")
		}
		m.NormalizedStatus = models.Status(st)
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpsertStatusMapping(ctx context.Context, m models.StatusMapping) error {
	st, ok := models.ParseStatus(string(m.NormalizedStatus))
	if !ok {
		return errors.Errorf("upsert status mapping: unknown status %q", m.NormalizedStatus)
	}
	m.NormalizedStatus = st
	_, err := s.db.Exec(ctx, `
INSERT INTO status_mappings (platform, raw_status, normalized_status) VALUES ($1,$2,$3)
ON CONFLICT (platform, raw_status) DO UPDATE SET normalized_status = EXCLUDED.normalized_status
`, m.Platform, m.RawStatus, string(m.NormalizedStatus))
	return errors.Wrap(err, "upsert status mapping")
}
