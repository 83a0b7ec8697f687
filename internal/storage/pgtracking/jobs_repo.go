package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Claim is one due job whose row lock is held by the embedded transaction.
type Claim struct {
	Job models.TrackingJob
	*Tx
}

const jobColumns = `
  tj.shipment_id, s.waybill_id, s.courier_code, s.current_status,
  tj.next_run_at, tj.interval_minutes, tj.attempt, tj.is_active`

func scanJob(row pgx.Row) (models.TrackingJob, error) {
	var j models.TrackingJob
	var status string
	if err := row.Scan(
		&j.ShipmentID, &j.WaybillID, &j.CourierCode, &status,
		&j.NextRunAt, &j.IntervalMinutes, &j.Attempt, &j.IsActive,
	); err != nil {
		return models.TrackingJob{}, err
	}
	j.CurrentStatus = models.Status(status)
	return j, nil
}

// ClaimDueJobs выбирает до limit активных задач с next_run_at <= now.
// Каждая задача захватывается в собственной транзакции (FOR UPDATE OF tj, s SKIP LOCKED),
// блокировка держится до Commit/Rollback, поэтому параллельные воркеры,
// в том числе в других процессах, получают непересекающиеся наборы.
func (s *Storage) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Claim, error) {
	claims := make([]*Claim, 0, limit)
	for len(claims) < limit {
		c, err := s.claimOne(ctx, now)
		if err != nil {
			for _, c := range claims {
				_ = c.Rollback(ctx)
			}
			return nil, err
		}
		if c == nil {
			break
		}
		claims = append(claims, c)
	}
	return claims, nil
}

func (s *Storage) claimOne(ctx context.Context, now time.Time) (*Claim, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	job, err := scanJob(tx.tx.QueryRow(ctx, `
SELECT`+jobColumns+`
FROM tracking_jobs tj
JOIN shipments s ON s.id = tj.shipment_id
WHERE tj.is_active
  AND tj.next_run_at <= $1
ORDER BY tj.next_run_at ASC
LIMIT 1
FOR UPDATE OF tj, s SKIP LOCKED
`, now.UTC()))
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select due job")
	}
	return &Claim{Job: job, Tx: tx}, nil
}

// LockJobByWaybill opens a transaction and waits for the job and shipment row locks.
// Both rows are locked so that after the wait current_status is re-read, not
// taken from the snapshot the statement started with. An empty courierCode
// matches any courier.
func (s *Storage) LockJobByWaybill(ctx context.Context, waybillID, courierCode string) (*Claim, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	job, err := scanJob(tx.tx.QueryRow(ctx, `
SELECT`+jobColumns+`
FROM tracking_jobs tj
JOIN shipments s ON s.id = tj.shipment_id
WHERE s.waybill_id = $1
  AND ($2 = '' OR lower(s.courier_code) = lower($2))
ORDER BY s.created_at DESC
LIMIT 1
FOR UPDATE OF tj, s
`, waybillID, courierCode))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, mapError(err, "lock job by waybill")
	}
	return &Claim{Job: job, Tx: tx}, nil
}
