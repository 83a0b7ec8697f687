package transition

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Writer is the transactional surface an outcome is persisted through.
type Writer interface {
	UpdateJobSchedule(ctx context.Context, shipmentID uuid.UUID, nextRunAt time.Time, intervalMinutes, attempt int) error
	DeactivateJob(ctx context.Context, shipmentID uuid.UUID) error
	InsertTrackingEvent(ctx context.Context, ev models.TrackingEvent) error
	UpdateShipmentStatus(ctx context.Context, shipmentID uuid.UUID, st models.Status) error
}

type Resolver interface {
	Resolve(raw string) models.Status
}

// Observation is what a provider or webhook reported.
type Observation struct {
	RawStatus   string
	Description string
	OccurredAt  time.Time
}

type Engine struct {
	policy   Policy
	resolver Resolver
	log      *logging.Logger
	m        *metrics.Metrics
	now      func() time.Time
}

func NewEngine(policy Policy, resolver Resolver, log *logging.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logging.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		policy:   NewPolicy(policy),
		resolver: resolver,
		log:      log,
		m:        m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Observe resolves the raw status, decides and persists the outcome through w.
func (e *Engine) Observe(ctx context.Context, w Writer, job models.TrackingJob, obs Observation, source models.EventSource) (Outcome, error) {
	now := e.now()
	observed := e.resolver.Resolve(obs.RawStatus)

	out := e.policy.Decide(Input{
		Current:  job.CurrentStatus,
		Interval: job.IntervalMinutes,
		Attempt:  job.Attempt,
		Observed: observed,
		Finished: !job.IsActive,
		Now:      now,
	})

	if out.Changed() {
		occurred := obs.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		if err := w.InsertTrackingEvent(ctx, models.TrackingEvent{
			ID:               uuid.New(),
			ShipmentID:       job.ShipmentID,
			RawStatus:        obs.RawStatus,
			NormalizedStatus: out.To,
			Description:      obs.Description,
			OccurredAt:       occurred.UTC(),
			Source:           source,
			CreatedAt:        now,
		}); err != nil {
			return Outcome{}, err
		}
		if err := w.UpdateShipmentStatus(ctx, job.ShipmentID, out.To); err != nil {
			return Outcome{}, err
		}
	}

	if err := e.persistSchedule(ctx, w, job, out); err != nil {
		return Outcome{}, err
	}

	e.m.Outcomes.WithLabelValues(out.Kind.String(), string(source)).Inc()
	if out.Changed() {
		e.log.Info("status transition",
			"shipment_id", job.ShipmentID.String(),
			"waybill_id", job.WaybillID,
			"from", out.From.String(),
			"to", out.To.String(),
			"source", string(source))
	}
	return out, nil
}

// Fail persists the retry/backoff branch for a failed provider call.
func (e *Engine) Fail(ctx context.Context, w Writer, job models.TrackingJob) (Outcome, error) {
	out := e.policy.Decide(Input{
		Current:  job.CurrentStatus,
		Interval: job.IntervalMinutes,
		Attempt:  job.Attempt,
		Failed:   true,
		Now:      e.now(),
	})
	if err := e.persistSchedule(ctx, w, job, out); err != nil {
		return Outcome{}, err
	}
	e.m.Outcomes.WithLabelValues(out.Kind.String(), string(models.SourcePolling)).Inc()
	if out.GaveUp {
		e.log.Warn("provider failures exhausted, back to regular interval",
			"shipment_id", job.ShipmentID.String(), "interval_minutes", out.IntervalMinutes)
	}
	return out, nil
}

func (e *Engine) persistSchedule(ctx context.Context, w Writer, job models.TrackingJob, out Outcome) error {
	if out.Kind == Deactivate {
		return errors.Wrap(w.DeactivateJob(ctx, job.ShipmentID), "deactivate job")
	}
	if out.Unscheduled {
		return nil
	}
	return errors.Wrap(
		w.UpdateJobSchedule(ctx, job.ShipmentID, out.NextRunAt, out.IntervalMinutes, out.Attempt),
		"update job schedule",
	)
}
