package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/notify"
	"github.com/BearBump/TrackSync/internal/services/transition"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// JobTx is the transaction holding the row lock of one claimed job.
type JobTx interface {
	transition.Writer
	notify.StageStore
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Claim struct {
	Job models.TrackingJob
	Tx  JobTx
}

type Repository interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Claim, error)
}

type Stager interface {
	Stage(ctx context.Context, store notify.StageStore, ref notify.ShipmentRef, status models.Status, eventType string) ([]uuid.UUID, error)
}

type Flusher interface {
	Flush(ctx context.Context, ids ...uuid.UUID) (int, error)
}

type RateLimiter interface {
	Take(ctx context.Context, courier string, limit int64) (rediscache.Decision, error)
}

type Poller struct {
	repo     Repository
	provider carrier.LogisticsProvider
	engine   *transition.Engine
	stager   Stager
	flusher  Flusher
	rl       RateLimiter
	log      *logging.Logger
	m        *metrics.Metrics

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	providerTimeout    time.Duration
	drainTimeout       time.Duration
	rateLimitPerMinute int64
	courierLimits      map[string]int64
	rateLimitWait      time.Duration

	pool *ants.Pool
	wg   sync.WaitGroup

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, provider carrier.LogisticsProvider, engine *transition.Engine, stager Stager, flusher Flusher, rl RateLimiter, log *logging.Logger, m *metrics.Metrics) *Poller {
	if log == nil {
		log = logging.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Poller{
		repo: repo, provider: provider, engine: engine, stager: stager, flusher: flusher, rl: rl,
		log: log, m: m,
		pollInterval:       60 * time.Second,
		batchSize:          100,
		concurrency:        10,
		providerTimeout:    15 * time.Second,
		drainTimeout:       30 * time.Second,
		rateLimitPerMinute: 120,
		rateLimitWait:      500 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, providerTimeout, drainTimeout time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if providerTimeout > 0 {
		p.providerTimeout = providerTimeout
	}
	if drainTimeout > 0 {
		p.drainTimeout = drainTimeout
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

// WithCourierRateLimits overrides the per-minute limit for specific couriers.
func (p *Poller) WithCourierRateLimits(perMin map[string]int) *Poller {
	if len(perMin) == 0 {
		return p
	}
	p.courierLimits = make(map[string]int64, len(perMin))
	for code, n := range perMin {
		if n > 0 {
			p.courierLimits[code] = int64(n)
		}
	}
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

// Run ticks until ctx is done, then waits for in-flight jobs up to drainTimeout.
func (p *Poller) Run(ctx context.Context) error {
	pool, err := ants.NewPool(p.concurrency)
	if err != nil {
		return errors.Wrap(err, "worker pool")
	}
	p.pool = pool
	defer pool.Release()

	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("poller drained")
	case <-time.After(p.drainTimeout):
		p.log.Warn("drain timeout, jobs still in flight", "in_flight", p.inFlight.Load())
	}
}

// runOnce claims at most as many jobs as there are free workers and does not wait for them.
func (p *Poller) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	// idle ants workers still count as running, so free slots come from our own counter
	limit := p.concurrency - int(p.inFlight.Load())
	if limit > p.batchSize {
		limit = p.batchSize
	}
	if limit <= 0 {
		return
	}

	claims, err := p.repo.ClaimDueJobs(ctx, now, limit)
	if err != nil {
		p.log.Error("claim due jobs", "err", err)
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(claims)))
	p.m.JobsClaimed.Add(float64(len(claims)))

	// задачи должны дойти до commit/rollback даже после сигнала остановки
	taskCtx := context.WithoutCancel(ctx)
	for _, c := range claims {
		p.wg.Add(1)
		p.inFlight.Add(1)
		if err := p.pool.Submit(func() {
			defer func() {
				p.inFlight.Add(-1)
				p.wg.Done()
			}()
			p.runJob(taskCtx, c)
		}); err != nil {
			p.inFlight.Add(-1)
			p.wg.Done()
			_ = c.Tx.Rollback(taskCtx)
			p.log.Error("submit job", "shipment_id", c.Job.ShipmentID, "err", err)
			p.setLastError(err)
		}
	}
}

func (p *Poller) runJob(ctx context.Context, c Claim) {
	if err := p.processOne(ctx, c); err != nil {
		p.totalErrors.Add(1)
		p.m.JobErrors.Inc()
		p.setLastError(err)
		p.log.Error("process job", "shipment_id", c.Job.ShipmentID, "waybill_id", c.Job.WaybillID, "err", err)
	}
	p.totalProcessed.Add(1)
	p.m.JobsProcessed.Inc()
}

func (p *Poller) processOne(ctx context.Context, c Claim) error {
	job := c.Job
	committed := false
	defer func() {
		if !committed {
			_ = c.Tx.Rollback(ctx)
		}
	}()

	p.throttle(ctx, job.CourierCode)

	pctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
	start := time.Now()
	res, ferr := p.provider.FetchTracking(pctx, job.WaybillID, job.CourierCode)
	cancel()
	p.m.ProviderLatency.Observe(time.Since(start).Seconds())

	var (
		out transition.Outcome
		err error
	)
	if ferr != nil {
		p.log.Warn("provider call failed", "shipment_id", job.ShipmentID, "courier", job.CourierCode, "attempt", job.Attempt+1, "err", ferr)
		out, err = p.engine.Fail(ctx, c.Tx, job)
	} else {
		out, err = p.engine.Observe(ctx, c.Tx, job, transition.Observation{
			RawStatus:   res.RawStatus,
			Description: res.Description,
			OccurredAt:  res.OccurredAt,
		}, models.SourcePolling)
	}
	if err != nil {
		return errors.Wrap(err, "persist outcome")
	}

	var ids []uuid.UUID
	if out.Changed() && p.stager != nil {
		ids, err = p.stager.Stage(ctx, c.Tx, notify.ShipmentRef{
			ID:          job.ShipmentID,
			WaybillID:   job.WaybillID,
			CourierCode: job.CourierCode,
		}, out.To, messages.EventTrackingStatusUpdated)
		if err != nil {
			return errors.Wrap(err, "stage notifications")
		}
	}

	if err := c.Tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	committed = true

	if len(ids) > 0 && p.flusher != nil {
		if _, err := p.flusher.Flush(ctx, ids...); err != nil {
			// строки остались в outbox, relay дошлёт
			return errors.Wrap(err, "publish after commit")
		}
	}
	return nil
}

// throttle applies the per-courier minute limit. Over the limit it only slows
// down; the job is still processed.
func (p *Poller) throttle(ctx context.Context, courier string) {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return
	}
	limit := p.rateLimitPerMinute
	if n, ok := p.courierLimits[courier]; ok {
		limit = n
	}

	d, err := p.rl.Take(ctx, courier, limit)
	if err != nil {
		p.log.Warn("rate limiter unavailable", "courier", courier, "err", err)
		return
	}
	if !d.Allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
		wait := p.rateLimitWait
		if d.RetryAfter > 0 && d.RetryAfter < wait {
			wait = d.RetryAfter
		}
		p.log.Warn("rate limit exceeded", "courier", courier, "count", d.Count, "wait", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}
