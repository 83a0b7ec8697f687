package main

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/bootstrap"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/services/notify"
	"github.com/BearBump/TrackSync/internal/services/outbox"
	"github.com/BearBump/TrackSync/internal/services/poller"
	"github.com/BearBump/TrackSync/internal/services/statusmap"
	"github.com/BearBump/TrackSync/internal/services/transition"
	"github.com/BearBump/TrackSync/internal/storage/pgtracking"
)

// workerStore is everything the worker needs from postgres.
type workerStore interface {
	poller.Repository
	outbox.Store
	statusmap.Repository
	Ping(ctx context.Context) error
}

// pgWorkerStore narrows pgtracking claims to the poller's view of them.
type pgWorkerStore struct {
	*pgtracking.Storage
}

func (s pgWorkerStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]poller.Claim, error) {
	claims, err := s.Storage.ClaimDueJobs(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]poller.Claim, 0, len(claims))
	for _, c := range claims {
		out = append(out, poller.Claim{Job: c.Job, Tx: c.Tx})
	}
	return out, nil
}

type workerFactories struct {
	newStorage     func(ctx context.Context, cfg *config.Config, log *logging.Logger) (store workerStore, closeFn func(), err error)
	newBroker      func(cfg *config.Config) (notify.Broker, func(), error)
	newRateLimiter func(cfg *config.Config) poller.RateLimiter
	newProvider    func(cfg *config.Config) carrier.LogisticsProvider
	newMetrics     func() *metrics.Metrics
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(ctx context.Context, cfg *config.Config, log *logging.Logger) (workerStore, func(), error) {
			st, err := bootstrap.OpenStorage(ctx, cfg, 60*time.Second, log)
			if err != nil {
				return nil, nil, err
			}
			return pgWorkerStore{Storage: st}, st.Close, nil
		},
		newBroker: bootstrap.Broker,
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			return rediscache.NewCourierLimiter(rediscache.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB), "")
		},
		newProvider: bootstrap.Provider,
		newMetrics:  bootstrap.Metrics,
	}
}

// trackWorker is the wired scheduler side: poller, outbox relay, status map refresh.
type trackWorker struct {
	poller   *poller.Poller
	relay    *outbox.Relay
	resolver *statusmap.Resolver
	store    workerStore
}

func buildTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, log *logging.Logger) (*trackWorker, func(), error) {
	m := f.newMetrics()

	store, closeStore, err := f.newStorage(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if closeStore != nil {
			closeStore()
		}
	}

	resolver, err := statusmap.New(ctx, store, cfg.StatusMap.Platform, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	b, closeBroker, err := f.newBroker(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closeAll := func() {
		if closeBroker != nil {
			closeBroker()
		}
		cleanup()
	}

	pub, relay := bootstrap.Relay(cfg, store, b, log, m)
	engine := transition.NewEngine(transition.DefaultPolicy(), resolver, log, m)

	p := poller.New(store, f.newProvider(cfg), engine, pub, relay, f.newRateLimiter(cfg), log, m).
		WithSettings(
			time.Duration(cfg.Worker.PollIntervalSeconds)*time.Second,
			cfg.Worker.BatchSize,
			cfg.Worker.Concurrency,
			time.Duration(cfg.Worker.ProviderTimeoutSeconds)*time.Second,
			time.Duration(cfg.Worker.DrainTimeoutSeconds)*time.Second,
			int64(cfg.Worker.RateLimitPerMinute),
		).
		WithCourierRateLimits(cfg.Worker.CourierRateLimits)

	return &trackWorker{poller: p, relay: relay, resolver: resolver, store: store}, closeAll, nil
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	log := logging.Default()

	w, closeFn, err := buildTrackWorker(ctx, cfg, f, log)
	if err != nil {
		return err
	}
	defer closeFn()

	go w.resolver.Run(ctx, time.Duration(cfg.StatusMap.RefreshSeconds)*time.Second)
	go w.relay.Run(ctx)

	if cfg.Worker.HTTPAddr != "" {
		go func() {
			if err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.Worker.HTTPAddr,
				swaggerPath: cfg.Worker.SwaggerPath,
				poller:      w.poller,
				ready:       w.store.Ping,
				cfg:         cfg,
			}); err != nil && ctx.Err() == nil {
				log.Error("worker http server stopped", "err", err)
			}
		}()
	}

	log.Info("track worker started",
		"concurrency", cfg.Worker.Concurrency,
		"poll_interval_seconds", cfg.Worker.PollIntervalSeconds,
		"broker", cfg.Broker.Kind)
	return w.poller.Run(ctx)
}
