package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/TrackSync/config"
	shipmentsapi "github.com/BearBump/TrackSync/internal/api/shipments_api"
	"github.com/BearBump/TrackSync/internal/bootstrap"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/services/shipments"
	"github.com/BearBump/TrackSync/internal/services/statusmap"
	"github.com/BearBump/TrackSync/internal/services/transition"
)

type trackAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   trackAPIOpts
	svc    *shipments.Service
	log    *logging.Logger

	closers []func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	if cfg.Webhook.Secret == "" {
		panic("webhook secret is required (webhook.secret or BITESHIP_WEBHOOK_SECRET)")
	}
	log := bootstrap.Logger(cfg, "track-api")
	m := bootstrap.Metrics()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := &trackAPIApp{ctx: ctx, cancel: cancel, log: log}

	st, err := bootstrap.OpenStorage(ctx, cfg, 60*time.Second, log)
	if err != nil {
		panic(err)
	}
	app.closers = append(app.closers, st.Close)

	resolver, err := statusmap.New(ctx, st, cfg.StatusMap.Platform, log)
	if err != nil {
		panic(err)
	}
	go resolver.Run(ctx, time.Duration(cfg.StatusMap.RefreshSeconds)*time.Second)

	b, closeBroker, err := bootstrap.Broker(cfg)
	if err != nil {
		panic(err)
	}
	app.closers = append(app.closers, closeBroker)

	pub, relay := bootstrap.Relay(cfg, st, b, log, m)
	engine := transition.NewEngine(transition.DefaultPolicy(), resolver, log, m)

	svc := shipments.New(pgShipmentsRepo{Storage: st}, bootstrap.Provider(cfg), resolver, engine, pub, relay, log)
	if ttl := time.Duration(cfg.Redis.CurrentTTLSeconds) * time.Second; ttl > 0 {
		rc := rediscache.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		app.closers = append(app.closers, func() { _ = rc.Close() })
		svc = svc.WithCache(rediscache.NewCache(rc), ttl)
	}
	app.svc = svc

	app.opts = trackAPIOpts{
		httpAddr:    cfg.API.HTTPAddr,
		swaggerPath: cfg.API.SwaggerPath,
		webhook:     shipmentsapi.WebhookAuth{HeaderKey: cfg.Webhook.HeaderKey, Secret: cfg.Webhook.Secret},
		ready:       st.Ping,
	}
	return app
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.svc, a.log)
}
