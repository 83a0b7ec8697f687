package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	shipmentsapi "github.com/BearBump/TrackSync/internal/api/shipments_api"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/services/shipments"
	"github.com/BearBump/TrackSync/internal/storage/pgtracking"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// pgShipmentsRepo hands the shipments service its view of pgtracking locks and transactions.
type pgShipmentsRepo struct {
	*pgtracking.Storage
}

func (r pgShipmentsRepo) LockJobByWaybill(ctx context.Context, waybillID, courierCode string) (shipments.LockedJob, error) {
	c, err := r.Storage.LockJobByWaybill(ctx, waybillID, courierCode)
	if err != nil {
		return shipments.LockedJob{}, err
	}
	return shipments.LockedJob{Job: c.Job, Tx: c.Tx}, nil
}

func (r pgShipmentsRepo) BeginRegister(ctx context.Context) (shipments.RegisterTx, error) {
	tx, err := r.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

type trackAPIOpts struct {
	httpAddr    string
	swaggerPath string

	webhook shipmentsapi.WebhookAuth
	ready   func(ctx context.Context) error

	onListen func(httpAddr string)
}

func newRouter(opts trackAPIOpts, svc shipmentsapi.Service, log *logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.ready(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}

	shipmentsapi.New(svc, opts.webhook, log).Mount(r)
	return r
}

func runTrackAPI(ctx context.Context, opts trackAPIOpts, svc shipmentsapi.Service, log *logging.Logger) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newRouter(opts, svc, log), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
