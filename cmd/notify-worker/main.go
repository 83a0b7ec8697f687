package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/bootstrap"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	log := bootstrap.Logger(cfg, "notify-worker")
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunNotifyWorker(ctx, cfg, defaultNotifyFactories()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("notify worker failed", "err", err)
		cancel()
		os.Exit(1)
	}
}
