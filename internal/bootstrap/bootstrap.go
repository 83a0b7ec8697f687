package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/broker/kafka"
	"github.com/BearBump/TrackSync/internal/broker/rabbitmq"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/integrations/carrier/biteship"
	"github.com/BearBump/TrackSync/internal/integrations/carrier/fake"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/services/notify"
	"github.com/BearBump/TrackSync/internal/services/outbox"
	"github.com/BearBump/TrackSync/internal/storage/pgtracking"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tracksync"

// Logger builds the process logger and makes it the package default.
func Logger(cfg *config.Config, service string) *logging.Logger {
	l := logging.NewJSON(logging.ParseLevel(cfg.Logging.Level)).With("service", service)
	logging.SetDefault(l)
	return l
}

func Metrics() *metrics.Metrics {
	return metrics.New(prometheus.DefaultRegisterer, metricsNamespace)
}

// OpenStorage retries until postgres accepts connections or wait runs out.
func OpenStorage(ctx context.Context, cfg *config.Config, wait time.Duration, log *logging.Logger) (*pgtracking.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for {
		st, err := pgtracking.New(cfg.Database.ConnString(), cfg.Database.MaxConns)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			break
		}
		log.Warn("postgres is not ready, retrying", "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

// Broker opens the publishing side of the configured broker.
func Broker(cfg *config.Config) (notify.Broker, func(), error) {
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, err
		}
		pub, err := rabbitmq.NewPublisher(conn, cfg.Broker.Exchange, cfg.RabbitMQ.PoolSize)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return pub, func() {
			_ = pub.Close()
			_ = conn.Close()
		}, nil
	default:
		p := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Broker.Exchange)
		return p, func() { _ = p.Close() }, nil
	}
}

// Relay wires the notification publisher to the outbox relay.
func Relay(cfg *config.Config, st outbox.Store, b notify.Broker, log *logging.Logger, m *metrics.Metrics) (*notify.Publisher, *outbox.Relay) {
	pub := notify.NewPublisher(b, time.Duration(cfg.Broker.ConfirmTimeoutSeconds)*time.Second, log, m)
	relay := outbox.New(st, pub, log, m).WithSettings(outbox.Settings{
		Interval:    time.Duration(cfg.Outbox.IntervalSeconds) * time.Second,
		BatchSize:   cfg.Outbox.BatchSize,
		Lease:       time.Duration(cfg.Outbox.LeaseSeconds) * time.Second,
		BaseDelay:   time.Duration(cfg.Outbox.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Outbox.MaxDelaySeconds) * time.Second,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	return pub, relay
}

// Provider picks the logistics provider; anything but "biteship" gets the local fake.
func Provider(cfg *config.Config) carrier.LogisticsProvider {
	if cfg.Carrier.Mode == "biteship" && cfg.Carrier.APIKey != "" {
		return biteship.New(cfg.Carrier.BaseURL, cfg.Carrier.APIKey)
	}
	return fake.New(time.Duration(cfg.Carrier.FakeStepSeconds) * time.Second)
}
