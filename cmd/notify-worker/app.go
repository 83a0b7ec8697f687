package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/TrackSync/config"
	"github.com/BearBump/TrackSync/internal/bootstrap"
	"github.com/BearBump/TrackSync/internal/broker/kafka"
	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/broker/rabbitmq"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/BearBump/TrackSync/internal/integrations/channel/email"
	"github.com/BearBump/TrackSync/internal/integrations/channel/telegram"
	"github.com/BearBump/TrackSync/internal/integrations/channel/whatsapp"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/notify"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// eventSource is one channel's queue on the broker.
type eventSource interface {
	Consume(ctx context.Context, handler messages.Handler) error
	Close() error
}

// deduper is the delivered-set plus a readiness probe.
type deduper interface {
	notify.Deduper
	Ping(ctx context.Context) error
}

type notifyFactories struct {
	newDeduper func(cfg *config.Config) (deduper, func(), error)
	newSender  func(cfg *config.Config, ch models.Channel) (channel.Sender, error)
	// newSources opens one source per channel and a closer for shared connections.
	newSources func(cfg *config.Config, chs []models.Channel, log *logging.Logger) (map[models.Channel]eventSource, func(), error)
	newMetrics func() *metrics.Metrics
}

func defaultNotifyFactories() notifyFactories {
	return notifyFactories{
		newDeduper: func(cfg *config.Config) (deduper, func(), error) {
			rc := rediscache.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
			return rediscache.NewDeliveredSet(rc, cfg.Notify.DedupPrefix), func() { _ = rc.Close() }, nil
		},
		newSender:  newSender,
		newSources: newSources,
		newMetrics: bootstrap.Metrics,
	}
}

func newSender(cfg *config.Config, ch models.Channel) (channel.Sender, error) {
	switch ch {
	case models.ChannelEmail:
		if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
			return nil, errors.New("smtp host and from are required for EMAIL")
		}
		return email.New(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From), nil
	case models.ChannelWhatsApp:
		if cfg.WhatsApp.BaseURL == "" {
			return nil, errors.New("whatsapp base_url is required for WHATSAPP")
		}
		return whatsapp.New(cfg.WhatsApp.BaseURL, cfg.WhatsApp.APIKey, cfg.WhatsApp.Session, cfg.WhatsApp.PerSecond), nil
	case models.ChannelTelegram:
		if cfg.Telegram.Token == "" {
			return nil, errors.New("telegram token is required for TELEGRAM")
		}
		return telegram.New(cfg.Telegram.BaseURL, cfg.Telegram.Token), nil
	default:
		return nil, errors.Errorf("unsupported channel %q", ch)
	}
}

func newSources(cfg *config.Config, chs []models.Channel, log *logging.Logger) (map[models.Channel]eventSource, func(), error) {
	out := make(map[models.Channel]eventSource, len(chs))
	closeSources := func() {
		for _, s := range out {
			_ = s.Close()
		}
	}

	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, err
		}
		for _, ch := range chs {
			c, err := rabbitmq.NewConsumer(conn, cfg.Broker.Exchange, ch, cfg.RabbitMQ.Prefetch, log)
			if err != nil {
				closeSources()
				_ = conn.Close()
				return nil, nil, err
			}
			out[ch] = c
		}
		return out, func() {
			closeSources()
			_ = conn.Close()
		}, nil
	default:
		// у каждого канала своя consumer group: аналог отдельной очереди на topic exchange
		for _, ch := range chs {
			out[ch] = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Broker.Exchange, groupID(cfg.Kafka.ConsumerGroup, ch)).
				WithFilter(messages.BindingPattern(ch)).
				WithDeadLetter(cfg.Kafka.Brokers).
				WithLogger(log)
		}
		return out, closeSources, nil
	}
}

func groupID(prefix string, ch models.Channel) string {
	return fmt.Sprintf("%s.%s", prefix, ch.RoutingSegment())
}

func parseChannels(names []string) ([]models.Channel, error) {
	seen := map[models.Channel]bool{}
	out := make([]models.Channel, 0, len(names))
	for _, n := range names {
		ch, ok := models.ParseChannel(n)
		if !ok {
			return nil, errors.Errorf("unknown channel %q", n)
		}
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no channels configured")
	}
	return out, nil
}

func consumerSettings(cfg *config.Config) notify.ConsumerSettings {
	return notify.ConsumerSettings{
		MaxSendAttempts: cfg.Notify.MaxSendAttempts,
		InitialInterval: time.Duration(cfg.Notify.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Notify.MaxIntervalMs) * time.Millisecond,
		DedupTTL:        time.Duration(cfg.Notify.DedupTTLHours) * time.Hour,
	}
}

// RunNotifyWorker consumes every configured channel until ctx is done or one
// of the consumers fails.
func RunNotifyWorker(ctx context.Context, cfg *config.Config, f notifyFactories) error {
	log := logging.Default()
	m := f.newMetrics()

	chs, err := parseChannels(cfg.Notify.Channels)
	if err != nil {
		return err
	}

	dedup, closeDedup, err := f.newDeduper(cfg)
	if err != nil {
		return err
	}
	defer closeDedup()

	handlers := make(map[models.Channel]messages.Handler, len(chs))
	for _, ch := range chs {
		sender, err := f.newSender(cfg, ch)
		if err != nil {
			return err
		}
		handlers[ch] = notify.NewConsumer(sender, dedup, log, m).WithSettings(consumerSettings(cfg)).Handle
	}

	sources, closeSources, err := f.newSources(cfg, chs, log)
	if err != nil {
		return err
	}
	defer closeSources()

	if cfg.Notify.HTTPAddr != "" {
		go func() {
			if err := runOpsHTTPServer(ctx, cfg.Notify.HTTPAddr, dedup.Ping); err != nil && ctx.Err() == nil {
				log.Error("notify http server stopped", "err", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chs {
		src, handler := sources[ch], handlers[ch]
		g.Go(func() error {
			log.Info("consumer started", "channel", ch.String(), "broker", cfg.Broker.Kind)
			return errors.Wrapf(src.Consume(gctx, handler), "consume %s", ch)
		})
	}
	return g.Wait()
}
