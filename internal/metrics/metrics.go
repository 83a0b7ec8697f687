package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters shared by the scheduler, the outbox relay and the notification consumers.
type Metrics struct {
	JobsClaimed     prometheus.Counter
	JobsProcessed   prometheus.Counter
	JobErrors       prometheus.Counter
	Outcomes        *prometheus.CounterVec
	ProviderLatency prometheus.Histogram

	Published     *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec

	OutboxSent   prometheus.Counter
	OutboxFailed prometheus.Counter
	OutboxDead   prometheus.Counter

	Consumed     *prometheus.CounterVec
	Delivered    *prometheus.CounterVec
	Duplicates   *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
}

// New registers every collector on reg. Passing a fresh registry keeps tests isolated.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "jobs_claimed_total", Help: "Tracking jobs claimed for processing",
		}),
		JobsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "jobs_processed_total", Help: "Tracking jobs that finished processing",
		}),
		JobErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "job_errors_total", Help: "Tracking jobs rolled back on error",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transition",
			Name: "outcomes_total", Help: "Transition engine decisions",
		}, []string{"kind", "source"}),
		ProviderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler",
			Name: "provider_request_duration_seconds", Help: "Logistics provider call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher",
			Name: "published_total", Help: "Notification events confirmed by the broker",
		}, []string{"routing_key"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher",
			Name: "publish_errors_total", Help: "Notification events not confirmed by the broker",
		}, []string{"routing_key"}),
		OutboxSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox",
			Name: "sent_total", Help: "Outbox rows published",
		}),
		OutboxFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox",
			Name: "failed_total", Help: "Outbox publish attempts that failed",
		}),
		OutboxDead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox",
			Name: "dead_total", Help: "Outbox rows given up on",
		}),
		Consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer",
			Name: "consumed_total", Help: "Notification events received",
		}, []string{"channel"}),
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer",
			Name: "delivered_total", Help: "Notifications handed to a channel sender",
		}, []string{"channel"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer",
			Name: "duplicates_total", Help: "Redelivered notifications skipped",
		}, []string{"channel"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer",
			Name: "dead_lettered_total", Help: "Notifications routed to the dead-letter destination",
		}, []string{"channel"}),
	}
}

// NewNop returns metrics bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "tracksync")
}
