package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "tracksync")

	m.JobsClaimed.Add(3)
	m.Outcomes.WithLabelValues("transition", "POLLING").Inc()
	m.DeadLettered.WithLabelValues("EMAIL").Inc()

	require.Equal(t, 3.0, testutil.ToFloat64(m.JobsClaimed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("transition", "POLLING")))

	n, err := testutil.GatherAndCount(reg, "tracksync_consumer_dead_lettered_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewNop_Independent(t *testing.T) {
	require.NotPanics(t, func() {
		_ = NewNop()
		_ = NewNop()
	})
}
