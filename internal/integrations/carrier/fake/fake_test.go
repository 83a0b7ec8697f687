package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProvider_FetchTracking(t *testing.T) {
	p := New(time.Hour)
	a, err := p.FetchTracking(context.Background(), "WB1", "jne")
	require.NoError(t, err)
	require.NotEmpty(t, a.RawStatus)
	require.False(t, a.OccurredAt.IsZero())

	b, err := p.FetchTracking(context.Background(), "WB1", "jne")
	require.NoError(t, err)
	require.Equal(t, a.RawStatus, b.RawStatus)
}

func TestProvider_Advances(t *testing.T) {
	p := New(time.Minute)
	base := p.start
	p.now = func() time.Time { return base.Add(24 * time.Hour) }

	res, err := p.FetchTracking(context.Background(), "WB1", "jne")
	require.NoError(t, err)
	require.Equal(t, "delivered", res.RawStatus)
}

func TestProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(0).FetchTracking(ctx, "WB1", "jne")
	require.ErrorIs(t, err, context.Canceled)
}
