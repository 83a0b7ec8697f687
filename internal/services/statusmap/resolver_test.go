package statusmap

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	rows []models.StatusMapping
	err  error
}

func (r *fakeRepo) ListStatusMappings(ctx context.Context, platform string) ([]models.StatusMapping, error) {
	return r.rows, r.err
}

func TestResolver_ExactMatchAndFallback(t *testing.T) {
	repo := &fakeRepo{rows: []models.StatusMapping{
		{Platform: "biteship", RawStatus: "dropping_off", NormalizedStatus: models.StatusInTransit},
		{Platform: "biteship", RawStatus: "delivered", NormalizedStatus: models.StatusDelivered},
	}}
	r, err := New(context.Background(), repo, "biteship", nil)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	require.Equal(t, models.StatusInTransit, r.Resolve("dropping_off"))
	require.Equal(t, models.StatusDelivered, r.Resolve("delivered"))
	require.Equal(t, models.StatusUnknown, r.Resolve("Delivered"))
	require.Equal(t, models.StatusUnknown, r.Resolve(""))
}

func TestResolver_InitialLoadFailure(t *testing.T) {
	_, err := New(context.Background(), &fakeRepo{err: errors.New("db down")}, "biteship", nil)
	require.Error(t, err)
}

func TestResolver_RefreshFailureKeepsSnapshot(t *testing.T) {
	repo := &fakeRepo{rows: []models.StatusMapping{{RawStatus: "picked", NormalizedStatus: models.StatusReceived}}}
	r, err := New(context.Background(), repo, "biteship", nil)
	require.NoError(t, err)

	repo.err = errors.New("db down")
	require.Error(t, r.Load(context.Background()))
	require.Equal(t, models.StatusReceived, r.Resolve("picked"))

	repo.err = nil
	repo.rows = []models.StatusMapping{{RawStatus: "picked", NormalizedStatus: models.StatusInTransit}}
	require.NoError(t, r.Load(context.Background()))
	require.Equal(t, models.StatusInTransit, r.Resolve("picked"))
}

func TestResolver_NormalizesMappedStatus(t *testing.T) {
	repo := &fakeRepo{rows: []models.StatusMapping{
		{Platform: "biteship", RawStatus: "delivered", NormalizedStatus: "delivered"},
		{Platform: "biteship", RawStatus: "on_the_way", NormalizedStatus: " in_transit "},
		{Platform: "biteship", RawStatus: "weird", NormalizedStatus: "InTransit"},
	}}
	r, err := New(context.Background(), repo, "biteship", nil)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	st := r.Resolve("delivered")
	require.Equal(t, models.StatusDelivered, st)
	require.True(t, st.IsTerminal())
	require.Equal(t, models.StatusInTransit, r.Resolve("on_the_way"))

	// нераспознанная строка маппинга отброшена, а не протекла в домен
	st = r.Resolve("weird")
	require.Equal(t, models.StatusUnknown, st)
	_, ok := st.IntervalMinutes()
	require.True(t, ok)
}
