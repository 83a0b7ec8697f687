package pgtracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "tracksync_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/tracksync_test?sslmode=disable"
	st, err := New(dsn, 20)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func seedShipment(t *testing.T, st *Storage, waybill string, status models.Status, nextRunAt time.Time) (models.Shipment, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sh := models.Shipment{
		ID: uuid.New(), WaybillID: waybill, CourierCode: "jne",
		Source: models.ShipmentExternal, CurrentStatus: status, CreatedAt: now,
	}
	iv, _ := status.IntervalMinutes()
	user := models.UserContact{UserID: uuid.New(), Email: waybill + "@example.com", Phone: "62811"}

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	require.NoError(t, tx.UpsertUser(ctx, user))
	require.NoError(t, tx.CreateShipment(ctx, sh, models.TrackingJob{NextRunAt: nextRunAt, IntervalMinutes: iv, IsActive: true}))
	require.NoError(t, tx.CreateSubscription(ctx, models.ShipmentSubscription{
		ID: uuid.New(), UserID: user.UserID, ShipmentID: sh.ID,
		SubscribedStatuses: []models.Status{models.StatusInTransit, models.StatusDelivered},
		SubscribedChannels: []models.Channel{models.ChannelEmail, models.ChannelWhatsApp},
		Label:              "gift", CreatedAt: now,
	}))
	require.NoError(t, tx.Commit(ctx))
	return sh, user.UserID
}

func TestPGTracking_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due, userID := seedShipment(t, st, "WB-DUE", models.StatusCreated, now.Add(-time.Minute))
	seedShipment(t, st, "WB-LATER", models.StatusCreated, now.Add(time.Hour))

	// duplicate waybill+courier
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	err = tx.CreateShipment(ctx, models.Shipment{ID: uuid.New(), WaybillID: "WB-DUE", CourierCode: "jne", CurrentStatus: models.StatusCreated, CreatedAt: now},
		models.TrackingJob{NextRunAt: now, IntervalMinutes: 360, IsActive: true})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, tx.Rollback(ctx))

	claims, err := st.ClaimDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	c := claims[0]
	require.Equal(t, due.ID, c.Job.ShipmentID)
	require.Equal(t, models.StatusCreated, c.Job.CurrentStatus)
	require.Equal(t, 360, c.Job.IntervalMinutes)

	subs, err := c.ListSubscriptions(ctx, due.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.True(t, subs[0].Wants(models.StatusInTransit))
	require.ElementsMatch(t, []models.Channel{models.ChannelEmail, models.ChannelWhatsApp}, subs[0].SubscribedChannels)

	contacts, err := c.GetUserContacts(ctx, []uuid.UUID{userID})
	require.NoError(t, err)
	require.Equal(t, "WB-DUE@example.com", contacts[userID].Email)

	require.NoError(t, c.InsertTrackingEvent(ctx, models.TrackingEvent{
		ID: uuid.New(), ShipmentID: due.ID, RawStatus: "dropping_off", NormalizedStatus: models.StatusInTransit,
		OccurredAt: now, Source: models.SourcePolling, CreatedAt: now,
	}))
	require.NoError(t, c.UpdateShipmentStatus(ctx, due.ID, models.StatusInTransit))
	require.NoError(t, c.UpdateJobSchedule(ctx, due.ID, now.Add(time.Hour), 60, 0))

	msgID := uuid.New()
	rowID := uuid.New()
	require.NoError(t, c.InsertOutbox(ctx, models.OutboxMessage{
		ID: rowID, MessageID: msgID, RoutingKey: "notification.tracking_status_changed.email",
		Payload: []byte(`{"x":1}`), AvailableAt: now, CreatedAt: now,
	}))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.Rollback(ctx))

	sh, err := st.GetShipment(ctx, due.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, sh.CurrentStatus)

	evs, err := st.ListTrackingEvents(ctx, due.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.SourcePolling, evs[0].Source)

	// nothing due any more
	claims, err = st.ClaimDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, claims)

	byUser, err := st.ListShipmentsByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, byUser, 1)

	_, err = st.GetShipment(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPGTracking_ClaimExclusivity(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 12; i++ {
		seedShipment(t, st, "WB-"+uuid.NewString()[:8], models.StatusInTransit, now.Add(-time.Duration(i)*time.Minute))
	}

	const workers = 3
	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := map[uuid.UUID]int{}
	held := make([][]*Claim, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			claims, err := st.ClaimDueJobs(ctx, now, 4)
			require.NoError(t, err)
			held[w] = claims
			mu.Lock()
			for _, c := range claims {
				seen[c.Job.ShipmentID]++
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	total := 0
	for id, n := range seen {
		require.Equal(t, 1, n, id)
		total += n
	}
	require.Equal(t, 12, total)

	for _, claims := range held {
		for _, c := range claims {
			require.NoError(t, c.Rollback(ctx))
		}
	}

	// rolled back claims are due again
	claims, err := st.ClaimDueJobs(ctx, now, 20)
	require.NoError(t, err)
	require.Len(t, claims, 12)
	for _, c := range claims {
		_ = c.Rollback(ctx)
	}
}

func TestPGTracking_LockJobByWaybill(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sh, _ := seedShipment(t, st, "WB-HOOK", models.StatusInTransit, now.Add(time.Hour))

	c, err := st.LockJobByWaybill(ctx, "WB-HOOK", "JNE")
	require.NoError(t, err)
	require.Equal(t, sh.ID, c.Job.ShipmentID)
	require.NoError(t, c.DeactivateJob(ctx, sh.ID))
	require.NoError(t, c.InsertWebhookLog(ctx, []byte(`{"event":"order.status"}`), now))
	require.NoError(t, c.Commit(ctx))

	_, err = st.LockJobByWaybill(ctx, "WB-NOPE", "")
	require.ErrorIs(t, err, ErrNotFound)

	// inactive jobs are never claimed
	claims, err := st.ClaimDueJobs(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestPGTracking_OutboxAndMappings(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mappings, err := st.ListStatusMappings(ctx, "biteship")
	require.NoError(t, err)
	require.NotEmpty(t, mappings)
	require.NoError(t, st.UpsertStatusMapping(ctx, models.StatusMapping{Platform: "biteship", RawStatus: "lost", NormalizedStatus: models.StatusFailed}))

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b} {
		require.NoError(t, tx.InsertOutbox(ctx, models.OutboxMessage{
			ID: id, MessageID: uuid.New(), RoutingKey: "notification.tracking_added.email",
			Payload: []byte(`{}`), AvailableAt: now, CreatedAt: now,
		}))
	}
	require.NoError(t, tx.Commit(ctx))

	got, err := st.ClaimOutbox(ctx, []uuid.UUID{a}, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, a, got[0].ID)

	// leased row is skipped until the lease runs out
	got, err = st.ClaimOutbox(ctx, nil, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b, got[0].ID)

	require.NoError(t, st.MarkOutboxSent(ctx, a, now))
	require.NoError(t, st.MarkOutboxFailed(ctx, b, "nack", now.Add(-time.Second), false))

	got, err = st.ClaimOutbox(ctx, nil, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Attempts)
	require.NoError(t, st.MarkOutboxFailed(ctx, b, "nack", now, true))

	counts, err := st.CountOutbox(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[models.OutboxSent])
	require.Equal(t, int64(1), counts[models.OutboxDead])
}

func TestPGTracking_LockJobByWaybill_SeesCommittedPoll(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sh, _ := seedShipment(t, st, "WB-RACE", models.StatusCreated, now.Add(-time.Minute))

	claims, err := st.ClaimDueJobs(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	poll := claims[0]

	type locked struct {
		c   *Claim
		err error
	}
	hookCh := make(chan locked, 1)
	go func() {
		c, err := st.LockJobByWaybill(ctx, "WB-RACE", "jne")
		hookCh <- locked{c, err}
	}()

	// вебхук должен ждать, пока poll держит блокировку
	select {
	case <-hookCh:
		t.Fatal("webhook lock acquired while poll claim is held")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, poll.UpdateShipmentStatus(ctx, sh.ID, models.StatusInTransit))
	require.NoError(t, poll.UpdateJobSchedule(ctx, sh.ID, now.Add(time.Hour), 60, 0))
	require.NoError(t, poll.Commit(ctx))

	var got locked
	select {
	case got = <-hookCh:
	case <-time.After(10 * time.Second):
		t.Fatal("webhook lock not acquired after poll commit")
	}
	require.NoError(t, got.err)
	defer func() { _ = got.c.Rollback(ctx) }()
	require.Equal(t, models.StatusInTransit, got.c.Job.CurrentStatus)
	require.Equal(t, 60, got.c.Job.IntervalMinutes)
}

func TestPGTracking_UpsertStatusMapping_RejectsUnknownStatus(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	err := st.UpsertStatusMapping(ctx, models.StatusMapping{Platform: "biteship", RawStatus: "x", NormalizedStatus: "InTransit"})
	require.Error(t, err)

	require.NoError(t, st.UpsertStatusMapping(ctx, models.StatusMapping{Platform: "biteship", RawStatus: "y", NormalizedStatus: "in_transit"}))
	rows, err := st.ListStatusMappings(ctx, "biteship")
	require.NoError(t, err)
	found := false
	for _, m := range rows {
		if m.RawStatus == "y" {
			found = true
			require.Equal(t, models.StatusInTransit, m.NormalizedStatus)
		}
	}
	require.True(t, found)
}

func TestPGTracking_ListTrackingEvents_NewestFirst(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	sh, _ := seedShipment(t, st, "WB-EVENTS", models.StatusCreated, now.Add(time.Hour))

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	for i, status := range []models.Status{models.StatusReceived, models.StatusInTransit, models.StatusDelivered} {
		require.NoError(t, tx.InsertTrackingEvent(ctx, models.TrackingEvent{
			ID: uuid.New(), ShipmentID: sh.ID, RawStatus: status.Lower(), NormalizedStatus: status,
			OccurredAt: now.Add(time.Duration(i) * time.Hour), Source: models.SourcePolling, CreatedAt: now,
		}))
	}
	require.NoError(t, tx.Commit(ctx))

	evs, err := st.ListTrackingEvents(ctx, sh.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, models.StatusDelivered, evs[0].NormalizedStatus)
	require.Equal(t, models.StatusReceived, evs[2].NormalizedStatus)

	evs, err = st.ListTrackingEvents(ctx, sh.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.StatusInTransit, evs[0].NormalizedStatus)
}
