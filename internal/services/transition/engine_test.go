package transition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) UpdateJobSchedule(ctx context.Context, shipmentID uuid.UUID, nextRunAt time.Time, intervalMinutes, attempt int) error {
	return m.Called(ctx, shipmentID, nextRunAt, intervalMinutes, attempt).Error(0)
}

func (m *writerMock) DeactivateJob(ctx context.Context, shipmentID uuid.UUID) error {
	return m.Called(ctx, shipmentID).Error(0)
}

func (m *writerMock) InsertTrackingEvent(ctx context.Context, ev models.TrackingEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *writerMock) UpdateShipmentStatus(ctx context.Context, shipmentID uuid.UUID, st models.Status) error {
	return m.Called(ctx, shipmentID, st).Error(0)
}

type mapResolver map[string]models.Status

func (r mapResolver) Resolve(raw string) models.Status {
	if st, ok := r[raw]; ok {
		return st
	}
	return models.StatusUnknown
}

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	r := mapResolver{"picked": models.StatusReceived, "dropping_off": models.StatusInTransit, "delivered": models.StatusDelivered}
	return NewEngine(DefaultPolicy(), r, nil, nil).WithClock(func() time.Time { return fixedNow })
}

func TestEngine_Observe_Transition(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusCreated, IntervalMinutes: 360, IsActive: true}
	w := &writerMock{}
	w.On("InsertTrackingEvent", mock.Anything, mock.MatchedBy(func(ev models.TrackingEvent) bool {
		return ev.ShipmentID == job.ShipmentID &&
			ev.RawStatus == "dropping_off" &&
			ev.NormalizedStatus == models.StatusInTransit &&
			ev.Source == models.SourcePolling &&
			ev.OccurredAt.Equal(fixedNow)
	})).Return(nil).Once()
	w.On("UpdateShipmentStatus", mock.Anything, job.ShipmentID, models.StatusInTransit).Return(nil).Once()
	w.On("UpdateJobSchedule", mock.Anything, job.ShipmentID, fixedNow.Add(time.Hour), 60, 0).Return(nil).Once()

	out, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "dropping_off"}, models.SourcePolling)
	require.NoError(t, err)
	require.Equal(t, Transition, out.Kind)
	w.AssertExpectations(t)
}

func TestEngine_Observe_SameStatusTwice_RecordsNothing(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusInTransit, IntervalMinutes: 60, IsActive: true}
	w := &writerMock{}
	w.On("UpdateJobSchedule", mock.Anything, job.ShipmentID, fixedNow.Add(time.Hour), 60, 0).Return(nil).Twice()

	e := newTestEngine()
	for i := 0; i < 2; i++ {
		out, err := e.Observe(context.Background(), w, job, Observation{RawStatus: "dropping_off"}, models.SourcePolling)
		require.NoError(t, err)
		require.Equal(t, NoChange, out.Kind)
	}
	w.AssertNotCalled(t, "InsertTrackingEvent", mock.Anything, mock.Anything)
	w.AssertExpectations(t)
}

func TestEngine_Observe_TerminalDeactivates(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusInTransit, IntervalMinutes: 60, IsActive: true}
	w := &writerMock{}
	w.On("InsertTrackingEvent", mock.Anything, mock.Anything).Return(nil).Once()
	w.On("UpdateShipmentStatus", mock.Anything, job.ShipmentID, models.StatusDelivered).Return(nil).Once()
	w.On("DeactivateJob", mock.Anything, job.ShipmentID).Return(nil).Once()

	out, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "delivered"}, models.SourceWebhook)
	require.NoError(t, err)
	require.Equal(t, Deactivate, out.Kind)
	w.AssertExpectations(t)
	w.AssertNotCalled(t, "UpdateJobSchedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_Observe_RepeatOnFinishedJob_KeepsScheduleUntouched(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusDelivered, IntervalMinutes: 60}
	w := &writerMock{}

	out, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "delivered"}, models.SourceWebhook)
	require.NoError(t, err)
	require.Equal(t, NoChange, out.Kind)
	w.AssertNotCalled(t, "UpdateJobSchedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	w.AssertNotCalled(t, "DeactivateJob", mock.Anything, mock.Anything)
	w.AssertNotCalled(t, "InsertTrackingEvent", mock.Anything, mock.Anything)
}

func TestEngine_Observe_LateChangeOnFinishedJob_RecordsWithoutRescheduling(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusDelivered, IntervalMinutes: 60}
	w := &writerMock{}
	w.On("InsertTrackingEvent", mock.Anything, mock.Anything).Return(nil).Once()
	w.On("UpdateShipmentStatus", mock.Anything, job.ShipmentID, models.StatusInTransit).Return(nil).Once()

	out, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "dropping_off"}, models.SourceWebhook)
	require.NoError(t, err)
	require.Equal(t, Transition, out.Kind)
	w.AssertExpectations(t)
	w.AssertNotCalled(t, "UpdateJobSchedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_Observe_InactiveJob_NotRescheduled(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusInTransit, IntervalMinutes: 60}
	w := &writerMock{}

	out, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "dropping_off"}, models.SourceWebhook)
	require.NoError(t, err)
	require.Equal(t, NoChange, out.Kind)
	require.True(t, out.Unscheduled)
	w.AssertNotCalled(t, "UpdateJobSchedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_Observe_UnmappedBecomesUnknown(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusReceived, IntervalMinutes: 180, IsActive: true}
	w := &writerMock{}
	w.On("InsertTrackingEvent", mock.Anything, mock.Anything).Return(nil).Once()
	w.On("UpdateShipmentStatus", mock.Anything, job.ShipmentID, models.StatusUnknown).Return(nil).Once()
	w.On("UpdateJobSchedule", mock.Anything, job.ShipmentID, fixedNow.Add(360*time.Minute), 360, 0).Return(nil).Once()

	_, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "teleported"}, models.SourcePolling)
	require.NoError(t, err)
	w.AssertExpectations(t)
}

func TestEngine_Observe_WriterErrorPropagates(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusCreated, IntervalMinutes: 360, IsActive: true}
	want := errors.New("conn reset")
	w := &writerMock{}
	w.On("InsertTrackingEvent", mock.Anything, mock.Anything).Return(want).Once()

	_, err := newTestEngine().Observe(context.Background(), w, job, Observation{RawStatus: "picked"}, models.SourcePolling)
	require.ErrorIs(t, err, want)
	w.AssertNotCalled(t, "UpdateShipmentStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_Fail_Backoff(t *testing.T) {
	job := models.TrackingJob{ShipmentID: uuid.New(), CurrentStatus: models.StatusInTransit, IntervalMinutes: 60, Attempt: 1, IsActive: true}
	w := &writerMock{}
	w.On("UpdateJobSchedule", mock.Anything, job.ShipmentID, fixedNow.Add(15*time.Minute), 60, 2).Return(nil).Once()

	out, err := newTestEngine().Fail(context.Background(), w, job)
	require.NoError(t, err)
	require.Equal(t, RetryBackoff, out.Kind)
	w.AssertExpectations(t)
}
