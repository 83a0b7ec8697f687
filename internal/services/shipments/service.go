package shipments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/notify"
	"github.com/BearBump/TrackSync/internal/services/transition"
	"github.com/BearBump/TrackSync/internal/storage/pgtracking"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const EventOrderStatus = "order.status"

var (
	ErrUnsupportedEvent    = errors.New("unsupported webhook event")
	ErrNotFound            = errors.New("shipment not found")
	ErrAlreadyTracked      = errors.New("shipment already tracked")
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderUnavailable = errors.New("logistics provider unavailable")
	// ErrPublishPending: the change is committed, events wait in the outbox for the relay.
	ErrPublishPending = errors.New("notifications pending")
)

// WebhookTx is the transaction of one locked job on the webhook path.
type WebhookTx interface {
	transition.Writer
	notify.StageStore
	InsertWebhookLog(ctx context.Context, payload []byte, processedAt time.Time) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type LockedJob struct {
	Job models.TrackingJob
	Tx  WebhookTx
}

type RegisterTx interface {
	notify.StageStore
	UpsertUser(ctx context.Context, u models.UserContact) error
	CreateShipment(ctx context.Context, sh models.Shipment, job models.TrackingJob) error
	CreateSubscription(ctx context.Context, sub models.ShipmentSubscription) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Repository interface {
	LockJobByWaybill(ctx context.Context, waybillID, courierCode string) (LockedJob, error)
	BeginRegister(ctx context.Context) (RegisterTx, error)
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	ListShipmentsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Shipment, error)
	DeleteShipment(ctx context.Context, id uuid.UUID) error
	ListTrackingEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error)
}

type Stager interface {
	Stage(ctx context.Context, store notify.StageStore, ref notify.ShipmentRef, status models.Status, eventType string) ([]uuid.UUID, error)
}

type Flusher interface {
	Flush(ctx context.Context, ids ...uuid.UUID) (int, error)
}

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// WebhookEvent is the Biteship order.status callback body.
type WebhookEvent struct {
	Event             string    `json:"event" validate:"required"`
	OrderID           string    `json:"order_id"`
	CourierTrackingID string    `json:"courier_tracking_id"`
	CourierWaybillID  string    `json:"courier_waybill_id" validate:"required"`
	CourierCompany    string    `json:"courier_company"`
	CourierType       string    `json:"courier_type"`
	Status            string    `json:"status" validate:"required"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type RegisterInput struct {
	UserID      uuid.UUID
	WaybillID   string
	CourierCode string
	Internal    bool
	Label       string
	Statuses    []models.Status
	Channels    []models.Channel
	Contact     models.UserContact
}

// DefaultStatuses is what a subscription follows when the caller did not choose.
var DefaultStatuses = []models.Status{models.StatusInTransit, models.StatusOutForDelivery, models.StatusDelivered}

type Service struct {
	repo     Repository
	provider carrier.LogisticsProvider
	resolver transition.Resolver
	engine   *transition.Engine
	stager   Stager
	flusher  Flusher
	log      *logging.Logger

	cache      BytesCache
	currentTTL time.Duration

	now func() time.Time
}

func New(repo Repository, provider carrier.LogisticsProvider, resolver transition.Resolver, engine *transition.Engine, stager Stager, flusher Flusher, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		repo:     repo,
		provider: provider,
		resolver: resolver,
		engine:   engine,
		stager:   stager,
		flusher:  flusher,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithCache enables the read-through cache of GetShipment.
func (s *Service) WithCache(c BytesCache, ttl time.Duration) *Service {
	s.cache, s.currentTTL = c, ttl
	return s
}

// HandleWebhook runs one status callback through the same engine as the poller,
// in one transaction with the raw payload log and the outbox rows.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent, raw []byte) (transition.Outcome, error) {
	if ev.Event != EventOrderStatus {
		return transition.Outcome{}, errors.Wrapf(ErrUnsupportedEvent, "%q", ev.Event)
	}

	locked, err := s.repo.LockJobByWaybill(ctx, ev.CourierWaybillID, ev.CourierCompany)
	if err != nil {
		if errors.Is(err, pgtracking.ErrNotFound) {
			return transition.Outcome{}, errors.Wrapf(ErrNotFound, "waybill %s", ev.CourierWaybillID)
		}
		return transition.Outcome{}, err
	}
	tx := locked.Tx
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	out, err := s.engine.Observe(ctx, tx, locked.Job, transition.Observation{
		RawStatus:   ev.Status,
		Description: fmt.Sprintf("%s: %s", ev.Event, ev.Status),
		OccurredAt:  ev.UpdatedAt,
	}, models.SourceWebhook)
	if err != nil {
		return transition.Outcome{}, errors.Wrap(err, "apply webhook")
	}

	var ids []uuid.UUID
	if out.Changed() {
		ids, err = s.stager.Stage(ctx, tx, refOf(locked.Job), out.To, messages.EventTrackingStatusUpdated)
		if err != nil {
			return transition.Outcome{}, errors.Wrap(err, "stage notifications")
		}
	}

	if err := tx.InsertWebhookLog(ctx, raw, s.now()); err != nil {
		return transition.Outcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return transition.Outcome{}, errors.Wrap(err, "commit")
	}
	committed = true
	s.invalidate(ctx, locked.Job.ShipmentID)

	return out, s.flush(ctx, ids)
}

// Register fetches the current status, creates shipment, job and subscription,
// and stages tracking.added for every subscribed channel.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.Shipment, error) {
	in.WaybillID = strings.TrimSpace(in.WaybillID)
	in.CourierCode = strings.ToLower(strings.TrimSpace(in.CourierCode))
	if in.UserID == uuid.Nil || in.WaybillID == "" || in.CourierCode == "" {
		return nil, errors.Wrap(ErrInvalidInput, "user, waybill and courier are required")
	}
	if len(in.Channels) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "at least one channel is required")
	}
	if len(in.Statuses) == 0 {
		in.Statuses = DefaultStatuses
	}

	res, err := s.provider.FetchTracking(ctx, in.WaybillID, in.CourierCode)
	if err != nil {
		if errors.Is(err, carrier.ErrWaybillNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "waybill %s", in.WaybillID)
		}
		s.log.Warn("provider call failed on register", "waybill_id", in.WaybillID, "courier", in.CourierCode, "err", err)
		return nil, errors.Wrap(ErrProviderUnavailable, err.Error())
	}

	now := s.now()
	status := s.resolver.Resolve(res.RawStatus)
	source := models.ShipmentExternal
	if in.Internal {
		source = models.ShipmentInternal
	}
	sh := models.Shipment{
		ID:            uuid.New(),
		WaybillID:     in.WaybillID,
		CourierCode:   in.CourierCode,
		Source:        source,
		CurrentStatus: status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	job := models.TrackingJob{
		ShipmentID:    sh.ID,
		WaybillID:     sh.WaybillID,
		CourierCode:   sh.CourierCode,
		CurrentStatus: status,
		IsActive:      !status.IsTerminal(),
	}
	iv, ok := status.IntervalMinutes()
	if !ok {
		iv, _ = models.StatusUnknown.IntervalMinutes()
	}
	job.IntervalMinutes = iv
	job.NextRunAt = now.Add(time.Duration(iv) * time.Minute)

	tx, err := s.repo.BeginRegister(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	in.Contact.UserID = in.UserID
	if err := tx.UpsertUser(ctx, in.Contact); err != nil {
		return nil, err
	}
	if err := tx.CreateShipment(ctx, sh, job); err != nil {
		if errors.Is(err, pgtracking.ErrConflict) {
			return nil, errors.Wrapf(ErrAlreadyTracked, "%s/%s", in.CourierCode, in.WaybillID)
		}
		return nil, err
	}
	if err := tx.CreateSubscription(ctx, models.ShipmentSubscription{
		ID:                 uuid.New(),
		UserID:             in.UserID,
		ShipmentID:         sh.ID,
		SubscribedStatuses: in.Statuses,
		SubscribedChannels: in.Channels,
		Label:              in.Label,
		CreatedAt:          now,
	}); err != nil {
		return nil, err
	}

	ids, err := s.stager.Stage(ctx, tx, refOf(job), status, messages.EventTrackingAdded)
	if err != nil {
		return nil, errors.Wrap(err, "stage notifications")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	committed = true

	s.log.Info("shipment registered", "shipment_id", sh.ID.String(), "waybill_id", sh.WaybillID, "status", status.String())
	return &sh, s.flush(ctx, ids)
}

func (s *Service) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	// кэш best-effort: ошибки редиса не ломают чтение
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(id)); err == nil && ok {
			var sh models.Shipment
			if sonic.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if s.cache != nil && s.currentTTL > 0 {
		if b, err := sonic.Marshal(sh); err == nil {
			_ = s.cache.Set(ctx, currentKey(id), b, s.currentTTL)
		}
	}
	return sh, nil
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Shipment, error) {
	return s.repo.ListShipmentsByUser(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteShipment(ctx, id); err != nil {
		return mapNotFound(err)
	}
	s.invalidate(ctx, id)
	return nil
}

// ListEvents returns the audit trail, newest first.
func (s *Service) ListEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	if _, err := s.repo.GetShipment(ctx, shipmentID); err != nil {
		return nil, mapNotFound(err)
	}
	return s.repo.ListTrackingEvents(ctx, shipmentID, limit, offset)
}

func (s *Service) flush(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 || s.flusher == nil {
		return nil
	}
	if _, err := s.flusher.Flush(ctx, ids...); err != nil {
		s.log.Warn("publish after commit failed, outbox relay will retry", "count", len(ids), "err", err)
		return errors.Wrap(ErrPublishPending, err.Error())
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, currentKey(id)); err != nil {
		s.log.Warn("cache invalidate", "shipment_id", id.String(), "err", err)
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, pgtracking.ErrNotFound) {
		return errors.Wrap(ErrNotFound, err.Error())
	}
	return err
}

func refOf(job models.TrackingJob) notify.ShipmentRef {
	return notify.ShipmentRef{ID: job.ShipmentID, WaybillID: job.WaybillID, CourierCode: job.CourierCode}
}

func currentKey(id uuid.UUID) string {
	return fmt.Sprintf("shipment:%s:current", id)
}
