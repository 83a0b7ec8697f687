package shipments_api

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/shipments"
	"github.com/BearBump/TrackSync/internal/services/transition"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

type Service interface {
	HandleWebhook(ctx context.Context, ev shipments.WebhookEvent, raw []byte) (transition.Outcome, error)
	Register(ctx context.Context, in shipments.RegisterInput) (*models.Shipment, error)
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Shipment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error)
}

// WebhookAuth is the shared header secret Biteship sends with each callback.
type WebhookAuth struct {
	HeaderKey string
	Secret    string
}

type ShipmentsAPI struct {
	svc      Service
	auth     WebhookAuth
	validate *validator.Validate
	log      *logging.Logger
}

func New(svc Service, auth WebhookAuth, log *logging.Logger) *ShipmentsAPI {
	if log == nil {
		log = logging.Default()
	}
	return &ShipmentsAPI{svc: svc, auth: auth, validate: validator.New(), log: log}
}

// Mount registers the routes on r.
func (a *ShipmentsAPI) Mount(r chi.Router) {
	r.With(a.webhookAuth).Post("/v1/webhooks/biteship", a.biteshipWebhook)

	r.Post("/v1/shipments", a.createShipment)
	r.Get("/v1/shipments/{id}", a.getShipment)
	r.Delete("/v1/shipments/{id}", a.deleteShipment)
	r.Get("/v1/shipments/{id}/events", a.listEvents)
	r.Get("/v1/users/{id}/shipments", a.listByUser)
}

func (a *ShipmentsAPI) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *ShipmentsAPI) authorized(r *http.Request) bool {
	if a.auth.HeaderKey == "" || a.auth.Secret == "" {
		return false
	}
	got := r.Header.Get(a.auth.HeaderKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.auth.Secret)) == 1
}

func (a *ShipmentsAPI) biteshipWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var ev shipments.WebhookEvent
	if err := sonic.Unmarshal(raw, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.validate.StructCtx(r.Context(), ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.svc.HandleWebhook(r.Context(), ev, raw)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Outcome: out.Kind.String(), Status: out.To.String()})
}

type webhookResponse struct {
	Outcome string `json:"outcome"`
	Status  string `json:"status,omitempty"`
}

type contactRequest struct {
	Email          string `json:"email" validate:"omitempty,email"`
	Phone          string `json:"phone"`
	TelegramChatID string `json:"telegram_chat_id"`
}

type createShipmentRequest struct {
	UserID      string         `json:"user_id" validate:"required,uuid"`
	WaybillID   string         `json:"awb" validate:"required,max=64"`
	CourierCode string         `json:"courier_code" validate:"required,max=32"`
	IsInternal  bool           `json:"is_internal"`
	Label       string         `json:"label" validate:"omitempty,max=100"`
	NotifyOn    []string       `json:"notify_on" validate:"required,min=1,dive,oneof=WHATSAPP EMAIL TELEGRAM whatsapp email telegram"`
	Statuses    []string       `json:"statuses" validate:"omitempty,dive,required"`
	Contact     contactRequest `json:"contact"`
}

func (a *ShipmentsAPI) createShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || sonic.Unmarshal(body, &req) != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.validate.StructCtx(r.Context(), req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := shipments.RegisterInput{
		UserID:      uuid.MustParse(req.UserID),
		WaybillID:   req.WaybillID,
		CourierCode: req.CourierCode,
		Internal:    req.IsInternal,
		Label:       req.Label,
		Contact: models.UserContact{
			Email:          req.Contact.Email,
			Phone:          req.Contact.Phone,
			TelegramChatID: req.Contact.TelegramChatID,
		},
	}
	for _, c := range req.NotifyOn {
		ch, _ := models.ParseChannel(c)
		in.Channels = append(in.Channels, ch)
	}
	for _, s := range req.Statuses {
		st, ok := models.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		in.Statuses = append(in.Statuses, st)
	}

	sh, err := a.svc.Register(r.Context(), in)
	if err != nil {
		if errors.Is(err, shipments.ErrPublishPending) && sh != nil {
			writeJSON(w, http.StatusAccepted, toShipment(sh))
			return
		}
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShipment(sh))
}

func (a *ShipmentsAPI) getShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	sh, err := a.svc.GetShipment(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipment(sh))
}

func (a *ShipmentsAPI) deleteShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ShipmentsAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)

	evs, err := a.svc.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]trackingEvent, 0, len(evs))
	for _, e := range evs {
		out = append(out, trackingEvent{
			ID:          e.ID.String(),
			RawStatus:   e.RawStatus,
			Status:      e.NormalizedStatus.String(),
			Description: e.Description,
			Source:      string(e.Source),
			OccurredAt:  e.OccurredAt,
			CreatedAt:   e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *ShipmentsAPI) listByUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	list, err := a.svc.ListByUser(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]shipment, 0, len(list))
	for _, sh := range list {
		out = append(out, toShipment(sh))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

// fail maps service errors to HTTP statuses.
func (a *ShipmentsAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shipments.ErrInvalidInput), errors.Is(err, shipments.ErrUnsupportedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, shipments.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shipments.ErrAlreadyTracked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, shipments.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, shipments.ErrPublishPending):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "warning": err.Error()})
	default:
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type shipment struct {
	ID          string    `json:"id"`
	WaybillID   string    `json:"awb"`
	CourierCode string    `json:"courier_code"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type trackingEvent struct {
	ID          string    `json:"id"`
	RawStatus   string    `json:"raw_status"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func toShipment(sh *models.Shipment) shipment {
	return shipment{
		ID:          sh.ID.String(),
		WaybillID:   sh.WaybillID,
		CourierCode: sh.CourierCode,
		Source:      string(sh.Source),
		Status:      sh.CurrentStatus.String(),
		CreatedAt:   sh.CreatedAt,
		UpdatedAt:   sh.UpdatedAt,
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
