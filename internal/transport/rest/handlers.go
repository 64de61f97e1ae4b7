package rest

import (
	"errors"
	"net/http"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Handler struct {
	admissions *service.AdmissionService
	messages   *service.MessageService
	validate   *validator.Validate
}

func NewHandler(admissions *service.AdmissionService, messages *service.MessageService) *Handler {
	return &Handler{admissions: admissions, messages: messages, validate: validator.New()}
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// CreateRequest files an admission request for the caller.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	eventID, ok := uuidParam(w, r, "eventID", "event_id")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	req, err := h.admissions.Create(r.Context(), eventID, domain.Actor{ID: auth.UserID, Name: auth.Name})
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, req)
}

// ListRequests is the host's triage view.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	eventID, ok := uuidParam(w, r, "eventID", "event_id")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	items, err := h.admissions.ListForHost(r.Context(), eventID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (h *Handler) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := uuidParam(w, r, "requestID", "request_id")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var body updateStatusRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", map[string]string{
			"status": "is required",
		})
		return
	}

	req, err := h.admissions.UpdateStatus(r.Context(), requestID, auth.UserID, domain.AdmissionStatus(body.Status))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, req)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	channelID, ok := uuidParam(w, r, "channelID", "channel_id")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	msgs, err := h.messages.History(r.Context(), channelID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"items": msgs,
	})
}

// SendMessage is the REST fallback for clients without a live socket.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	channelID, ok := uuidParam(w, r, "channelID", "channel_id")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var body sendMessageRequest
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	msg, err := h.messages.Send(r.Context(), channelID, auth.UserID, body.Content)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, msg)
}

func uuidParam(w http.ResponseWriter, r *http.Request, param, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+param, map[string]string{
			field: "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return id, true
}

// ErrorCode maps a domain error to its HTTP status and stable code. Unknown errors are
// reported as internal without detail.
func ErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrEmptyContent):
		return http.StatusUnprocessableEntity, "message.empty"
	case errors.Is(err, domain.ErrContentTooLong):
		return http.StatusUnprocessableEntity, "message.too_long"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "admission.unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "channel.forbidden"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "admission.duplicate"
	case errors.Is(err, domain.ErrEventFull):
		return http.StatusConflict, "event.full"
	case errors.Is(err, domain.ErrPendingQueueFull):
		return http.StatusConflict, "event.pending_full"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "admission.invalid_transition"
	case errors.Is(err, domain.ErrEventInactive):
		// 410 is semantically accurate: the invitation existed but is over
		return http.StatusGone, "event.inactive"
	case errors.Is(err, domain.ErrEventNotFound):
		return http.StatusNotFound, "event.not_found"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "admission.not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := ErrorCode(err)
	if status == http.StatusInternalServerError {
		// Do not leak internal details.
		fail(w, r, status, code, "internal error", nil)
		return
	}
	fail(w, r, status, code, err.Error(), nil)
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}
