package payout

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/errorhandler"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/response"
	"github.com/gamemarket/gamemarket-api/internal/pkg/validator"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxWebhookBody    = 1 << 20
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type failRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Request handles POST /api/v1/payouts
// @Summary Withdraw wallet funds
// @Description Holds amount + fee and queues the transfer. Repeating the same Idempotency-Key returns the original payout.
// @Tags Payout
// @Security BearerAuth
// @Router /payouts [post]
func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	var req RequestInput
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	req.IdempotencyKey = r.Header.Get(idempotencyHeader)
	if len(req.IdempotencyKey) > 64 {
		response.BadRequest(w, "Idempotency-Key is too long")
		return
	}

	p, res, err := h.service.Request(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if res.IsApplied() {
		response.Accepted(w, p)
		return
	}
	response.OK(w, p)
}

// GET /api/v1/payouts
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	out, err := h.service.List(r.Context(), middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, out)
}

// GET /api/v1/payouts/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid payout id")
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if p.UserID != middleware.GetUserID(r.Context()) && !middleware.IsAdmin(r.Context()) {
		response.NotFound(w, "Payout not found")
		return
	}
	response.OK(w, p)
}

// Cancel handles POST /api/v1/admin/payouts/{id}/cancel
// @Summary Cancel a queued payout and refund the hold
// @Tags Admin
// @Security BearerAuth
// @Router /admin/payouts/{id}/cancel [post]
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid payout id")
		return
	}
	res, err := h.service.Cancel(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"outcome": string(res.Outcome)})
}

// Fail handles POST /api/v1/admin/payouts/{id}/fail
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid payout id")
		return
	}
	var req failRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	res, err := h.service.Fail(r.Context(), id, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"outcome": string(res.Outcome)})
}

// Webhook handles POST /webhooks/transfers/{provider}
// @Summary Transfer provider callback
// @Tags Payout Webhooks
// @Router /webhooks/transfers/{provider} [post]
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}
	res, pending, err := h.service.HandleTransferWebhook(r.Context(), chi.URLParam(r, "provider"), r.Header, body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if pending {
		response.Accepted(w, map[string]string{"status": "pending"})
		return
	}
	response.OK(w, map[string]string{"status": "ok", "outcome": string(res.Outcome)})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrBelowMinimum):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrIdempotencyConflict):
		response.Conflict(w, "Idempotency-Key already used for a different payout")
	case errors.Is(err, ErrRateLimited):
		response.TooManyRequests(w, "Too many payout requests")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		response.Unprocessable(w, "Insufficient wallet balance")
	case errors.Is(err, ledger.ErrWalletLocked):
		errorhandler.HandleError(ctx, w, http.StatusForbidden, "WALLET_LOCKED", "Wallet is locked", err)
	case errors.Is(err, ErrPayoutNotFound), errors.Is(err, gateway.ErrUnknownProvider):
		response.NotFound(w, "Payout not found")
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrVersionConflict):
		response.Conflict(w, err.Error())
	case errors.Is(err, gateway.ErrInvalidSignature):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_SIGNATURE", "Invalid signature", err)
	case errors.Is(err, gateway.ErrMalformedPayload):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "Malformed payload", err)
	case errors.Is(err, gateway.ErrMissingField):
		response.Unprocessable(w, err.Error())
	default:
		errorhandler.Internal(ctx, w, err)
	}
}

// Routes returns the payout router for authenticated users.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Request)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/fail", h.Fail)
	return r
}

func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.Webhook)
	return r
}
