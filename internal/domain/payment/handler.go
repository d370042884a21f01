package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/errorhandler"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/response"
	"github.com/gamemarket/gamemarket-api/internal/pkg/validator"
)

const maxWebhookBody = 1 << 20

// Handler handles payment HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates payment handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type initiateRequest struct {
	OrderID  uuid.UUID `json:"order_id" validate:"required"`
	Provider string    `json:"provider" validate:"required,oneof=kaspi robokassa wallet"`
}

type resyncRequest struct {
	Provider      string `json:"provider" validate:"required"`
	TransactionID string `json:"transaction_id" validate:"required"`
}

// Initiate handles POST /api/v1/payments/initiate
// @Summary Start paying an order
// @Description Creates a payment and returns the provider redirect URL. Provider "wallet" pays from the wallet balance.
// @Tags Payment
// @Security BearerAuth
// @Router /payments/initiate [post]
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	userID := middleware.GetUserID(r.Context())

	if req.Provider == ProviderWallet {
		res, err := h.service.PayWithWallet(r.Context(), userID, req.OrderID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		response.OK(w, map[string]string{"outcome": string(res.Outcome)})
		return
	}

	out, err := h.service.Initiate(r.Context(), userID, req.OrderID, req.Provider)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, out)
}

// Webhook handles POST /webhooks/payments/{provider}
// @Summary Payment provider callback
// @Description 200 processed or already processed, 202 still pending upstream,
// @Description 400 bad signature, malformed body or amount mismatch, 404 unknown transaction,
// @Description 422 missing field, 502 provider verification failed.
// @Tags Payment Webhooks
// @Router /webhooks/payments/{provider} [post]
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	body, err := readWebhookBody(r)
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	rec, err := h.service.HandleWebhook(r.Context(), providerName, r.Header, body)
	if err != nil {
		log.Warn().Err(err).Str("provider", providerName).Msg("payment webhook not applied")
		h.handleError(w, r, err)
		return
	}
	if rec.Pending() {
		response.Accepted(w, map[string]string{"status": "pending"})
		return
	}

	if provider, perr := h.service.Provider(providerName); perr == nil {
		if ack, ok := provider.(gateway.Acknowledger); ok && rec.Event != nil {
			contentType, payload := ack.Ack(rec.Event)
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}
	}
	response.OK(w, map[string]string{"status": "ok", "outcome": string(rec.Result.Outcome)})
}

// Resync handles POST /api/v1/admin/payments/resync
// @Summary Re-check a transaction with the provider
// @Tags Admin
// @Security BearerAuth
// @Router /admin/payments/resync [post]
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	rec, err := h.service.Resync(r.Context(), req.Provider, req.TransactionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if rec.Pending() {
		response.Accepted(w, map[string]string{"status": "pending"})
		return
	}
	response.OK(w, map[string]string{
		"payment_id": rec.PaymentID.String(),
		"status":     string(rec.Status),
		"outcome":    string(rec.Result.Outcome),
	})
}

// GET /api/v1/payments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid payment id")
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if p.UserID != middleware.GetUserID(r.Context()) && !middleware.IsAdmin(r.Context()) {
		response.NotFound(w, "Payment not found")
		return
	}
	response.OK(w, p)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrInvalidSignature):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_SIGNATURE", "Invalid signature", err)
	case errors.Is(err, ErrAmountMismatch):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "AMOUNT_MISMATCH", "Amount mismatch", err)
	case errors.Is(err, ErrMalformedPayload):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "Malformed payload", err)
	case errors.Is(err, ErrMissingField):
		response.Unprocessable(w, err.Error())
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrUnknownProvider),
		errors.Is(err, order.ErrNotFound), errors.Is(err, order.ErrForbidden):
		response.NotFound(w, "Not found")
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, gateway.ErrProviderRejected):
		errorhandler.HandleError(ctx, w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "Payment provider unavailable", err)
	case errors.Is(err, ErrConfigurationMissing):
		errorhandler.HandleError(ctx, w, http.StatusServiceUnavailable, "CONFIGURATION_MISSING", "Payment provider is not configured", err)
	case errors.Is(err, ErrOrderNotPayable):
		response.Conflict(w, "Order is not awaiting payment")
	case errors.Is(err, ErrWalletNotAllowed):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		response.Unprocessable(w, "Insufficient wallet balance")
	case errors.Is(err, ledger.ErrWalletLocked):
		errorhandler.HandleError(ctx, w, http.StatusForbidden, "WALLET_LOCKED", "Wallet is locked", err)
	default:
		errorhandler.Internal(ctx, w, err)
	}
}

// Routes returns payment router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/initiate", h.Initiate)
	r.Get("/{id}", h.Get)
	return r
}

// WebhookRoutes returns webhook router (no auth, but signature verification)
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.Webhook)
	// RoboKassa may be configured to call ResultURL with GET
	r.Get("/{provider}", h.Webhook)
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/resync", h.Resync)
	return r
}

// readWebhookBody returns the raw bytes the signature is computed over. GET
// callbacks carry their fields in the query string.
func readWebhookBody(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		return []byte(r.URL.RawQuery), nil
	}
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxWebhookBody))
}
