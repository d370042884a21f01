package redeem

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/errorhandler"
	"github.com/gamemarket/gamemarket-api/internal/pkg/response"
	"github.com/gamemarket/gamemarket-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type checkoutRequest struct {
	DenominationID uuid.UUID `json:"denomination_id" validate:"required"`
	Quantity       int       `json:"quantity" validate:"required,min=1,max=10"`
}

type denominationRequest struct {
	Title     string          `json:"title" validate:"required,max=200"`
	FaceValue decimal.Decimal `json:"face_value" validate:"required,money"`
	Price     decimal.Decimal `json:"price" validate:"required,money"`
}

type importRequest struct {
	Codes     []string   `json:"codes" validate:"required,min=1,max=5000"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// GET /api/v1/redeem/denominations
func (h *Handler) Denominations(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListDenominations(r.Context(), true)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, list)
}

// Checkout creates a pending order for redeem codes.
// POST /api/v1/redeem/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	o, err := h.svc.Checkout(r.Context(), middleware.GetUserID(r.Context()), req.DenominationID, req.Quantity)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, o)
}

// GET /api/v1/redeem/orders/{orderID}/codes
func (h *Handler) OrderCodes(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		response.BadRequest(w, "invalid order id")
		return
	}
	views, err := h.svc.CodesForOrder(r.Context(), middleware.GetUserID(r.Context()), orderID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, views)
}

// POST /api/v1/redeem/codes/{codeID}/reveal
func (h *Handler) Reveal(w http.ResponseWriter, r *http.Request) {
	codeID, err := uuid.Parse(chi.URLParam(r, "codeID"))
	if err != nil {
		response.BadRequest(w, "invalid code id")
		return
	}
	plain, err := h.svc.Reveal(r.Context(), middleware.GetUserID(r.Context()), codeID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	response.OK(w, map[string]string{"code": plain})
}

// GET /api/v1/admin/redeem/denominations
func (h *Handler) AdminDenominations(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListDenominations(r.Context(), false)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, list)
}

// POST /api/v1/admin/redeem/denominations
func (h *Handler) CreateDenomination(w http.ResponseWriter, r *http.Request) {
	var req denominationRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	d, err := h.svc.CreateDenomination(r.Context(), DenominationInput{Title: req.Title, FaceValue: req.FaceValue, Price: req.Price})
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.Created(w, d)
}

// POST /api/v1/admin/redeem/denominations/{id}/codes
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid denomination id")
		return
	}
	var req importRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	imported, skipped, err := h.svc.Import(r.Context(), id, req.Codes, req.ExpiresAt)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]int{"imported": imported, "skipped": skipped})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrDenominationNotFound), errors.Is(err, ErrCodeNotFound),
		errors.Is(err, order.ErrNotFound), errors.Is(err, order.ErrForbidden):
		errorhandler.HandleError(ctx, w, http.StatusNotFound, "NOT_FOUND", err.Error(), err)
	case errors.Is(err, ErrDenominationInactive), errors.Is(err, ErrStockDepleted):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "UNAVAILABLE", err.Error(), err)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrEmptyImport):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), err)
	default:
		errorhandler.Internal(ctx, w, err)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/denominations", h.Denominations)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/checkout", h.Checkout)
		r.Get("/orders/{orderID}/codes", h.OrderCodes)
		r.Post("/codes/{codeID}/reveal", h.Reveal)
	})
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/denominations", h.AdminDenominations)
	r.Post("/denominations", h.CreateDenomination)
	r.Post("/denominations/{id}/codes", h.Import)
	return r
}
