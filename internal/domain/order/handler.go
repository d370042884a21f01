package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
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

type topupRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required,money"`
}

type orderResponse struct {
	*Order
	Items []Item `json:"items"`
}

// GET /api/v1/orders
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	orders, err := h.svc.List(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, orders)
}

// GET /api/v1/orders/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid order id")
		return
	}

	o, items, err := h.svc.GetForUser(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, orderResponse{Order: o, Items: items})
}

// Topup creates a pending wallet top-up order to be paid through a provider.
// POST /api/v1/orders/topup
func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	o, err := h.svc.CreateTopup(r.Context(), middleware.GetUserID(r.Context()), req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, o)
}

// MarkDelivered confirms hand-over of a shipped physical item.
// POST /api/v1/admin/orders/items/{itemID}/delivered
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		response.BadRequest(w, "invalid item id")
		return
	}
	res, err := h.svc.SettleItem(r.Context(), itemID, ItemOutcome{Status: FulfillmentDelivered})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, res)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrItemNotFound), errors.Is(err, ErrForbidden):
		errorhandler.HandleError(ctx, w, http.StatusNotFound, "NOT_FOUND", "Order not found", err)
	case errors.Is(err, ErrInvalidState):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "INVALID_STATE", err.Error(), err)
	case errors.Is(err, ErrInvalidItem), errors.Is(err, ErrEmptyOrder):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_ORDER", err.Error(), err)
	case errors.Is(err, ledger.ErrRechargeBlocked):
		errorhandler.HandleError(ctx, w, http.StatusForbidden, "RECHARGE_BLOCKED", err.Error(), err)
	default:
		errorhandler.Internal(ctx, w, err)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.List)
	r.Post("/topup", h.Topup)
	r.Get("/{id}", h.Get)
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/items/{itemID}/delivered", h.MarkDelivered)
	return r
}
