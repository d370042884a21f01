package marketplace

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/commission"
	"github.com/gamemarket/gamemarket-api/internal/domain/escrow"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
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

type createListingRequest struct {
	CategoryID uuid.UUID       `json:"category_id" validate:"required"`
	Title      string          `json:"title" validate:"required,min=3,max=200"`
	Price      decimal.Decimal `json:"price" validate:"required,money"`
}

type checkoutRequest struct {
	ListingID uuid.UUID `json:"listing_id" validate:"required"`
}

type releaseRequest struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
}

// GET /api/v1/marketplace/listings
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	items, err := h.svc.ListListings(r.Context(), limit, offset)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, items)
}

// POST /api/v1/marketplace/listings
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	l, err := h.svc.CreateListing(r.Context(), middleware.GetUserID(r.Context()), ListingInput{
		CategoryID: req.CategoryID,
		Title:      req.Title,
		Price:      req.Price,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, l)
}

// Checkout reserves a listing and returns the order to pay.
// POST /api/v1/marketplace/checkout
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
	out, err := h.svc.Checkout(r.Context(), middleware.GetUserID(r.Context()), req.ListingID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, out)
}

// GET /api/v1/marketplace/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid order id")
		return
	}
	mo, err := h.svc.GetByOrder(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	userID := middleware.GetUserID(r.Context())
	if mo.BuyerID != userID && mo.SellerID != userID && !middleware.IsAdmin(r.Context()) {
		h.handleError(w, r, ErrForbidden)
		return
	}
	response.OK(w, mo)
}

// Confirm is the buyer's delivery confirmation. It releases escrow.
// POST /api/v1/marketplace/orders/{id}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid order id")
		return
	}
	ctx := r.Context()
	res, err := h.svc.ConfirmDelivery(ctx, id, middleware.GetUserID(ctx), middleware.IsAdmin(ctx))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"outcome": string(res.Outcome)})
}

// AdminRelease releases escrow for a paid or delivered order.
// POST /api/v1/admin/escrow/release
func (h *Handler) AdminRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	adminID := middleware.GetUserID(r.Context())
	res, err := h.svc.Release(r.Context(), req.OrderID, dbtypes.JSONMap{"released_by": adminID.String()})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"outcome": string(res.Outcome)})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrListingNotFound):
		response.NotFound(w, "Listing not found")
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrForbidden):
		response.NotFound(w, "Marketplace order not found")
	case errors.Is(err, ErrListingUnavailable):
		response.Conflict(w, "Listing is no longer available")
	case errors.Is(err, ErrOwnListing):
		response.BadRequest(w, "Cannot buy your own listing")
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrVersionConflict):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "INVALID_STATE", err.Error(), err)
	case errors.Is(err, commission.ErrInvalidPrice), errors.Is(err, order.ErrInvalidItem):
		response.BadRequest(w, err.Error())
	case errors.Is(err, escrow.ErrWalletFrozen):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "WALLET_FROZEN", "Seller wallet is frozen", err)
	default:
		errorhandler.Internal(ctx, w, err)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/listings", h.ListListings)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/listings", h.CreateListing)
		r.Post("/checkout", h.Checkout)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/confirm", h.Confirm)
	})
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/release", h.AdminRelease)
	return r
}
