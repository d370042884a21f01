package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/domain/escrow"
	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/marketplace"
	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/errorhandler"
	"github.com/gamemarket/gamemarket-api/internal/pkg/response"
	"github.com/gamemarket/gamemarket-api/internal/pkg/validator"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Open handles POST /api/v1/disputes
// @Summary Open a dispute on a marketplace order
// @Description Freezes the seller's partner wallet and disables their listings until resolution.
// @Tags Dispute
// @Security BearerAuth
// @Router /disputes [post]
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenInput
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	d, res, err := h.service.Open(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if res.IsApplied() {
		response.Created(w, d)
		return
	}
	response.OK(w, d)
}

// GET /api/v1/disputes/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid dispute id")
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	userID := middleware.GetUserID(r.Context())
	if d.BuyerID != userID && d.SellerID != userID && !middleware.IsAdmin(r.Context()) {
		response.NotFound(w, "Dispute not found")
		return
	}
	response.OK(w, d)
}

// GET /api/v1/admin/disputes
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	out, err := h.service.List(r.Context(), Status(r.URL.Query().Get("status")), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, out)
}

// Review handles POST /api/v1/admin/disputes/{id}/review
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid dispute id")
		return
	}
	res, err := h.service.MarkUnderReview(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"outcome": string(res.Outcome)})
}

// Resolve handles POST /api/v1/admin/disputes/{id}/resolve
// @Summary Resolve a dispute
// @Description refund_buyer_wallet, release_to_seller or no_action, optionally lifting the seller freeze.
// @Tags Admin
// @Security BearerAuth
// @Router /admin/disputes/{id}/resolve [post]
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid dispute id")
		return
	}
	var req ResolveInput
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	d, _, err := h.service.Resolve(r.Context(), id, middleware.GetUserID(r.Context()), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, d)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, marketplace.ErrOrderNotFound), errors.Is(err, ErrForbidden):
		response.NotFound(w, "Not found")
	case errors.Is(err, ErrAlreadyResolved):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "ALREADY_RESOLVED", "Dispute is already resolved", err)
	case errors.Is(err, ErrNotDisputable), errors.Is(err, marketplace.ErrInvalidState):
		response.Conflict(w, "Order cannot be disputed in its current state")
	case errors.Is(err, ErrVersionConflict), errors.Is(err, marketplace.ErrVersionConflict):
		response.Conflict(w, err.Error())
	case errors.Is(err, ErrInvalidResolution):
		response.BadRequest(w, err.Error())
	case errors.Is(err, escrow.ErrReferenceConflict), errors.Is(err, ledger.ErrReferenceConflict):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "REFERENCE_CONFLICT", "Conflicting settlement reference", err)
	default:
		errorhandler.Internal(ctx, w, err)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Open)
	r.Get("/{id}", h.Get)
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/{id}/review", h.Review)
	r.Post("/{id}/resolve", h.Resolve)
	return r
}
