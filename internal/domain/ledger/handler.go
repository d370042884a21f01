package ledger

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

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

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=active locked"`
}

type rechargeBlockRequest struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason" validate:"max=255"`
}

// Balance returns the caller's wallet.
// GET /api/v1/wallet
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	acc, err := h.svc.GetAccount(r.Context(), userID)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, acc)
}

// Transactions lists the caller's ledger rows, newest first.
// GET /api/v1/wallet/transactions?limit=20&offset=0
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.svc.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, items)
}

// SetStatus locks or unlocks a wallet.
// POST /api/v1/admin/wallets/{userID}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return
	}

	var req statusRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.svc.SetStatus(r.Context(), userID, AccountStatus(req.Status)); err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.NoContent(w)
}

// SetRechargeBlock toggles the top-up block.
// POST /api/v1/admin/wallets/{userID}/recharge-block
func (h *Handler) SetRechargeBlock(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return
	}

	var req rechargeBlockRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.svc.SetRechargeBlock(r.Context(), userID, req.Blocked, req.Reason); err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.NoContent(w)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.Balance)
	r.Get("/transactions", h.Transactions)
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{userID}/status", h.SetStatus)
	r.Post("/{userID}/recharge-block", h.SetRechargeBlock)
	return r
}
