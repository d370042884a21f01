package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/errorhandler"
	"github.com/gamemarket/gamemarket-api/internal/pkg/response"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
	"github.com/gamemarket/gamemarket-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type withdrawRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required,money"`
	Note   string          `json:"note" validate:"max=500"`
}

// Wallet returns the seller's partner wallet.
// GET /api/v1/partner/wallet
func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	sellerID := middleware.GetUserID(r.Context())
	wallet, err := h.svc.GetWallet(r.Context(), sellerID)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, wallet)
}

// GET /api/v1/partner/wallet/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	sellerID := middleware.GetUserID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.svc.ListTransactions(r.Context(), sellerID, limit, offset)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, items)
}

// RequestWithdraw reserves funds for an admin-reviewed withdrawal.
// POST /api/v1/partner/withdrawals
func (h *Handler) RequestWithdraw(w http.ResponseWriter, r *http.Request) {
	sellerID := middleware.GetUserID(r.Context())

	var req withdrawRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	wr, err := h.svc.RequestWithdraw(r.Context(), sellerID, req.Amount, req.Note)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, wr)
}

// GET /api/v1/admin/withdrawals
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.ListPendingWithdrawals(r.Context(), limit)
	if err != nil {
		errorhandler.Internal(r.Context(), w, err)
		return
	}
	response.OK(w, items)
}

// Approve marks a withdrawal as paid out.
// POST /api/v1/admin/withdrawals/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.MarkWithdrawPaid)
}

// Reject returns the reserved amount to available.
// POST /api/v1/admin/withdrawals/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.RejectWithdraw)
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, adminID uuid.UUID) (settle.Result, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid withdrawal id")
		return
	}
	res, err := fn(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"outcome": string(res.Outcome)})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		response.BadRequest(w, "amount must be positive")
	case errors.Is(err, ErrWalletFrozen):
		errorhandler.HandleError(r.Context(), w, http.StatusConflict, "WALLET_FROZEN", "Partner wallet is frozen", err)
	case errors.Is(err, ErrInsufficientBalance):
		response.Unprocessable(w, "Insufficient available balance")
	case errors.Is(err, ErrWithdrawNotFound):
		response.NotFound(w, "Withdrawal request not found")
	case errors.Is(err, ErrWithdrawNotRequested):
		response.Conflict(w, "Withdrawal request already reviewed")
	default:
		errorhandler.Internal(r.Context(), w, err)
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/wallet", h.Wallet)
	r.Get("/wallet/transactions", h.Transactions)
	r.Post("/withdrawals", h.RequestWithdraw)
	return r
}

func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListPending)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	return r
}
