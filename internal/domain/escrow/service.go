package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

// movement describes one partner ledger entry and how it shifts the buckets.
type movement struct {
	typ       TransactionType
	reference string
	amount    decimal.Decimal
	available decimal.Decimal
	pending   decimal.Decimal
	reserved  decimal.Decimal
	status    WalletStatus
	meta      dbtypes.JSONMap
	// blockFrozen rejects the movement while the wallet is frozen.
	blockFrozen bool
}

type Service struct {
	repo  Repository
	locks *lock.Keyed
	now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, locks: lock.NewKeyed(), now: time.Now}
}

func (s *Service) GetWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error) {
	w, err := s.repo.GetWallet(ctx, sellerID)
	if errors.Is(err, ErrWalletNotFound) {
		return &Wallet{SellerID: sellerID, Status: WalletActive}, nil
	}
	return w, err
}

func (s *Service) ListTransactions(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, sellerID, limit, offset)
}

// HasReference reports whether an entry with reference exists.
func (s *Service) HasReference(ctx context.Context, reference string) (bool, error) {
	t, err := s.repo.GetTransaction(ctx, reference)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// CreditPending holds a sale's seller earnings until release or dispute.
func (s *Service) CreditPending(ctx context.Context, sellerID uuid.UUID, reference string, amount decimal.Decimal, meta dbtypes.JSONMap) (settle.Result, error) {
	return s.apply(ctx, sellerID, "credit_pending", movement{
		typ:       TypeCreditPending,
		reference: reference,
		amount:    amount,
		pending:   amount,
		meta:      meta,
	})
}

// Release moves amount from pending to available. It is a transfer between
// buckets and never changes the wallet total.
func (s *Service) Release(ctx context.Context, sellerID uuid.UUID, reference string, amount decimal.Decimal, meta dbtypes.JSONMap) (settle.Result, error) {
	return s.apply(ctx, sellerID, "release", movement{
		typ:       TypeReleaseToAvailable,
		reference: reference,
		amount:    amount,
		pending:   amount.Neg(),
		available: amount,
		meta:      meta,
	})
}

// ReversePending removes an unreleased credit after a buyer refund.
func (s *Service) ReversePending(ctx context.Context, sellerID uuid.UUID, reference string, amount decimal.Decimal, meta dbtypes.JSONMap) (settle.Result, error) {
	return s.apply(ctx, sellerID, "reverse_pending", movement{
		typ:       TypeAdjustment,
		reference: reference,
		amount:    amount,
		pending:   amount.Neg(),
		meta:      meta,
	})
}

// Freeze blocks withdrawals. Balances are untouched.
func (s *Service) Freeze(ctx context.Context, sellerID uuid.UUID, reference string, meta dbtypes.JSONMap) (settle.Result, error) {
	return s.apply(ctx, sellerID, "freeze", movement{
		typ:       TypeFreeze,
		reference: reference,
		status:    WalletFrozen,
		meta:      meta,
	})
}

func (s *Service) Unfreeze(ctx context.Context, sellerID uuid.UUID, reference string, meta dbtypes.JSONMap) (settle.Result, error) {
	return s.apply(ctx, sellerID, "unfreeze", movement{
		typ:       TypeUnfreeze,
		reference: reference,
		status:    WalletActive,
		meta:      meta,
	})
}

func (s *Service) apply(ctx context.Context, sellerID uuid.UUID, op string, m movement) (settle.Result, error) {
	if m.reference == "" {
		res, err := settle.Reject(ErrMissingReference)
		return s.observe(op, sellerID, m, res, err)
	}
	if m.status == "" && !m.amount.IsPositive() {
		res, err := settle.Reject(ErrInvalidAmount)
		return s.observe(op, sellerID, m, res, err)
	}

	unlock := s.locks.Lock(sellerID.String())
	defer unlock()

	var res settle.Result
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, sellerID)
		if err != nil {
			return err
		}
		res, err = s.applyLocked(ctx, tx, w, m)
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		res, err = settle.Reject(ErrReferenceConflict)
	}
	return s.observe(op, sellerID, m, res, err)
}

func (s *Service) applyLocked(ctx context.Context, tx Tx, w *Wallet, m movement) (settle.Result, error) {
	existing, err := tx.TransactionByReference(ctx, m.reference)
	if err != nil {
		return settle.Result{}, err
	}
	if existing != nil {
		if existing.SellerID != w.SellerID || existing.Type != m.typ || !existing.Amount.Equal(m.amount) {
			return settle.Reject(ErrReferenceConflict)
		}
		return settle.Already(), nil
	}

	if m.blockFrozen && w.IsFrozen() {
		return settle.Reject(ErrWalletFrozen)
	}

	next := *w
	next.AvailableBalance = w.AvailableBalance.Add(m.available)
	next.PendingBalance = w.PendingBalance.Add(m.pending)
	next.ReservedWithdrawBalance = w.ReservedWithdrawBalance.Add(m.reserved)
	if m.status != "" {
		next.Status = m.status
	}

	switch {
	case next.PendingBalance.IsNegative():
		return settle.Reject(ErrInsufficientPending)
	case next.AvailableBalance.IsNegative(), next.ReservedWithdrawBalance.IsNegative():
		return settle.Reject(ErrInsufficientBalance)
	}

	if err := tx.SaveWallet(ctx, &next); err != nil {
		return settle.Result{}, err
	}
	*w = next

	meta := m.meta
	if meta == nil {
		meta = dbtypes.JSONMap{}
	}
	if err := tx.InsertTransaction(ctx, &Transaction{
		ID:             uuid.New(),
		SellerID:       w.SellerID,
		Type:           m.typ,
		Amount:         m.amount,
		AvailableDelta: m.available,
		PendingDelta:   m.pending,
		ReservedDelta:  m.reserved,
		Reference:      m.reference,
		Metadata:       meta,
		CreatedAt:      s.now(),
	}); err != nil {
		return settle.Result{}, err
	}
	return settle.Apply(), nil
}

// RequestWithdraw reserves amount from available for an admin-reviewed payout.
func (s *Service) RequestWithdraw(ctx context.Context, sellerID uuid.UUID, amount decimal.Decimal, note string) (*WithdrawRequest, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(sellerID.String())
	defer unlock()

	now := s.now()
	req := &WithdrawRequest{
		ID:        uuid.New(),
		SellerID:  sellerID,
		Amount:    amount,
		Status:    WithdrawRequested,
		Note:      sql.NullString{String: note, Valid: note != ""},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m := movement{
		typ:         TypeAdjustment,
		reference:   "withdraw_reserve_" + req.ID.String(),
		amount:      amount,
		available:   amount.Neg(),
		reserved:    amount,
		meta:        dbtypes.JSONMap{"withdraw_request_id": req.ID.String()},
		blockFrozen: true,
	}

	var res settle.Result
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, sellerID)
		if err != nil {
			return err
		}
		if res, err = s.applyLocked(ctx, tx, w, m); err != nil {
			return err
		}
		return tx.InsertWithdrawRequest(ctx, req)
	})
	if _, err := s.observe("withdraw_request", sellerID, m, res, err); err != nil {
		return nil, err
	}
	return req, nil
}

// MarkWithdrawPaid finalizes a request: the reserved funds leave the wallet.
func (s *Service) MarkWithdrawPaid(ctx context.Context, requestID, adminID uuid.UUID) (settle.Result, error) {
	return s.reviewWithdraw(ctx, requestID, adminID, WithdrawPaid)
}

// RejectWithdraw returns the reserved funds to available.
func (s *Service) RejectWithdraw(ctx context.Context, requestID, adminID uuid.UUID) (settle.Result, error) {
	return s.reviewWithdraw(ctx, requestID, adminID, WithdrawRejected)
}

func (s *Service) reviewWithdraw(ctx context.Context, requestID, adminID uuid.UUID, to WithdrawStatus) (settle.Result, error) {
	req, err := s.repo.GetWithdrawRequest(ctx, requestID)
	if err != nil {
		return settle.Result{}, err
	}

	unlock := s.locks.Lock(req.SellerID.String())
	defer unlock()

	m := movement{amount: req.Amount, meta: dbtypes.JSONMap{"withdraw_request_id": requestID.String(), "admin_id": adminID.String()}}
	op := "withdraw_paid"
	if to == WithdrawPaid {
		m.typ = TypeDebitWithdraw
		m.reference = "withdraw_paid_" + requestID.String()
		m.reserved = req.Amount.Neg()
	} else {
		op = "withdraw_reject"
		m.typ = TypeAdjustment
		m.reference = "withdraw_reject_" + requestID.String()
		m.reserved = req.Amount.Neg()
		m.available = req.Amount
	}

	var res settle.Result
	err = s.repo.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockWithdrawRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if locked.Status == to {
			res = settle.Already()
			return nil
		}
		if locked.Status != WithdrawRequested {
			res, err = settle.Reject(ErrWithdrawNotRequested)
			return err
		}

		w, err := tx.LockWallet(ctx, locked.SellerID)
		if err != nil {
			return err
		}
		if res, err = s.applyLocked(ctx, tx, w, m); err != nil {
			return err
		}

		locked.Status = to
		locked.ReviewedBy = uuid.NullUUID{UUID: adminID, Valid: true}
		locked.ReviewedAt = sql.NullTime{Time: s.now(), Valid: true}
		return tx.SaveWithdrawRequest(ctx, locked)
	})
	return s.observe(op, req.SellerID, m, res, err)
}

func (s *Service) ListPendingWithdrawals(ctx context.Context, limit int) ([]WithdrawRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListWithdrawRequests(ctx, WithdrawRequested, limit)
}

func (s *Service) observe(op string, sellerID uuid.UUID, m movement, res settle.Result, err error) (settle.Result, error) {
	outcome := string(res.Outcome)
	if err != nil && res.Outcome != settle.Rejected {
		outcome = "error"
	}
	metrics.EscrowOperations.WithLabelValues(op, outcome).Inc()

	if err != nil {
		log.Warn().Err(err).
			Str("op", op).
			Str("seller_id", sellerID.String()).
			Str("reference", m.reference).
			Msg("partner wallet operation not applied")
		return res, err
	}
	log.Info().
		Str("op", op).
		Str("seller_id", sellerID.String()).
		Str("reference", m.reference).
		Str("amount", m.amount.StringFixed(2)).
		Str("outcome", outcome).
		Msg("partner wallet operation")
	return res, nil
}
