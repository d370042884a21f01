package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

// Service implements the wallet ledger: credit, hold, commit and refund.
// Every mutation takes the in-process key lock, then the account row lock,
// then checks the reference before touching the balance.
type Service struct {
	repo     Repository
	locks    *lock.Keyed
	currency string
	now      func() time.Time
}

func NewService(repo Repository, currency string) *Service {
	return &Service{
		repo:     repo,
		locks:    lock.NewKeyed(),
		currency: currency,
		now:      time.Now,
	}
}

// GetAccount returns the account without locking. Missing accounts are
// reported as an empty active wallet.
func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return &Account{UserID: userID, Currency: s.currency, Status: AccountActive}, nil
	}
	return acc, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

// HasReference reports whether a transaction with reference exists.
func (s *Service) HasReference(ctx context.Context, reference string) (bool, error) {
	t, err := s.repo.GetTransaction(ctx, reference)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// Credit adds e.Amount to the user's balance exactly once per reference.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, e Entry) (settle.Result, error) {
	if err := e.validate(); err != nil {
		return settle.Reject(err)
	}
	res, err := s.mutate(ctx, userID, func(tx Tx, acc *Account) (settle.Result, error) {
		existing, err := tx.TransactionByReference(ctx, e.Reference)
		if err != nil {
			return settle.Result{}, err
		}
		if existing != nil {
			if err := sameEntry(existing, userID, TypeCredit, e.Amount); err != nil {
				return settle.Reject(err)
			}
			switch existing.Status {
			case StatusSuccess:
				return settle.Already(), nil
			case StatusPending:
				return s.settleCredit(ctx, tx, acc, existing)
			default:
				return settle.Reject(ErrInvalidState)
			}
		}

		pending, err := s.insert(ctx, tx, userID, TypeCredit, StatusPending, e)
		if err != nil {
			return settle.Result{}, err
		}
		return s.settleCredit(ctx, tx, acc, pending)
	})
	s.observe("credit", userID, e, res, err)
	return res, err
}

func (s *Service) settleCredit(ctx context.Context, tx Tx, acc *Account, t *Transaction) (settle.Result, error) {
	acc.Balance = acc.Balance.Add(t.Amount)
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return settle.Result{}, err
	}
	if err := tx.SetTransactionStatus(ctx, t.ID, StatusPending, StatusSuccess); err != nil {
		return settle.Result{}, err
	}
	return settle.Apply(), nil
}

// DebitHold deducts e.Amount immediately and records a pending debit. The
// funds leave the balance now; DebitCommit or Reverse settles the hold.
func (s *Service) DebitHold(ctx context.Context, userID uuid.UUID, e Entry) (settle.Result, error) {
	res, err := s.debit(ctx, userID, e, StatusPending)
	s.observe("debit_hold", userID, e, res, err)
	return res, err
}

// Debit deducts e.Amount and records a debit that is final immediately.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, e Entry) (settle.Result, error) {
	res, err := s.debit(ctx, userID, e, StatusSuccess)
	s.observe("debit", userID, e, res, err)
	return res, err
}

func (s *Service) debit(ctx context.Context, userID uuid.UUID, e Entry, status TransactionStatus) (settle.Result, error) {
	if err := e.validate(); err != nil {
		return settle.Reject(err)
	}
	return s.mutate(ctx, userID, func(tx Tx, acc *Account) (settle.Result, error) {
		existing, err := tx.TransactionByReference(ctx, e.Reference)
		if err != nil {
			return settle.Result{}, err
		}
		if existing != nil {
			if err := sameEntry(existing, userID, TypeDebit, e.Amount); err != nil {
				return settle.Reject(err)
			}
			return settle.Already(), nil
		}

		if acc.IsLocked() {
			return settle.Reject(ErrWalletLocked)
		}
		if acc.Balance.LessThan(e.Amount) {
			return settle.Reject(ErrInsufficientBalance)
		}

		acc.Balance = acc.Balance.Sub(e.Amount)
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return settle.Result{}, err
		}
		if _, err := s.insert(ctx, tx, userID, TypeDebit, status, e); err != nil {
			return settle.Result{}, err
		}
		return settle.Apply(), nil
	})
}

// DebitCommit marks a pending hold as final. The balance is not touched.
func (s *Service) DebitCommit(ctx context.Context, reference string) (settle.Result, error) {
	hold, err := s.repo.GetTransaction(ctx, reference)
	if err != nil {
		return settle.Result{}, err
	}
	if hold == nil {
		return settle.Reject(ErrNotFound)
	}

	res, err := s.mutate(ctx, hold.UserID, func(tx Tx, _ *Account) (settle.Result, error) {
		current, err := tx.TransactionByReference(ctx, reference)
		if err != nil {
			return settle.Result{}, err
		}
		if current == nil {
			return settle.Reject(ErrNotFound)
		}
		if current.Type != TypeDebit {
			return settle.Reject(ErrReferenceConflict)
		}
		switch current.Status {
		case StatusSuccess:
			return settle.Already(), nil
		case StatusFailed:
			return settle.Reject(ErrInvalidState)
		}
		if err := tx.SetTransactionStatus(ctx, current.ID, StatusPending, StatusSuccess); err != nil {
			return settle.Result{}, err
		}
		return settle.Apply(), nil
	})
	s.observe("debit_commit", hold.UserID, Entry{Reference: reference, Amount: hold.Amount}, res, err)
	return res, err
}

// Refund credits e.Amount unconditionally, recorded as a successful release.
// Locked wallets still receive refunds.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, e Entry) (settle.Result, error) {
	if err := e.validate(); err != nil {
		return settle.Reject(err)
	}
	res, err := s.mutate(ctx, userID, func(tx Tx, acc *Account) (settle.Result, error) {
		return s.refundLocked(ctx, tx, acc, userID, e)
	})
	s.observe("refund", userID, e, res, err)
	return res, err
}

func (s *Service) refundLocked(ctx context.Context, tx Tx, acc *Account, userID uuid.UUID, e Entry) (settle.Result, error) {
	existing, err := tx.TransactionByReference(ctx, e.Reference)
	if err != nil {
		return settle.Result{}, err
	}
	if existing != nil {
		if err := sameEntry(existing, userID, TypeRelease, e.Amount); err != nil {
			return settle.Reject(err)
		}
		return settle.Already(), nil
	}

	acc.Balance = acc.Balance.Add(e.Amount)
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return settle.Result{}, err
	}
	if _, err := s.insert(ctx, tx, userID, TypeRelease, StatusSuccess, e); err != nil {
		return settle.Result{}, err
	}
	return settle.Apply(), nil
}

// Reverse fails a pending hold and refunds its amount under refundReference,
// in one transaction. A committed hold cannot be reversed.
func (s *Service) Reverse(ctx context.Context, holdReference, refundReference string, meta dbtypes.JSONMap) (settle.Result, error) {
	hold, err := s.repo.GetTransaction(ctx, holdReference)
	if err != nil {
		return settle.Result{}, err
	}
	if hold == nil {
		return settle.Reject(ErrNotFound)
	}

	e := Entry{Reference: refundReference, Amount: hold.Amount, Meta: meta}
	res, err := s.mutate(ctx, hold.UserID, func(tx Tx, acc *Account) (settle.Result, error) {
		current, err := tx.TransactionByReference(ctx, holdReference)
		if err != nil {
			return settle.Result{}, err
		}
		if current == nil {
			return settle.Reject(ErrNotFound)
		}
		if current.Type != TypeDebit {
			return settle.Reject(ErrReferenceConflict)
		}
		switch current.Status {
		case StatusSuccess:
			return settle.Reject(ErrInvalidState)
		case StatusPending:
			if err := tx.SetTransactionStatus(ctx, current.ID, StatusPending, StatusFailed); err != nil {
				return settle.Result{}, err
			}
		}
		return s.refundLocked(ctx, tx, acc, hold.UserID, e)
	})
	s.observe("reverse", hold.UserID, e, res, err)
	return res, err
}

// SetStatus locks or unlocks the wallet for outgoing debits.
func (s *Service) SetStatus(ctx context.Context, userID uuid.UUID, status AccountStatus) error {
	if status != AccountActive && status != AccountLocked {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
	}
	_, err := s.mutate(ctx, userID, func(tx Tx, acc *Account) (settle.Result, error) {
		if acc.Status == status {
			return settle.Already(), nil
		}
		acc.Status = status
		return settle.Apply(), tx.SaveAccount(ctx, acc)
	})
	if err == nil {
		log.Info().Str("user_id", userID.String()).Str("status", string(status)).Msg("wallet status changed")
	}
	return err
}

// SetRechargeBlock toggles the top-up block flag.
func (s *Service) SetRechargeBlock(ctx context.Context, userID uuid.UUID, blocked bool, reason string) error {
	_, err := s.mutate(ctx, userID, func(tx Tx, acc *Account) (settle.Result, error) {
		acc.RechargeBlocked = blocked
		acc.RechargeBlockReason = nullString("")
		if blocked {
			acc.RechargeBlockReason = nullString(reason)
		}
		return settle.Apply(), tx.SaveAccount(ctx, acc)
	})
	return err
}

// CanRecharge rejects top-ups for blocked wallets.
func (s *Service) CanRecharge(ctx context.Context, userID uuid.UUID) error {
	acc, err := s.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if acc.RechargeBlocked {
		if acc.RechargeBlockReason.Valid {
			return fmt.Errorf("%w: %s", ErrRechargeBlocked, acc.RechargeBlockReason.String)
		}
		return ErrRechargeBlocked
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, userID uuid.UUID, fn func(tx Tx, acc *Account) (settle.Result, error)) (settle.Result, error) {
	unlock := s.locks.Lock(userID.String())
	defer unlock()

	var res settle.Result
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		acc, err := tx.LockAccount(ctx, userID, s.currency)
		if err != nil {
			return err
		}
		var fnErr error
		res, fnErr = fn(tx, acc)
		if fnErr != nil {
			return fnErr
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return settle.Reject(ErrReferenceConflict)
		}
		if res.Outcome == settle.Rejected {
			return res, err
		}
		return settle.Result{}, err
	}
	return res, nil
}

func (s *Service) insert(ctx context.Context, tx Tx, userID uuid.UUID, typ TransactionType, status TransactionStatus, e Entry) (*Transaction, error) {
	meta := e.Meta
	if meta == nil {
		meta = dbtypes.JSONMap{}
	}
	t := &Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Type:         typ,
		Amount:       e.Amount,
		Reference:    e.Reference,
		Status:       status,
		Provider:     nullString(e.Provider),
		ProviderTxID: nullString(e.ProviderTxID),
		Metadata:     meta,
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func sameEntry(t *Transaction, userID uuid.UUID, typ TransactionType, amount decimal.Decimal) error {
	if t.UserID != userID || t.Type != typ || !t.Amount.Equal(amount) {
		return ErrReferenceConflict
	}
	return nil
}

func (s *Service) observe(op string, userID uuid.UUID, e Entry, res settle.Result, err error) {
	outcome := string(res.Outcome)
	if err != nil && res.Outcome != settle.Rejected {
		outcome = "error"
	}
	metrics.LedgerOperations.WithLabelValues(op, outcome).Inc()

	switch {
	case err == nil:
		log.Info().
			Str("op", op).
			Str("user_id", userID.String()).
			Str("reference", e.Reference).
			Str("amount", e.Amount.StringFixed(2)).
			Str("outcome", outcome).
			Msg("wallet ledger operation")
	case res.Outcome == settle.Rejected:
		log.Warn().Err(err).
			Str("op", op).
			Str("user_id", userID.String()).
			Str("reference", e.Reference).
			Msg("wallet ledger operation rejected")
	default:
		log.Error().Err(err).
			Str("op", op).
			Str("user_id", userID.String()).
			Str("reference", e.Reference).
			Msg("wallet ledger operation failed")
	}
}
