package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
)

// Repository is the storage behind the ledger. Reads outside WithTx are not locked.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error)
}

// Tx is a repository view bound to one database transaction.
type Tx interface {
	// LockAccount creates the account if absent and locks its row.
	LockAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error)
	// SaveAccount writes balance/status fields guarded by acc.Version and bumps it.
	SaveAccount(ctx context.Context, acc *Account) error
	TransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	SetTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) error
}

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `user_id, currency, balance, bonus_balance, bonus_expires_at, status,
	recharge_blocked, recharge_block_reason, version, created_at, updated_at`

const transactionColumns = `id, user_id, type, amount, reference, status, provider, provider_tx_id,
	metadata, created_at, updated_at`

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (r *PostgresRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	var acc Account
	err := r.db.GetContext(ctx, &acc, `SELECT `+accountColumns+` FROM wallet_accounts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var t Transaction
	err := r.db.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	var items []Transaction
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return items, err
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (user_id, currency, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountUnavailable, err)
	}

	var acc Account
	err := t.tx.GetContext(ctx, &acc, `SELECT `+accountColumns+` FROM wallet_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, acc *Account) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance = $1, status = $2, recharge_blocked = $3, recharge_block_reason = $4,
		    version = version + 1, updated_at = now()
		WHERE user_id = $5 AND version = $6
	`, acc.Balance, acc.Status, acc.RechargeBlocked, acc.RechargeBlockReason, acc.UserID, acc.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	acc.Version++
	return nil
}

func (t *pgTx) TransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var tr Transaction
	err := t.tx.GetContext(ctx, &tr, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	err := t.tx.GetContext(ctx, tr, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, reference, status, provider, provider_tx_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+transactionColumns,
		tr.ID, tr.UserID, tr.Type, tr.Amount, tr.Reference, tr.Status, tr.Provider, tr.ProviderTxID, tr.Metadata)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_transactions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidState
	}
	return nil
}
