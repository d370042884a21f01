package escrow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error)
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	ListTransactions(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]Transaction, error)
	GetWithdrawRequest(ctx context.Context, id uuid.UUID) (*WithdrawRequest, error)
	ListWithdrawRequests(ctx context.Context, status WithdrawStatus, limit int) ([]WithdrawRequest, error)
}

type Tx interface {
	// LockWallet creates the wallet if absent and locks its row.
	LockWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error)
	SaveWallet(ctx context.Context, w *Wallet) error
	TransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	InsertWithdrawRequest(ctx context.Context, r *WithdrawRequest) error
	LockWithdrawRequest(ctx context.Context, id uuid.UUID) (*WithdrawRequest, error)
	SaveWithdrawRequest(ctx context.Context, r *WithdrawRequest) error
}

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `seller_id, available_balance, pending_balance, reserved_withdraw_balance,
	status, version, created_at, updated_at`

const transactionColumns = `id, seller_id, type, amount, available_delta, pending_delta, reserved_delta,
	reference, metadata, created_at`

const withdrawColumns = `id, seller_id, amount, status, note, reviewed_by, reviewed_at, created_at, updated_at`

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (r *PostgresRepository) GetWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM partner_wallets WHERE seller_id = $1`, sellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var t Transaction
	err := r.db.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM partner_wallet_transactions WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]Transaction, error) {
	var items []Transaction
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+transactionColumns+`
		FROM partner_wallet_transactions
		WHERE seller_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, sellerID, limit, offset)
	return items, err
}

func (r *PostgresRepository) GetWithdrawRequest(ctx context.Context, id uuid.UUID) (*WithdrawRequest, error) {
	var req WithdrawRequest
	err := r.db.GetContext(ctx, &req, `SELECT `+withdrawColumns+` FROM partner_withdraw_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *PostgresRepository) ListWithdrawRequests(ctx context.Context, status WithdrawStatus, limit int) ([]WithdrawRequest, error) {
	var items []WithdrawRequest
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+withdrawColumns+`
		FROM partner_withdraw_requests
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	return items, err
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO partner_wallets (seller_id)
		VALUES ($1)
		ON CONFLICT (seller_id) DO NOTHING
	`, sellerID); err != nil {
		return nil, err
	}

	var w Wallet
	err := t.tx.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM partner_wallets WHERE seller_id = $1 FOR UPDATE`, sellerID)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *Wallet) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE partner_wallets
		SET available_balance = $1, pending_balance = $2, reserved_withdraw_balance = $3,
		    status = $4, version = version + 1, updated_at = now()
		WHERE seller_id = $5 AND version = $6
	`, w.AvailableBalance, w.PendingBalance, w.ReservedWithdrawBalance, w.Status, w.SellerID, w.Version)
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
	w.Version++
	return nil
}

func (t *pgTx) TransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var tr Transaction
	err := t.tx.GetContext(ctx, &tr, `SELECT `+transactionColumns+` FROM partner_wallet_transactions WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO partner_wallet_transactions
			(id, seller_id, type, amount, available_delta, pending_delta, reserved_delta, reference, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tr.ID, tr.SellerID, tr.Type, tr.Amount, tr.AvailableDelta, tr.PendingDelta, tr.ReservedDelta,
		tr.Reference, tr.Metadata, tr.CreatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func (t *pgTx) InsertWithdrawRequest(ctx context.Context, r *WithdrawRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO partner_withdraw_requests (id, seller_id, amount, status, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.SellerID, r.Amount, r.Status, r.Note, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) LockWithdrawRequest(ctx context.Context, id uuid.UUID) (*WithdrawRequest, error) {
	var req WithdrawRequest
	err := t.tx.GetContext(ctx, &req, `SELECT `+withdrawColumns+` FROM partner_withdraw_requests WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (t *pgTx) SaveWithdrawRequest(ctx context.Context, r *WithdrawRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE partner_withdraw_requests
		SET status = $1, note = $2, reviewed_by = $3, reviewed_at = $4, updated_at = now()
		WHERE id = $5
	`, r.Status, r.Note, r.ReviewedBy, r.ReviewedAt, r.ID)
	return err
}
