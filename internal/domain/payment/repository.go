package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
)

// Repository defines payment data access
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	NextInvoiceID(ctx context.Context) (int64, error)
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	// GetByTransaction locates a payment by the provider's transaction id.
	GetByTransaction(ctx context.Context, provider, transactionID string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error)
}

// Tx changes a payment and its order in one transaction.
type Tx interface {
	order.Tx
	LockPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	SavePayment(ctx context.Context, p *Payment) error
}

const paymentColumns = `id, order_id, user_id, provider, invoice_id, provider_transaction_id, amount, currency,
	status, raw_status, redirect_url, failure_reason, paid_at, failed_at, version, created_at, updated_at`

const minInvoiceID = 1000

type PostgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates payment repository
func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{Tx: order.NewTx(tx), tx: tx})
	})
}

// NextInvoiceID draws the numeric invoice id RoboKassa requires.
func (r *PostgresRepository) NextInvoiceID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.GetContext(ctx, &id, `SELECT nextval('payment_invoice_seq')`); err != nil {
		return 0, fmt.Errorf("failed to generate invoice_id: %w", err)
	}
	if id < minInvoiceID {
		id += minInvoiceID
	}
	return id, nil
}

func (r *PostgresRepository) Create(ctx context.Context, p *Payment) error {
	err := r.db.GetContext(ctx, p, `
		INSERT INTO payments (id, order_id, user_id, provider, invoice_id, provider_transaction_id,
			amount, currency, status, redirect_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+paymentColumns,
		p.ID, p.OrderID, p.UserID, p.Provider, p.InvoiceID, p.TransactionID,
		p.Amount, p.Currency, p.Status, p.RedirectURL)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("payment transaction already registered: %w", err)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByTransaction(ctx context.Context, provider, transactionID string) (*Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider = $1 AND provider_transaction_id = $2`,
		provider, transactionID)
}

func (r *PostgresRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error) {
	var out []Payment
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at DESC
	`, orderID)
	return out, err
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Payment, error) {
	var p Payment
	err := r.db.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type pgTx struct {
	order.Tx
	tx *sqlx.Tx
}

func (t *pgTx) LockPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var p Payment
	err := t.tx.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) SavePayment(ctx context.Context, p *Payment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, raw_status = $2, provider_transaction_id = $3, redirect_url = $4,
		    failure_reason = $5, paid_at = $6, failed_at = $7, version = version + 1, updated_at = now()
		WHERE id = $8 AND version = $9
	`, p.Status, p.RawStatus, p.TransactionID, p.RedirectURL, p.FailureReason, p.PaidAt, p.FailedAt, p.ID, p.Version)
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
	p.Version++
	return nil
}
