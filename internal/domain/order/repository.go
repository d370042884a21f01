package order

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	Items(ctx context.Context, orderID uuid.UUID) ([]Item, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error)
}

// Tx is the order view of one database transaction. Other domains that must
// change an order atomically with their own rows embed it.
type Tx interface {
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// SaveOrder writes status and metadata guarded by o.Version.
	SaveOrder(ctx context.Context, o *Order) error
	InsertOrder(ctx context.Context, o *Order) error
	InsertItem(ctx context.Context, it *Item) error
	Items(ctx context.Context, orderID uuid.UUID) ([]Item, error)
	SaveItem(ctx context.Context, it *Item) error
	// Enqueue adds a job that becomes visible only if the transaction commits.
	Enqueue(ctx context.Context, job *jobqueue.Job) error
}

const orderColumns = `id, user_id, status, total, currency, metadata, paid_at, version, created_at, updated_at`

const itemColumns = `id, order_id, kind, title, unit_price, quantity, denomination_id, listing_id,
	redeem_code_id, masked_code, fulfillment_status, failure_reason, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(NewTx(tx))
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o Order
	err := r.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PostgresRepository) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	var it Item
	err := r.db.GetContext(ctx, &it, `SELECT `+itemColumns+` FROM order_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *PostgresRepository) Items(ctx context.Context, orderID uuid.UUID) ([]Item, error) {
	var items []Item
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+itemColumns+` FROM order_items WHERE order_id = $1 ORDER BY created_at, id
	`, orderID)
	return items, err
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error) {
	var orders []Order
	err := r.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return orders, err
}

// NewTx binds the order queries to an open transaction.
func NewTx(tx *sqlx.Tx) Tx {
	return &pgTx{tx: tx}
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o Order
	err := t.tx.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o *Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, metadata = $2, paid_at = $3, version = version + 1, updated_at = now()
		WHERE id = $4 AND version = $5
	`, o.Status, o.Metadata, o.PaidAt, o.ID, o.Version)
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
	o.Version++
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total, currency, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.UserID, o.Status, o.Total, o.Currency, o.Metadata)
	return err
}

func (t *pgTx) InsertItem(ctx context.Context, it *Item) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_items (id, order_id, kind, title, unit_price, quantity, denomination_id, listing_id, fulfillment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, it.ID, it.OrderID, it.Kind, it.Title, it.UnitPrice, it.Quantity, it.DenominationID, it.ListingID, it.FulfillmentStatus)
	return err
}

func (t *pgTx) Items(ctx context.Context, orderID uuid.UUID) ([]Item, error) {
	var items []Item
	err := t.tx.SelectContext(ctx, &items, `
		SELECT `+itemColumns+` FROM order_items WHERE order_id = $1 ORDER BY created_at, id
	`, orderID)
	return items, err
}

func (t *pgTx) SaveItem(ctx context.Context, it *Item) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE order_items
		SET redeem_code_id = $1, masked_code = $2, fulfillment_status = $3, failure_reason = $4, updated_at = now()
		WHERE id = $5
	`, it.RedeemCodeID, it.MaskedCode, it.FulfillmentStatus, it.FailureReason, it.ID)
	return err
}

func (t *pgTx) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	return jobqueue.InsertTx(ctx, t.tx, job)
}
