package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	ListActiveListings(ctx context.Context, limit, offset int) ([]Listing, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*Order, error)
	// DueForRelease lists delivered, unreleased orders whose deadline passed.
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]Order, error)
}

// Tx extends the order transaction with listing and marketplace order rows.
type Tx interface {
	order.Tx
	LockListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	SaveListing(ctx context.Context, l *Listing) error
	DisableListings(ctx context.Context, sellerID uuid.UUID) (int, error)
	InsertMarketplaceOrder(ctx context.Context, mo *Order) error
	LockMarketplaceOrder(ctx context.Context, orderID uuid.UUID) (*Order, error)
	SaveMarketplaceOrder(ctx context.Context, mo *Order) error
}

const listingColumns = `id, seller_id, category_id, title, price, status, version, created_at, updated_at`

const moColumns = `id, order_id, listing_id, buyer_id, seller_id, price, commission_amount, seller_earnings,
	commission_source, status, delivery_deadline_at, delivered_at, released_at, version, created_at, updated_at`

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

// NewTx binds marketplace queries to an open transaction.
func NewTx(tx *sqlx.Tx) Tx {
	return &pgTx{Tx: order.NewTx(tx), tx: tx}
}

func (r *PostgresRepository) CreateListing(ctx context.Context, l *Listing) error {
	return r.db.GetContext(ctx, l, `
		INSERT INTO seller_listings (id, seller_id, category_id, title, price, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+listingColumns,
		l.ID, l.SellerID, l.CategoryID, l.Title, l.Price, l.Status)
}

func (r *PostgresRepository) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var l Listing
	err := r.db.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM seller_listings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *PostgresRepository) ListActiveListings(ctx context.Context, limit, offset int) ([]Listing, error) {
	var out []Listing
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+listingColumns+`
		FROM seller_listings
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return out, err
}

func (r *PostgresRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var mo Order
	err := r.db.GetContext(ctx, &mo, `SELECT `+moColumns+` FROM marketplace_orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mo, nil
}

func (r *PostgresRepository) DueForRelease(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	var out []Order
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+moColumns+`
		FROM marketplace_orders
		WHERE status = 'delivered' AND released_at IS NULL AND delivery_deadline_at < $1
		ORDER BY delivery_deadline_at
		LIMIT $2
	`, now, limit)
	return out, err
}

type pgTx struct {
	order.Tx
	tx *sqlx.Tx
}

func (t *pgTx) LockListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var l Listing
	err := t.tx.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM seller_listings WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) SaveListing(ctx context.Context, l *Listing) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE seller_listings SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3
	`, l.Status, l.ID, l.Version)
	return checkCAS(res, err, func() { l.Version++ })
}

func (t *pgTx) DisableListings(ctx context.Context, sellerID uuid.UUID) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE seller_listings SET status = 'disabled', version = version + 1, updated_at = now()
		WHERE seller_id = $1 AND status = 'active'
	`, sellerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) InsertMarketplaceOrder(ctx context.Context, mo *Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO marketplace_orders (id, order_id, listing_id, buyer_id, seller_id, price,
			commission_amount, seller_earnings, commission_source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, mo.ID, mo.OrderID, mo.ListingID, mo.BuyerID, mo.SellerID, mo.Price,
		mo.CommissionAmount, mo.SellerEarnings, mo.CommissionSource, mo.Status)
	return err
}

func (t *pgTx) LockMarketplaceOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var mo Order
	err := t.tx.GetContext(ctx, &mo, `SELECT `+moColumns+` FROM marketplace_orders WHERE order_id = $1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mo, nil
}

func (t *pgTx) SaveMarketplaceOrder(ctx context.Context, mo *Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE marketplace_orders
		SET status = $1, delivery_deadline_at = $2, delivered_at = $3, released_at = $4,
		    version = version + 1, updated_at = now()
		WHERE id = $5 AND version = $6
	`, mo.Status, mo.DeliveryDeadlineAt, mo.DeliveredAt, mo.ReleasedAt, mo.ID, mo.Version)
	return checkCAS(res, err, func() { mo.Version++ })
}

func checkCAS(res sql.Result, err error, bump func()) error {
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
	bump()
	return nil
}
