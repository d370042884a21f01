package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (*Dispute, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*Dispute, error)
	List(ctx context.Context, status Status, limit, offset int) ([]Dispute, error)
	// CountActiveBySeller counts open or under-review disputes other than exclude.
	CountActiveBySeller(ctx context.Context, sellerID, exclude uuid.UUID) (int, error)
}

type Tx interface {
	InsertDispute(ctx context.Context, d *Dispute) error
	LockDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	SaveDispute(ctx context.Context, d *Dispute) error
}

var errDuplicateOrder = errors.New("dispute already exists for order")

const disputeColumns = `id, marketplace_order_id, order_id, buyer_id, seller_id, reason, status, resolution,
	admin_note, freeze_applied_at, reviewed_by, resolved_by, resolved_at, version, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	return r.one(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Dispute, error) {
	return r.one(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID)
}

func (r *PostgresRepository) List(ctx context.Context, status Status, limit, offset int) ([]Dispute, error) {
	var out []Dispute
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	err := r.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

func (r *PostgresRepository) CountActiveBySeller(ctx context.Context, sellerID, exclude uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM disputes
		WHERE seller_id = $1 AND id <> $2 AND status IN ('open', 'under_review')
	`, sellerID, exclude)
	return n, err
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Dispute, error) {
	var d Dispute
	err := r.db.GetContext(ctx, &d, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) InsertDispute(ctx context.Context, d *Dispute) error {
	err := t.tx.GetContext(ctx, d, `
		INSERT INTO disputes (id, marketplace_order_id, order_id, buyer_id, seller_id, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+disputeColumns,
		d.ID, d.MarketplaceOrderID, d.OrderID, d.BuyerID, d.SellerID, d.Reason, d.Status)
	if database.IsUniqueViolation(err) {
		return errDuplicateOrder
	}
	return err
}

func (t *pgTx) LockDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	var d Dispute
	err := t.tx.GetContext(ctx, &d, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) SaveDispute(ctx context.Context, d *Dispute) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1, resolution = $2, admin_note = $3, freeze_applied_at = $4, reviewed_by = $5,
		    resolved_by = $6, resolved_at = $7, version = version + 1, updated_at = now()
		WHERE id = $8 AND version = $9
	`, d.Status, d.Resolution, d.AdminNote, d.FreezeAppliedAt, d.ReviewedBy, d.ResolvedBy, d.ResolvedAt, d.ID, d.Version)
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
	d.Version++
	return nil
}
