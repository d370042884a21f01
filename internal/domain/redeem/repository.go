package redeem

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/database"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	CreateDenomination(ctx context.Context, d *Denomination) error
	GetDenomination(ctx context.Context, id uuid.UUID) (*Denomination, error)
	ListDenominations(ctx context.Context, activeOnly bool) ([]DenominationStock, error)
	// InsertCodes skips codes whose fingerprint already exists and returns
	// how many were stored.
	InsertCodes(ctx context.Context, codes []Code) (int, error)
	GetCode(ctx context.Context, id uuid.UUID) (*Code, error)
}

// Tx extends the order transaction so that a claim and the order item
// preview are written together.
type Tx interface {
	order.Tx
	// ClaimAvailable locks the oldest available code of the denomination,
	// skipping rows locked by concurrent claims. It returns nil when none is left.
	ClaimAvailable(ctx context.Context, denominationID uuid.UUID) (*Code, error)
	LockCode(ctx context.Context, id uuid.UUID) (*Code, error)
	SaveCode(ctx context.Context, c *Code) error
}

const codeColumns = `id, denomination_id, code_encrypted, code_hash, status, order_id, order_item_id,
	user_id, assigned_at, sent_at, expires_at, version, created_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{Tx: order.NewTx(tx), tx: tx})
	})
}

func (r *PostgresRepository) CreateDenomination(ctx context.Context, d *Denomination) error {
	return r.db.GetContext(ctx, &d.CreatedAt, `
		INSERT INTO redeem_denominations (id, title, face_value, price, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.Title, d.FaceValue, d.Price, d.IsActive)
}

func (r *PostgresRepository) GetDenomination(ctx context.Context, id uuid.UUID) (*Denomination, error) {
	var d Denomination
	err := r.db.GetContext(ctx, &d, `
		SELECT id, title, face_value, price, is_active, created_at
		FROM redeem_denominations WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDenominationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRepository) ListDenominations(ctx context.Context, activeOnly bool) ([]DenominationStock, error) {
	var out []DenominationStock
	err := r.db.SelectContext(ctx, &out, `
		SELECT d.id, d.title, d.face_value, d.price, d.is_active, d.created_at,
		       COUNT(c.id) FILTER (WHERE c.status = 'available') AS available
		FROM redeem_denominations d
		LEFT JOIN redeem_codes c ON c.denomination_id = d.id
		WHERE ($1 = false OR d.is_active = true)
		GROUP BY d.id
		ORDER BY d.price ASC
	`, activeOnly)
	return out, err
}

func (r *PostgresRepository) InsertCodes(ctx context.Context, codes []Code) (int, error) {
	inserted := 0
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, c := range codes {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO redeem_codes (id, denomination_id, code_encrypted, code_hash, status, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (code_hash) DO NOTHING
			`, c.ID, c.DenominationID, c.Encrypted, c.Fingerprint, c.Status, c.ExpiresAt)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	return inserted, err
}

func (r *PostgresRepository) GetCode(ctx context.Context, id uuid.UUID) (*Code, error) {
	var c Code
	err := r.db.GetContext(ctx, &c, `SELECT `+codeColumns+` FROM redeem_codes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type pgTx struct {
	order.Tx
	tx *sqlx.Tx
}

func (t *pgTx) ClaimAvailable(ctx context.Context, denominationID uuid.UUID) (*Code, error) {
	var c Code
	err := t.tx.GetContext(ctx, &c, `
		SELECT `+codeColumns+`
		FROM redeem_codes
		WHERE denomination_id = $1 AND status = 'available'
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, denominationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) LockCode(ctx context.Context, id uuid.UUID) (*Code, error) {
	var c Code
	err := t.tx.GetContext(ctx, &c, `SELECT `+codeColumns+` FROM redeem_codes WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) SaveCode(ctx context.Context, c *Code) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE redeem_codes
		SET status = $1, order_id = $2, order_item_id = $3, user_id = $4,
		    assigned_at = $5, sent_at = $6, version = version + 1
		WHERE id = $7 AND version = $8
	`, c.Status, c.OrderID, c.OrderItemID, c.UserID, c.AssignedAt, c.SentAt, c.ID, c.Version)
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
	c.Version++
	return nil
}
