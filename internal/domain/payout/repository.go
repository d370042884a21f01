package payout

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
	Get(ctx context.Context, id uuid.UUID) (*Payout, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*Payout, error)
	GetByProviderRef(ctx context.Context, provider, ref string) (*Payout, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payout, error)
}

// Tx inserts and updates payouts. Enqueue writes the execute job in the
// same transaction.
type Tx interface {
	InsertPayout(ctx context.Context, p *Payout) error
	LockPayout(ctx context.Context, id uuid.UUID) (*Payout, error)
	SavePayout(ctx context.Context, p *Payout) error
	Enqueue(ctx context.Context, job *jobqueue.Job) error
}

// errDuplicateKey reports a concurrent insert with the same idempotency key.
var errDuplicateKey = errors.New("payout idempotency key already exists")

const payoutColumns = `id, user_id, amount, fee, total_debit, currency, status, idempotency_key, provider,
	provider_ref, destination, failure_reason, sent_at, failed_at, version, created_at, updated_at`

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

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByKey(ctx context.Context, idempotencyKey string) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE idempotency_key = $1`, idempotencyKey)
}

func (r *PostgresRepository) GetByProviderRef(ctx context.Context, provider, ref string) (*Payout, error) {
	return r.one(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE provider = $1 AND provider_ref = $2`, provider, ref)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payout, error) {
	var out []Payout
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return out, err
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Payout, error) {
	var p Payout
	err := r.db.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) InsertPayout(ctx context.Context, p *Payout) error {
	err := t.tx.GetContext(ctx, p, `
		INSERT INTO payouts (id, user_id, amount, fee, total_debit, currency, status, idempotency_key,
			provider, destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+payoutColumns,
		p.ID, p.UserID, p.Amount, p.Fee, p.TotalDebit, p.Currency, p.Status, p.IdempotencyKey,
		p.Provider, p.Destination)
	if database.IsUniqueViolation(err) {
		return errDuplicateKey
	}
	return err
}

func (t *pgTx) LockPayout(ctx context.Context, id uuid.UUID) (*Payout, error) {
	var p Payout
	err := t.tx.GetContext(ctx, &p, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) SavePayout(ctx context.Context, p *Payout) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payouts
		SET status = $1, provider_ref = $2, failure_reason = $3, sent_at = $4, failed_at = $5,
		    version = version + 1, updated_at = now()
		WHERE id = $6 AND version = $7
	`, p.Status, p.ProviderRef, p.FailureReason, p.SentAt, p.FailedAt, p.ID, p.Version)
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

func (t *pgTx) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	return jobqueue.InsertTx(ctx, t.tx, job)
}
