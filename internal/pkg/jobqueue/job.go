// Package jobqueue is a Postgres-backed background job queue. Jobs can be
// enqueued inside the caller's transaction, which makes the jobs table a
// transactional outbox for fulfillment side effects.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job types
const (
	TypeWalletTopup         = "wallet.topup"
	TypeRedeemFulfill       = "redeem.fulfill"
	TypeEscrowCreditPending = "escrow.credit_pending"
	TypeMarketplaceDeliver  = "marketplace.deliver"
	TypeOrderDeliver        = "order.deliver"
	TypeOrderShip           = "order.ship"
	TypePayoutExecute       = "payout.execute"
)

const (
	DefaultMaxAttempts = 8
	maxErrorLength     = 2000
)

var ErrNotFound = errors.New("job not found")

type Job struct {
	ID          string          `db:"id" json:"id"`
	Type        string          `db:"type" json:"type"`
	Payload     dbtypes.JSONRaw `db:"payload" json:"payload"`
	Status      Status          `db:"status" json:"status"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	RunAfter    time.Time       `db:"run_after" json:"run_after"`
	LastError   sql.NullString  `db:"last_error" json:"-"`
	LockedAt    sql.NullTime    `db:"locked_at" json:"-"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// New builds a queued job with a ULID id.
func New(typ string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	now := time.Now().UTC()
	return &Job{
		ID:          ulid.Make().String(),
		Type:        typ,
		Payload:     raw,
		Status:      StatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Queue is implemented by the Postgres and in-memory stores.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Claim marks up to limit due jobs running and returns them.
	Claim(ctx context.Context, limit int) ([]Job, error)
	Complete(ctx context.Context, id string) error
	// Retry requeues the job to run at runAfter.
	Retry(ctx context.Context, id string, cause string, runAfter time.Time) error
	// Fail parks the job as failed for manual inspection.
	Fail(ctx context.Context, id string, cause string) error
}

// Notifier wakes idle workers after a commit.
type Notifier interface {
	Notify(ctx context.Context)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context) {}

// NopNotifier is used when Redis is not configured.
var NopNotifier Notifier = nopNotifier{}

// permanentError marks failures that must not be retried.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
