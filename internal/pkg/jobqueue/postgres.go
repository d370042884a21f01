package jobqueue

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// WakeChannel is the Redis pub/sub channel idle workers listen on.
const WakeChannel = "jobs:enqueued"

const jobColumns = `id, type, payload, status, attempts, max_attempts, run_after, last_error,
	locked_at, created_at, updated_at`

// PostgresQueue stores jobs in the jobs table.
type PostgresQueue struct {
	db *sqlx.DB
	// staleAfter requeues running jobs whose worker died.
	staleAfter time.Duration
}

func NewPostgresQueue(db *sqlx.DB) *PostgresQueue {
	return &PostgresQueue{db: db, staleAfter: 10 * time.Minute}
}

// InsertTx enqueues job on an open transaction. The job becomes visible to
// workers only when the caller commits.
func InsertTx(ctx context.Context, tx sqlx.ExtContext, job *Job) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, job.ID, job.Type, job.Payload, StatusQueued, job.MaxAttempts, job.RunAfter)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *Job) error {
	return InsertTx(ctx, q.db, job)
}

// Claim uses SKIP LOCKED so concurrent workers never pick the same row.
func (q *PostgresQueue) Claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := q.requeueStale(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to requeue stale jobs")
	}

	var jobs []Job
	err := q.db.SelectContext(ctx, &jobs, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_after <= NOW()
			ORDER BY run_after ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, limit)
	return jobs, err
}

func (q *PostgresQueue) requeueStale(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', locked_at = NULL, updated_at = NOW()
		WHERE status = 'running' AND locked_at < $1
	`, time.Now().Add(-q.staleAfter))
	return err
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusDone, "", time.Time{})
}

func (q *PostgresQueue) Retry(ctx context.Context, id string, cause string, runAfter time.Time) error {
	return q.setStatus(ctx, id, StatusQueued, cause, runAfter)
}

func (q *PostgresQueue) Fail(ctx context.Context, id string, cause string) error {
	return q.setStatus(ctx, id, StatusFailed, cause, time.Time{})
}

func (q *PostgresQueue) setStatus(ctx context.Context, id string, status Status, cause string, runAfter time.Time) error {
	var lastErr any
	if cause != "" {
		lastErr = truncateError(cause)
	}
	var after any
	if !runAfter.IsZero() {
		after = runAfter
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    last_error = COALESCE($3, last_error),
		    run_after = COALESCE($4, run_after),
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, status, lastErr, after)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a job by id.
func (q *PostgresQueue) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := q.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &j, nil
}

// RedisNotifier publishes wake-ups on WakeChannel.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewNotifier returns NopNotifier when rdb is nil.
func NewNotifier(rdb *redis.Client) Notifier {
	if rdb == nil {
		return NopNotifier
	}
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context) {
	if err := n.rdb.Publish(ctx, WakeChannel, "1").Err(); err != nil {
		log.Debug().Err(err).Msg("job wake-up publish failed")
	}
}

// SubscribeWakeups forwards pub/sub messages to wake without blocking.
// Polling stays the primary mechanism.
func SubscribeWakeups(ctx context.Context, rdb *redis.Client, wake chan<- struct{}) {
	if rdb == nil {
		return
	}
	sub := rdb.Subscribe(ctx, WakeChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}
