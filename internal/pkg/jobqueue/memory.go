package jobqueue

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and local runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*Job), now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	cp.Status = StatusQueued
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = DefaultMaxAttempts
	}
	q.jobs[cp.ID] = &cp
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 1
	}

	now := q.now()
	var due []*Job
	for _, j := range q.jobs {
		if j.Status == StatusQueued && !j.RunAfter.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].RunAfter.Equal(due[b].RunAfter) {
			return due[a].RunAfter.Before(due[b].RunAfter)
		}
		return due[a].ID < due[b].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Attempts++
		j.LockedAt = sql.NullTime{Time: now, Valid: true}
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	return q.update(id, func(j *Job) { j.Status = StatusDone })
}

func (q *MemoryQueue) Retry(_ context.Context, id string, cause string, runAfter time.Time) error {
	return q.update(id, func(j *Job) {
		j.Status = StatusQueued
		j.LastError = sql.NullString{String: truncateError(cause), Valid: cause != ""}
		j.RunAfter = runAfter
	})
}

func (q *MemoryQueue) Fail(_ context.Context, id string, cause string) error {
	return q.update(id, func(j *Job) {
		j.Status = StatusFailed
		j.LastError = sql.NullString{String: truncateError(cause), Valid: cause != ""}
	})
}

func (q *MemoryQueue) update(id string, fn func(j *Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(j)
	j.LockedAt = sql.NullTime{}
	j.UpdatedAt = q.now()
	return nil
}

// Jobs returns a snapshot of jobs, optionally filtered by type.
func (q *MemoryQueue) Jobs(typ string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, j := range q.jobs {
		if typ == "" || j.Type == typ {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// MakeDue moves every queued job's run_after to now. Tests use it to skip backoff.
func (q *MemoryQueue) MakeDue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, j := range q.jobs {
		if j.Status == StatusQueued {
			j.RunAfter = now
		}
	}
}
