package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

// MemoryRepository keeps payouts in memory. Jobs enqueued inside WithTx
// reach the queue only when fn succeeds.
type MemoryRepository struct {
	mu      sync.Mutex
	payouts map[uuid.UUID]Payout
	queue   jobqueue.Queue
}

func NewMemoryRepository(queue jobqueue.Queue) *MemoryRepository {
	return &MemoryRepository{payouts: make(map[uuid.UUID]Payout), queue: queue}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payouts := make(map[uuid.UUID]Payout, len(m.payouts))
	for k, v := range m.payouts {
		payouts[k] = v
	}
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		m.payouts = payouts
		return err
	}
	for _, job := range tx.jobs {
		if err := m.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetByKey(ctx context.Context, idempotencyKey string) (*Payout, error) {
	return m.find(func(p Payout) bool { return p.IdempotencyKey == idempotencyKey })
}

func (m *MemoryRepository) GetByProviderRef(ctx context.Context, provider, ref string) (*Payout, error) {
	return m.find(func(p Payout) bool {
		return p.Provider == provider && p.ProviderRef.Valid && p.ProviderRef.String == ref
	})
}

func (m *MemoryRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payout
	for _, p := range m.payouts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) find(match func(Payout) bool) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payouts {
		if match(p) {
			return &p, nil
		}
	}
	return nil, ErrPayoutNotFound
}

type memTx struct {
	m    *MemoryRepository
	jobs []*jobqueue.Job
}

func (t *memTx) InsertPayout(ctx context.Context, p *Payout) error {
	for _, other := range t.m.payouts {
		if other.IdempotencyKey == p.IdempotencyKey {
			return errDuplicateKey
		}
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	t.m.payouts[p.ID] = *p
	return nil
}

func (t *memTx) LockPayout(ctx context.Context, id uuid.UUID) (*Payout, error) {
	p, ok := t.m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return &p, nil
}

func (t *memTx) SavePayout(ctx context.Context, p *Payout) error {
	stored, ok := t.m.payouts[p.ID]
	if !ok || stored.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	p.UpdatedAt = time.Now()
	t.m.payouts[p.ID] = *p
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	t.jobs = append(t.jobs, job)
	return nil
}
