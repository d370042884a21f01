package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu       sync.Mutex
	disputes map[uuid.UUID]Dispute
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{disputes: make(map[uuid.UUID]Dispute)}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[uuid.UUID]Dispute, len(m.disputes))
	for k, v := range m.disputes {
		snapshot[k] = v
	}
	if err := fn(&memTx{m: m}); err != nil {
		m.disputes = snapshot
		return err
	}
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			return &d, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryRepository) List(ctx context.Context, status Status, limit, offset int) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CountActiveBySeller(ctx context.Context, sellerID, exclude uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.disputes {
		if d.SellerID == sellerID && d.ID != exclude && d.IsActive() {
			n++
		}
	}
	return n, nil
}

type memTx struct {
	m *MemoryRepository
}

func (t *memTx) InsertDispute(ctx context.Context, d *Dispute) error {
	for _, other := range t.m.disputes {
		if other.OrderID == d.OrderID {
			return errDuplicateOrder
		}
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	t.m.disputes[d.ID] = *d
	return nil
}

func (t *memTx) LockDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	d, ok := t.m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return &d, nil
}

func (t *memTx) SaveDispute(ctx context.Context, d *Dispute) error {
	stored, ok := t.m.disputes[d.ID]
	if !ok || stored.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	d.UpdatedAt = time.Now()
	t.m.disputes[d.ID] = *d
	return nil
}
