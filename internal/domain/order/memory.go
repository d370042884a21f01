package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

// MemoryRepository keeps orders in memory. Jobs enqueued inside WithTx are
// buffered and handed to the queue only when fn succeeds.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]Order
	items  map[uuid.UUID]Item
	queue  jobqueue.Queue
}

func NewMemoryRepository(queue jobqueue.Queue) *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[uuid.UUID]Order),
		items:  make(map[uuid.UUID]Item),
		queue:  queue,
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make(map[uuid.UUID]Order, len(m.orders))
	for k, v := range m.orders {
		orders[k] = v
	}
	items := make(map[uuid.UUID]Item, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		m.orders = orders
		m.items = items
		return err
	}
	for _, job := range tx.jobs {
		if err := m.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o.Metadata = o.Metadata.Clone()
	return &o, nil
}

func (m *MemoryRepository) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &it, nil
}

func (m *MemoryRepository) Items(ctx context.Context, orderID uuid.UUID) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsLocked(orderID), nil
}

func (m *MemoryRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []Order{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) itemsLocked(orderID uuid.UUID) []Item {
	var out []Item
	for _, it := range m.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

type memTx struct {
	m    *MemoryRepository
	jobs []*jobqueue.Job
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, ok := t.m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o.Metadata = o.Metadata.Clone()
	return &o, nil
}

func (t *memTx) SaveOrder(ctx context.Context, o *Order) error {
	stored, ok := t.m.orders[o.ID]
	if !ok || stored.Version != o.Version {
		return ErrVersionConflict
	}
	o.Version++
	o.UpdatedAt = time.Now()
	t.m.orders[o.ID] = *o
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.m.orders[o.ID] = *o
	return nil
}

func (t *memTx) InsertItem(ctx context.Context, it *Item) error {
	now := time.Now()
	it.CreatedAt, it.UpdatedAt = now, now
	t.m.items[it.ID] = *it
	return nil
}

func (t *memTx) Items(ctx context.Context, orderID uuid.UUID) ([]Item, error) {
	return t.m.itemsLocked(orderID), nil
}

func (t *memTx) SaveItem(ctx context.Context, it *Item) error {
	if _, ok := t.m.items[it.ID]; !ok {
		return ErrItemNotFound
	}
	it.UpdatedAt = time.Now()
	t.m.items[it.ID] = *it
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	t.jobs = append(t.jobs, job)
	return nil
}
