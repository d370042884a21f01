package redeem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
)

// MemoryRepository shares its transactions with an order.MemoryRepository so
// code claims and order item updates commit or roll back together.
type MemoryRepository struct {
	orders        *order.MemoryRepository
	mu            sync.Mutex
	denominations map[uuid.UUID]Denomination
	codes         map[uuid.UUID]Code
}

func NewMemoryRepository(orders *order.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		orders:        orders,
		denominations: make(map[uuid.UUID]Denomination),
		codes:         make(map[uuid.UUID]Code),
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.orders.WithTx(ctx, func(otx order.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		codes := make(map[uuid.UUID]Code, len(m.codes))
		for k, v := range m.codes {
			codes[k] = v
		}
		if err := fn(&memTx{Tx: otx, m: m}); err != nil {
			m.codes = codes
			return err
		}
		return nil
	})
}

func (m *MemoryRepository) CreateDenomination(ctx context.Context, d *Denomination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = time.Now()
	m.denominations[d.ID] = *d
	return nil
}

func (m *MemoryRepository) GetDenomination(ctx context.Context, id uuid.UUID) (*Denomination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.denominations[id]
	if !ok {
		return nil, ErrDenominationNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) ListDenominations(ctx context.Context, activeOnly bool) ([]DenominationStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DenominationStock
	for _, d := range m.denominations {
		if activeOnly && !d.IsActive {
			continue
		}
		out = append(out, DenominationStock{Denomination: d, Available: m.availableLocked(d.ID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out, nil
}

func (m *MemoryRepository) InsertCodes(ctx context.Context, codes []Code) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(m.codes))
	for _, c := range m.codes {
		seen[c.Fingerprint] = true
	}
	inserted := 0
	for _, c := range codes {
		if seen[c.Fingerprint] {
			continue
		}
		seen[c.Fingerprint] = true
		c.CreatedAt = time.Now()
		m.codes[c.ID] = c
		inserted++
	}
	return inserted, nil
}

func (m *MemoryRepository) GetCode(ctx context.Context, id uuid.UUID) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return &c, nil
}

// Available returns how many codes of the denomination are still available.
func (m *MemoryRepository) Available(denominationID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(denominationID)
}

func (m *MemoryRepository) availableLocked(denominationID uuid.UUID) int {
	n := 0
	for _, c := range m.codes {
		if c.DenominationID == denominationID && c.Status == CodeAvailable {
			n++
		}
	}
	return n
}

type memTx struct {
	order.Tx
	m *MemoryRepository
}

func (t *memTx) ClaimAvailable(ctx context.Context, denominationID uuid.UUID) (*Code, error) {
	now := time.Now()
	var best *Code
	for _, c := range t.m.codes {
		if c.DenominationID != denominationID || c.Status != CodeAvailable {
			continue
		}
		if c.ExpiresAt.Valid && !c.ExpiresAt.Time.After(now) {
			continue
		}
		if best == nil || c.CreatedAt.Before(best.CreatedAt) ||
			(c.CreatedAt.Equal(best.CreatedAt) && c.ID.String() < best.ID.String()) {
			cp := c
			best = &cp
		}
	}
	return best, nil
}

func (t *memTx) LockCode(ctx context.Context, id uuid.UUID) (*Code, error) {
	c, ok := t.m.codes[id]
	if !ok {
		return nil, ErrCodeNotFound
	}
	return &c, nil
}

func (t *memTx) SaveCode(ctx context.Context, c *Code) error {
	stored, ok := t.m.codes[c.ID]
	if !ok || stored.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	t.m.codes[c.ID] = *c
	return nil
}
