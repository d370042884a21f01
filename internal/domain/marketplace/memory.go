package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
)

// MemoryRepository shares transactions with an order.MemoryRepository.
type MemoryRepository struct {
	orders   *order.MemoryRepository
	mu       sync.Mutex
	listings map[uuid.UUID]Listing
	mos      map[uuid.UUID]Order // by order id
}

func NewMemoryRepository(orders *order.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		orders:   orders,
		listings: make(map[uuid.UUID]Listing),
		mos:      make(map[uuid.UUID]Order),
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.orders.WithTx(ctx, func(otx order.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		listings := make(map[uuid.UUID]Listing, len(m.listings))
		for k, v := range m.listings {
			listings[k] = v
		}
		mos := make(map[uuid.UUID]Order, len(m.mos))
		for k, v := range m.mos {
			mos[k] = v
		}
		if err := fn(&memTx{Tx: otx, m: m}); err != nil {
			m.listings = listings
			m.mos = mos
			return err
		}
		return nil
	})
}

func (m *MemoryRepository) CreateListing(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	l.CreatedAt, l.UpdatedAt = now, now
	m.listings[l.ID] = *l
	return nil
}

func (m *MemoryRepository) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return &l, nil
}

func (m *MemoryRepository) ListActiveListings(ctx context.Context, limit, offset int) ([]Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Listing
	for _, l := range m.listings {
		if l.Status == ListingActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []Listing{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.mos[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &mo, nil
}

func (m *MemoryRepository) DueForRelease(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, mo := range m.mos {
		if mo.Status == StatusDelivered && !mo.ReleasedAt.Valid &&
			mo.DeliveryDeadlineAt.Valid && mo.DeliveryDeadlineAt.Time.Before(now) {
			out = append(out, mo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryDeadlineAt.Time.Before(out[j].DeliveryDeadlineAt.Time) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	order.Tx
	m *MemoryRepository
}

func (t *memTx) LockListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	l, ok := t.m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return &l, nil
}

func (t *memTx) SaveListing(ctx context.Context, l *Listing) error {
	stored, ok := t.m.listings[l.ID]
	if !ok || stored.Version != l.Version {
		return ErrVersionConflict
	}
	l.Version++
	l.UpdatedAt = time.Now()
	t.m.listings[l.ID] = *l
	return nil
}

func (t *memTx) DisableListings(ctx context.Context, sellerID uuid.UUID) (int, error) {
	n := 0
	for id, l := range t.m.listings {
		if l.SellerID == sellerID && l.Status == ListingActive {
			l.Status = ListingDisabled
			l.Version++
			t.m.listings[id] = l
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertMarketplaceOrder(ctx context.Context, mo *Order) error {
	now := time.Now()
	mo.CreatedAt, mo.UpdatedAt = now, now
	t.m.mos[mo.OrderID] = *mo
	return nil
}

func (t *memTx) LockMarketplaceOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	mo, ok := t.m.mos[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &mo, nil
}

func (t *memTx) SaveMarketplaceOrder(ctx context.Context, mo *Order) error {
	stored, ok := t.m.mos[mo.OrderID]
	if !ok || stored.Version != mo.Version {
		return ErrVersionConflict
	}
	mo.Version++
	mo.UpdatedAt = time.Now()
	t.m.mos[mo.OrderID] = *mo
	return nil
}
