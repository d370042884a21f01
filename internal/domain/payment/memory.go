package payment

import (
	"context"
	"fmt"
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
	payments map[uuid.UUID]Payment
	invoice  int64
}

func NewMemoryRepository(orders *order.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		orders:   orders,
		payments: make(map[uuid.UUID]Payment),
		invoice:  minInvoiceID - 1,
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.orders.WithTx(ctx, func(otx order.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		payments := make(map[uuid.UUID]Payment, len(m.payments))
		for k, v := range m.payments {
			payments[k] = v
		}
		if err := fn(&memTx{Tx: otx, m: m}); err != nil {
			m.payments = payments
			return err
		}
		return nil
	})
}

func (m *MemoryRepository) NextInvoiceID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoice++
	return m.invoice, nil
}

func (m *MemoryRepository) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.TransactionID.Valid {
		for _, other := range m.payments {
			if other.Provider == p.Provider && other.TransactionID == p.TransactionID {
				return fmt.Errorf("payment transaction already registered: %s", p.TransactionID.String)
			}
		}
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.payments[p.ID] = *p
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetByTransaction(ctx context.Context, provider, transactionID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.TransactionID.Valid && p.TransactionID.String == transactionID {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memTx struct {
	order.Tx
	m *MemoryRepository
}

func (t *memTx) LockPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, ok := t.m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) SavePayment(ctx context.Context, p *Payment) error {
	stored, ok := t.m.payments[p.ID]
	if !ok || stored.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	p.UpdatedAt = time.Now()
	t.m.payments[p.ID] = *p
	return nil
}
