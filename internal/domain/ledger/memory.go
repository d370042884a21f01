package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository keeps the ledger in process memory. A single mutex held for
// the whole of WithTx stands in for row locks, and SaveAccount still enforces
// the version check. Used by tests and local runs without Postgres.
type MemoryRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]Account
	txs      map[string]Transaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[uuid.UUID]Account),
		txs:      make(map[string]Transaction),
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make(map[uuid.UUID]Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	txs := make(map[string]Transaction, len(m.txs))
	for k, v := range m.txs {
		txs[k] = v
	}

	if err := fn(&memTx{m: m}); err != nil {
		m.accounts = accounts
		m.txs = txs
		return err
	}
	return nil
}

func (m *MemoryRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

func (m *MemoryRepository) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[reference]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *MemoryRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []Transaction
	for _, t := range m.txs {
		if t.UserID == userID {
			items = append(items, t)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if offset >= len(items) {
		return []Transaction{}, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Balance is a test helper returning the stored balance.
func (m *MemoryRepository) Balance(userID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID].Balance
}

// CountReference returns how many rows carry reference (0 or 1).
func (m *MemoryRepository) CountReference(reference string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[reference]; ok {
		return 1
	}
	return 0
}

type memTx struct {
	m *MemoryRepository
}

func (t *memTx) LockAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error) {
	acc, ok := t.m.accounts[userID]
	if !ok {
		now := time.Now()
		acc = Account{
			UserID:    userID,
			Currency:  currency,
			Balance:   decimal.Zero,
			Status:    AccountActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.m.accounts[userID] = acc
	}
	return &acc, nil
}

func (t *memTx) SaveAccount(ctx context.Context, acc *Account) error {
	stored, ok := t.m.accounts[acc.UserID]
	if !ok || stored.Version != acc.Version {
		return ErrVersionConflict
	}
	acc.Version++
	acc.UpdatedAt = time.Now()
	t.m.accounts[acc.UserID] = *acc
	return nil
}

func (t *memTx) TransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	tr, ok := t.m.txs[reference]
	if !ok {
		return nil, nil
	}
	return &tr, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	if _, ok := t.m.txs[tr.Reference]; ok {
		return ErrDuplicateReference
	}
	if tr.ProviderTxID.Valid {
		for _, existing := range t.m.txs {
			if existing.Provider == tr.Provider && existing.ProviderTxID == tr.ProviderTxID {
				return ErrDuplicateReference
			}
		}
	}
	t.m.txs[tr.Reference] = *tr
	return nil
}

func (t *memTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) error {
	for ref, tr := range t.m.txs {
		if tr.ID != id {
			continue
		}
		if tr.Status != from {
			return ErrInvalidState
		}
		tr.Status = to
		tr.UpdatedAt = time.Now()
		t.m.txs[ref] = tr
		return nil
	}
	return ErrInvalidState
}
