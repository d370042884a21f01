package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is the in-process escrow store used by tests and local runs.
// WithTx holds one mutex for the whole transaction and restores a snapshot on error.
type MemoryRepository struct {
	mu        sync.Mutex
	wallets   map[uuid.UUID]Wallet
	txs       map[string]Transaction
	withdraws map[uuid.UUID]WithdrawRequest
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets:   make(map[uuid.UUID]Wallet),
		txs:       make(map[string]Transaction),
		withdraws: make(map[uuid.UUID]WithdrawRequest),
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallets := make(map[uuid.UUID]Wallet, len(m.wallets))
	for k, v := range m.wallets {
		wallets[k] = v
	}
	txs := make(map[string]Transaction, len(m.txs))
	for k, v := range m.txs {
		txs[k] = v
	}
	withdraws := make(map[uuid.UUID]WithdrawRequest, len(m.withdraws))
	for k, v := range m.withdraws {
		withdraws[k] = v
	}

	if err := fn(&memTx{m: m}); err != nil {
		m.wallets, m.txs, m.withdraws = wallets, txs, withdraws
		return err
	}
	return nil
}

func (m *MemoryRepository) GetWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[sellerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return &w, nil
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

func (m *MemoryRepository) ListTransactions(ctx context.Context, sellerID uuid.UUID, limit, offset int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []Transaction
	for _, t := range m.txs {
		if t.SellerID == sellerID {
			items = append(items, t)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if offset >= len(items) {
		return []Transaction{}, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryRepository) GetWithdrawRequest(ctx context.Context, id uuid.UUID) (*WithdrawRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.withdraws[id]
	if !ok {
		return nil, ErrWithdrawNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) ListWithdrawRequests(ctx context.Context, status WithdrawStatus, limit int) ([]WithdrawRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []WithdrawRequest
	for _, r := range m.withdraws {
		if r.Status == status {
			items = append(items, r)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// CountReferences returns how many entries carry reference (0 or 1).
func (m *MemoryRepository) CountReferences(reference string) int {
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

func (t *memTx) LockWallet(ctx context.Context, sellerID uuid.UUID) (*Wallet, error) {
	w, ok := t.m.wallets[sellerID]
	if !ok {
		now := time.Now()
		w = Wallet{SellerID: sellerID, Status: WalletActive, CreatedAt: now, UpdatedAt: now}
		t.m.wallets[sellerID] = w
	}
	return &w, nil
}

func (t *memTx) SaveWallet(ctx context.Context, w *Wallet) error {
	stored, ok := t.m.wallets[w.SellerID]
	if !ok || stored.Version != w.Version {
		return ErrVersionConflict
	}
	w.Version++
	w.UpdatedAt = time.Now()
	t.m.wallets[w.SellerID] = *w
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
	t.m.txs[tr.Reference] = *tr
	return nil
}

func (t *memTx) InsertWithdrawRequest(ctx context.Context, r *WithdrawRequest) error {
	t.m.withdraws[r.ID] = *r
	return nil
}

func (t *memTx) LockWithdrawRequest(ctx context.Context, id uuid.UUID) (*WithdrawRequest, error) {
	r, ok := t.m.withdraws[id]
	if !ok {
		return nil, ErrWithdrawNotFound
	}
	return &r, nil
}

func (t *memTx) SaveWithdrawRequest(ctx context.Context, r *WithdrawRequest) error {
	r.UpdatedAt = time.Now()
	t.m.withdraws[r.ID] = *r
	return nil
}
