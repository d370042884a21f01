package redeem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/codebox"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	orders    *order.Service
	orderRepo *order.MemoryRepository
	queue     *jobqueue.MemoryQueue
	worker    *jobqueue.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := codebox.New(testKey)
	if err != nil {
		t.Fatalf("codebox: %v", err)
	}
	queue := jobqueue.NewMemoryQueue()
	orderRepo := order.NewMemoryRepository(queue)
	orders := order.NewService(orderRepo, ledger.NewService(ledger.NewMemoryRepository(), "KZT"), nil, "KZT")
	repo := NewMemoryRepository(orderRepo)
	svc := NewService(repo, orders, box)

	worker := jobqueue.NewWorker(queue, jobqueue.WorkerConfig{Concurrency: 8})
	NewFulfiller(svc, orders, orderRepo).Register(worker)
	orders.RegisterJobs(worker)

	return &fixture{svc: svc, repo: repo, orders: orders, orderRepo: orderRepo, queue: queue, worker: worker}
}

func (f *fixture) denomination(t *testing.T, codes ...string) *Denomination {
	t.Helper()
	d, err := f.svc.CreateDenomination(context.Background(), DenominationInput{
		Title:     "Steam 5000",
		FaceValue: decimal.NewFromInt(5000),
		Price:     decimal.NewFromInt(5200),
	})
	if err != nil {
		t.Fatalf("create denomination: %v", err)
	}
	if len(codes) > 0 {
		if _, _, err := f.svc.Import(context.Background(), d.ID, codes, nil); err != nil {
			t.Fatalf("import: %v", err)
		}
	}
	return d
}

func (f *fixture) paidOrder(t *testing.T, d *Denomination) *order.Order {
	t.Helper()
	o, err := f.svc.Checkout(context.Background(), uuid.New(), d.ID, 1)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	err = f.orderRepo.WithTx(context.Background(), func(tx order.Tx) error {
		locked, err := tx.LockOrder(context.Background(), o.ID)
		if err != nil {
			return err
		}
		_, err = order.ApplyPayment(context.Background(), tx, locked, true, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	return o
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		n, err := f.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"ABCD-1234-EFGH": "ABCD******EFGH",
		"123456789":      "1234*6789",
		"SHORT":          "*****",
		"12345678":       "********",
		"":               "",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImport_SkipsDuplicatesAndBlanks(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t)

	imported, skipped, err := f.svc.Import(context.Background(), d.ID, []string{"AAAA-0001-ZZZZ", " ", "AAAA-0002-ZZZZ", "AAAA-0001-ZZZZ"}, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 2 || skipped != 2 {
		t.Fatalf("imported=%d skipped=%d", imported, skipped)
	}

	if _, _, err := f.svc.Import(context.Background(), d.ID, []string{"", "  "}, nil); !errors.Is(err, ErrEmptyImport) {
		t.Fatalf("expected ErrEmptyImport, got %v", err)
	}
	if _, _, err := f.svc.Import(context.Background(), uuid.New(), []string{"X"}, nil); !errors.Is(err, ErrDenominationNotFound) {
		t.Fatalf("expected ErrDenominationNotFound, got %v", err)
	}
	if f.repo.Available(d.ID) != 2 {
		t.Fatalf("available = %d", f.repo.Available(d.ID))
	}
}

// N codes and N+1 concurrent attempts: exactly N succeed.
func TestAssignCode_Bijection(t *testing.T) {
	f := newFixture(t)
	const n = 5
	codes := make([]string, n)
	for i := range codes {
		codes[i] = fmt.Sprintf("GIFT-%04d-CARD", i)
	}
	d := f.denomination(t, codes...)

	orders := make([]*order.Order, n+1)
	items := make([]order.Item, n+1)
	for i := range orders {
		orders[i] = f.paidOrder(t, d)
		its, _ := f.orderRepo.Items(context.Background(), orders[i].ID)
		items[i] = its[0]
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		depleted int
		assigned = map[uuid.UUID]bool{}
	)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.svc.AssignCode(context.Background(), d.ID, orders[i].ID, items[i].ID, orders[i].UserID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				if assigned[a.CodeID] {
					t.Errorf("code %s assigned twice", a.CodeID)
				}
				assigned[a.CodeID] = true
			case errors.Is(err, ErrStockDepleted):
				depleted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != n || depleted != 1 {
		t.Fatalf("ok=%d depleted=%d, want %d and 1", ok, depleted, n)
	}
	if f.repo.Available(d.ID) != 0 {
		t.Fatalf("available = %d", f.repo.Available(d.ID))
	}
}

func TestAssignCode_WritesMaskedPreview(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t, "ABCD-EFGH-IJKL-MNOP")
	o := f.paidOrder(t, d)
	items, _ := f.orderRepo.Items(context.Background(), o.ID)

	a, err := f.svc.AssignCode(context.Background(), d.ID, o.ID, items[0].ID, o.UserID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.MaskedCode != "ABCD***********MNOP" {
		t.Fatalf("masked = %q", a.MaskedCode)
	}

	item, _ := f.orderRepo.GetItem(context.Background(), items[0].ID)
	if item.MaskedCode.String != a.MaskedCode || item.RedeemCodeID.UUID != a.CodeID {
		t.Fatalf("item not updated: %+v", item)
	}

	code, _ := f.repo.GetCode(context.Background(), a.CodeID)
	if code.Status != CodeAssigned || code.OrderItemID.UUID != items[0].ID || code.UserID.UUID != o.UserID || !code.AssignedAt.Valid {
		t.Fatalf("code not assigned: %+v", code)
	}

	// the item already has a code; the allocator refuses a second claim
	if _, err := f.svc.AssignCode(context.Background(), d.ID, o.ID, items[0].ID, o.UserID); !errors.Is(err, ErrItemAlreadyAssigned) {
		t.Fatalf("expected ErrItemAlreadyAssigned, got %v", err)
	}
}

// orderLockTrace records whether the order row was locked before its items
// were read inside each transaction.
type orderLockTrace struct {
	*MemoryRepository
	mu       sync.Mutex
	unlocked int
}

func (r *orderLockTrace) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.MemoryRepository.WithTx(ctx, func(tx Tx) error {
		return fn(&tracedTx{Tx: tx, r: r})
	})
}

type tracedTx struct {
	Tx
	r      *orderLockTrace
	locked bool
}

func (t *tracedTx) LockOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	t.locked = true
	return t.Tx.LockOrder(ctx, id)
}

func (t *tracedTx) Items(ctx context.Context, orderID uuid.UUID) ([]order.Item, error) {
	if !t.locked {
		t.r.mu.Lock()
		t.r.unlocked++
		t.r.mu.Unlock()
	}
	return t.Tx.Items(ctx, orderID)
}

func TestAssignCode_ConcurrentSameItem(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t, "CODE-CCCC-0001", "CODE-CCCC-0002", "CODE-CCCC-0003")
	o := f.paidOrder(t, d)
	items, _ := f.orderRepo.Items(context.Background(), o.ID)

	trace := &orderLockTrace{MemoryRepository: f.repo}
	svc := NewService(trace, f.orders, f.svc.box)

	const runs = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uuid.UUID
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := svc.AssignCode(context.Background(), d.ID, o.ID, items[0].ID, o.UserID)
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, a.CodeID)
				mu.Unlock()
			case !errors.Is(err, ErrItemAlreadyAssigned):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("%d runs assigned a code, want 1", len(winners))
	}
	if f.repo.Available(d.ID) != 2 {
		t.Fatalf("available = %d, want 2", f.repo.Available(d.ID))
	}
	item, _ := f.orderRepo.GetItem(context.Background(), items[0].ID)
	if item.RedeemCodeID.UUID != winners[0] {
		t.Fatalf("item code %s, want %s", item.RedeemCodeID.UUID, winners[0])
	}
	if trace.unlocked != 0 {
		t.Fatalf("items read %d times without the order lock", trace.unlocked)
	}
}

// Two codes, three paid orders: two delivered, one fulfillment_failed.
func TestFulfillment_StockDepletedOrderNotDelivered(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t, "CODE-AAAA-0001", "CODE-AAAA-0002")

	orders := []*order.Order{f.paidOrder(t, d), f.paidOrder(t, d), f.paidOrder(t, d)}
	f.drain(t)

	statuses := map[order.Status]int{}
	for _, o := range orders {
		stored, _ := f.orderRepo.Get(context.Background(), o.ID)
		statuses[stored.Status]++
	}
	if statuses[order.StatusDelivered] != 2 || statuses[order.StatusFulfillmentFailed] != 1 {
		t.Fatalf("statuses = %v", statuses)
	}

	failed := f.queue.Jobs(jobqueue.TypeRedeemFulfill)
	nFailed := 0
	for _, j := range failed {
		if j.Status == jobqueue.StatusFailed {
			nFailed++
			if j.Attempts != 1 {
				t.Errorf("stock depletion retried: attempts=%d", j.Attempts)
			}
		}
	}
	if nFailed != 1 {
		t.Fatalf("failed jobs = %d", nFailed)
	}
}

func TestFulfillment_ReplayDoesNotReassign(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t, "CODE-BBBB-0001", "CODE-BBBB-0002")
	o := f.paidOrder(t, d)
	f.drain(t)

	items, _ := f.orderRepo.Items(context.Background(), o.ID)
	job, _ := jobqueue.New(jobqueue.TypeRedeemFulfill, order.JobPayload{OrderID: o.ID, ItemID: items[0].ID})
	_ = f.queue.Enqueue(context.Background(), job)
	f.drain(t)

	if f.repo.Available(d.ID) != 1 {
		t.Fatalf("replayed job consumed another code: available=%d", f.repo.Available(d.ID))
	}
}

func TestRevealMarksSent(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t, "REVEAL-ME-0001")
	o := f.paidOrder(t, d)
	f.drain(t)

	views, err := f.svc.CodesForOrder(context.Background(), o.UserID, o.ID)
	if err != nil || len(views) != 1 {
		t.Fatalf("codes = %v, %v", views, err)
	}
	if views[0].MaskedCode != "REVE******0001" {
		t.Fatalf("masked = %q", views[0].MaskedCode)
	}

	if _, err := f.svc.Reveal(context.Background(), uuid.New(), views[0].CodeID); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("stranger revealed code: %v", err)
	}
	plain, err := f.svc.Reveal(context.Background(), o.UserID, views[0].CodeID)
	if err != nil || plain != "REVEAL-ME-0001" {
		t.Fatalf("reveal = %q, %v", plain, err)
	}
	code, _ := f.repo.GetCode(context.Background(), views[0].CodeID)
	if code.Status != CodeSent || !code.SentAt.Valid {
		t.Fatalf("code status = %s", code.Status)
	}
	// revealing again is fine
	if _, err := f.svc.Reveal(context.Background(), o.UserID, views[0].CodeID); err != nil {
		t.Fatalf("second reveal: %v", err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t)
	d := f.denomination(t)
	if _, err := f.svc.Checkout(context.Background(), uuid.New(), d.ID, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	o, err := f.svc.Checkout(context.Background(), uuid.New(), d.ID, 3)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !o.Total.Equal(decimal.NewFromInt(15600)) {
		t.Fatalf("total = %s", o.Total)
	}
}
