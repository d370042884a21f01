package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

type fixture struct {
	svc    *Service
	repo   *MemoryRepository
	queue  *jobqueue.MemoryQueue
	ledger *ledger.Service
	wallet *ledger.MemoryRepository
}

func newFixture() *fixture {
	queue := jobqueue.NewMemoryQueue()
	repo := NewMemoryRepository(queue)
	walletRepo := ledger.NewMemoryRepository()
	ledgerSvc := ledger.NewService(walletRepo, "KZT")
	return &fixture{
		svc:    NewService(repo, ledgerSvc, nil, "KZT"),
		repo:   repo,
		queue:  queue,
		ledger: ledgerSvc,
		wallet: walletRepo,
	}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) pay(t *testing.T, orderID uuid.UUID) bool {
	t.Helper()
	var dispatched bool
	err := f.repo.WithTx(context.Background(), func(tx Tx) error {
		o, err := tx.LockOrder(context.Background(), orderID)
		if err != nil {
			return err
		}
		dispatched, err = ApplyPayment(context.Background(), tx, o, true, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("apply payment: %v", err)
	}
	return dispatched
}

func (f *fixture) runJobs(t *testing.T) {
	t.Helper()
	w := jobqueue.NewWorker(f.queue, jobqueue.WorkerConfig{Concurrency: 4})
	f.svc.RegisterJobs(w)
	for {
		n, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run jobs: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func TestCreate_ComputesTotal(t *testing.T) {
	f := newFixture()
	o, err := f.svc.Create(context.Background(), uuid.New(), []Item{
		{Kind: KindDigital, Title: "Battle pass", UnitPrice: money("1500"), Quantity: 2},
		{Kind: KindPhysical, Title: "Gamepad", UnitPrice: money("9990.50"), Quantity: 1},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !o.Total.Equal(money("12990.50")) || o.Status != StatusPending {
		t.Fatalf("unexpected order %+v", o)
	}
	items, _ := f.repo.Items(context.Background(), o.ID)
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
}

func TestCreate_RejectsInvalidItems(t *testing.T) {
	f := newFixture()
	cases := map[string][]Item{
		"empty":             nil,
		"zero price":        {{Kind: KindDigital, UnitPrice: decimal.Zero, Quantity: 1}},
		"redeem without id": {{Kind: KindRedeemCode, UnitPrice: money("10"), Quantity: 1}},
		"unknown kind":      {{Kind: "gift", UnitPrice: money("10"), Quantity: 1}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), uuid.New(), items)
			if !errors.Is(err, ErrInvalidItem) && !errors.Is(err, ErrEmptyOrder) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestApplyPayment_DispatchesOnce(t *testing.T) {
	f := newFixture()
	o, err := f.svc.Create(context.Background(), uuid.New(), []Item{
		{Kind: KindRedeemCode, UnitPrice: money("5000"), Quantity: 1, DenominationID: uuid.NullUUID{UUID: uuid.New(), Valid: true}},
		{Kind: KindPhysical, UnitPrice: money("100"), Quantity: 1},
		{Kind: KindPhysical, UnitPrice: money("200"), Quantity: 1},
		{Kind: KindMarketplace, UnitPrice: money("700"), Quantity: 1, ListingID: uuid.NullUUID{UUID: uuid.New(), Valid: true}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !f.pay(t, o.ID) {
		t.Fatal("first payment should dispatch")
	}
	if f.pay(t, o.ID) {
		t.Fatal("second payment must not dispatch again")
	}

	want := map[string]int{
		jobqueue.TypeRedeemFulfill:       1,
		jobqueue.TypeOrderShip:           1,
		jobqueue.TypeEscrowCreditPending: 1,
		jobqueue.TypeMarketplaceDeliver:  1,
	}
	for typ, n := range want {
		if got := len(f.queue.Jobs(typ)); got != n {
			t.Errorf("%s jobs = %d, want %d", typ, got, n)
		}
	}
	if total := len(f.queue.Jobs("")); total != 4 {
		t.Fatalf("total jobs = %d", total)
	}

	stored, _ := f.repo.Get(context.Background(), o.ID)
	if _, ok := stored.DispatchedAt(); !ok || stored.Status != StatusPaid || !stored.PaidAt.Valid {
		t.Fatalf("order not marked dispatched: %+v", stored)
	}
}

func TestApplyPayment_RollbackDropsJobs(t *testing.T) {
	f := newFixture()
	o, _ := f.svc.Create(context.Background(), uuid.New(), []Item{{Kind: KindDigital, UnitPrice: money("10"), Quantity: 1}})

	boom := errors.New("boom")
	err := f.repo.WithTx(context.Background(), func(tx Tx) error {
		locked, err := tx.LockOrder(context.Background(), o.ID)
		if err != nil {
			return err
		}
		if _, err := ApplyPayment(context.Background(), tx, locked, true, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := len(f.queue.Jobs("")); n != 0 {
		t.Fatalf("rolled back transaction leaked %d jobs", n)
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusPending {
		t.Fatalf("status = %s after rollback", stored.Status)
	}
}

func TestApplyPayment_FailureOnlyFromPending(t *testing.T) {
	f := newFixture()
	o, _ := f.svc.Create(context.Background(), uuid.New(), []Item{{Kind: KindDigital, UnitPrice: money("10"), Quantity: 1}})
	f.pay(t, o.ID)

	err := f.repo.WithTx(context.Background(), func(tx Tx) error {
		locked, _ := tx.LockOrder(context.Background(), o.ID)
		_, err := ApplyPayment(context.Background(), tx, locked, false, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("apply failure: %v", err)
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusPaid {
		t.Fatalf("late failure downgraded a paid order to %s", stored.Status)
	}
}

func TestTopupJob_CreditsWalletOnce(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	o, err := f.svc.CreateTopup(context.Background(), userID, money("2500"))
	if err != nil {
		t.Fatalf("create topup: %v", err)
	}
	f.pay(t, o.ID)
	f.runJobs(t)

	if got := f.wallet.Balance(userID); !got.Equal(money("2500")) {
		t.Fatalf("balance = %s", got)
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusDelivered {
		t.Fatalf("order status = %s", stored.Status)
	}

	// a duplicated job is harmless
	items, _ := f.repo.Items(context.Background(), o.ID)
	job, _ := jobqueue.New(jobqueue.TypeWalletTopup, JobPayload{OrderID: o.ID, ItemID: items[0].ID})
	_ = f.queue.Enqueue(context.Background(), job)
	f.runJobs(t)
	if got := f.wallet.Balance(userID); !got.Equal(money("2500")) {
		t.Fatalf("balance after duplicate job = %s", got)
	}
}

func TestCreateTopup_RechargeBlocked(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	if err := f.ledger.SetRechargeBlock(context.Background(), userID, true, "chargeback"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := f.svc.CreateTopup(context.Background(), userID, money("100")); !errors.Is(err, ledger.ErrRechargeBlocked) {
		t.Fatalf("expected ErrRechargeBlocked, got %v", err)
	}
}

func TestShipThenDeliver(t *testing.T) {
	f := newFixture()
	o, _ := f.svc.Create(context.Background(), uuid.New(), []Item{
		{Kind: KindPhysical, UnitPrice: money("100"), Quantity: 1},
		{Kind: KindDigital, UnitPrice: money("50"), Quantity: 1},
	})
	f.pay(t, o.ID)
	f.runJobs(t)

	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusPaid {
		t.Fatalf("order with shipping item should stay paid, got %s", stored.Status)
	}

	items, _ := f.repo.Items(context.Background(), o.ID)
	var physical Item
	for _, it := range items {
		if it.Kind == KindPhysical {
			physical = it
		}
	}
	if physical.FulfillmentStatus != FulfillmentProcessing {
		t.Fatalf("physical item status = %s", physical.FulfillmentStatus)
	}

	res, err := f.svc.SettleItem(context.Background(), physical.ID, ItemOutcome{Status: FulfillmentDelivered})
	if err != nil || res.Outcome != settle.Applied {
		t.Fatalf("settle = %v, %v", res, err)
	}
	res, _ = f.svc.SettleItem(context.Background(), physical.ID, ItemOutcome{Status: FulfillmentDelivered})
	if res.Outcome != settle.AlreadyApplied {
		t.Fatalf("second settle outcome = %s", res.Outcome)
	}

	stored, _ = f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusDelivered {
		t.Fatalf("order status = %s", stored.Status)
	}
}

func TestSettleItem_FailureRollsUp(t *testing.T) {
	f := newFixture()
	o, _ := f.svc.Create(context.Background(), uuid.New(), []Item{
		{Kind: KindRedeemCode, UnitPrice: money("10"), Quantity: 1, DenominationID: uuid.NullUUID{UUID: uuid.New(), Valid: true}},
	})

	items, _ := f.repo.Items(context.Background(), o.ID)
	if _, err := f.svc.SettleItem(context.Background(), items[0].ID, ItemOutcome{Status: FulfillmentFailed}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unpaid order item settled: %v", err)
	}

	f.pay(t, o.ID)
	if _, err := f.svc.SettleItem(context.Background(), items[0].ID, ItemOutcome{Status: FulfillmentFailed, Reason: "stock depleted"}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	stored, _ := f.repo.Get(context.Background(), o.ID)
	if stored.Status != StatusFulfillmentFailed {
		t.Fatalf("order status = %s", stored.Status)
	}
}
