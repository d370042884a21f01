package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/kaspi"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
	"github.com/gamemarket/gamemarket-api/internal/pkg/signature"
	"github.com/gamemarket/gamemarket-api/internal/pkg/storage"
)

const webhookSecret = "whsec_test"

// kaspiStub serves the Kaspi merchant API endpoints the service calls.
type kaspiStub struct {
	mu     sync.Mutex
	status string
	amount string
	fail   bool
}

func (k *kaspiStub) set(status, amount string, fail bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.status, k.amount, k.fail = status, amount, fail
}

func (k *kaspiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/payments/create":
		_ = json.NewEncoder(w).Encode(map[string]string{"payment_id": "kp-1", "payment_url": "https://pay.example/kp-1", "status": "created"})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/payments/"):
		fmt.Fprintf(w, `{"payment_id":"kp-1","status":%q,"amount":%s}`, k.status, k.amount)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	orders    *order.Service
	queue     *jobqueue.MemoryQueue
	ledger    *ledger.Service
	wallet    *ledger.MemoryRepository
	archive   *storage.MemoryArchive
	events    *events.Recorder
	stub      *kaspiStub
	serverURL string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stub := &kaspiStub{status: "paid", amount: "5000"}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	queue := jobqueue.NewMemoryQueue()
	orderRepo := order.NewMemoryRepository(queue)
	walletRepo := ledger.NewMemoryRepository()
	ledgerSvc := ledger.NewService(walletRepo, "KZT")
	orders := order.NewService(orderRepo, ledgerSvc, nil, "KZT")
	repo := NewMemoryRepository(orderRepo)
	archive := storage.NewMemoryArchive()
	rec := &events.Recorder{}

	provider := kaspi.NewProvider(kaspi.Config{
		BaseURL:        srv.URL,
		MerchantID:     "merchant-1",
		APIKey:         "api-key",
		WebhookSecret:  webhookSecret,
		ConnectTimeout: time.Second,
		Timeout:        time.Second,
	}, "KZT")

	svc := NewService(Deps{
		Repo:      repo,
		Orders:    orders,
		Wallet:    ledgerSvc,
		Providers: gateway.NewRegistry(provider),
		Archive:   archive,
		Publisher: rec,
	}, Config{CallbackBaseURL: "https://api.example"})

	return &fixture{
		svc:       svc,
		repo:      repo,
		orders:    orders,
		queue:     queue,
		ledger:    ledgerSvc,
		wallet:    walletRepo,
		archive:   archive,
		events:    rec,
		stub:      stub,
		serverURL: srv.URL,
	}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) topupPayment(t *testing.T, userID uuid.UUID, amount string) (*order.Order, *InitiateResult) {
	t.Helper()
	o, err := f.orders.CreateTopup(context.Background(), userID, money(amount))
	if err != nil {
		t.Fatalf("create topup: %v", err)
	}
	res, err := f.svc.Initiate(context.Background(), userID, o.ID, gateway.ProviderKaspi)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return o, res
}

func signedWebhook(body string) (http.Header, []byte) {
	h := http.Header{}
	h.Set(kaspi.SignatureHeader, signature.Sign([]byte(webhookSecret), time.Now().Unix(), []byte(body)))
	return h, []byte(body)
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	w := jobqueue.NewWorker(f.queue, jobqueue.WorkerConfig{Concurrency: 2})
	f.orders.RegisterJobs(w)
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

func TestInitiate_StoresProviderTransaction(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	o, res := f.topupPayment(t, userID, "5000")

	if res.RedirectURL == "" || res.InvoiceID < minInvoiceID {
		t.Fatalf("unexpected initiate result %+v", res)
	}
	p, err := f.repo.GetByTransaction(context.Background(), gateway.ProviderKaspi, "kp-1")
	if err != nil {
		t.Fatalf("lookup by transaction: %v", err)
	}
	if p.OrderID != o.ID || !p.Amount.Equal(money("5000")) || p.Status != StatusPending {
		t.Fatalf("unexpected payment %+v", p)
	}

	if _, err := f.svc.Initiate(context.Background(), uuid.New(), o.ID, gateway.ProviderKaspi); !errors.Is(err, order.ErrForbidden) {
		t.Fatalf("foreign order: expected ErrForbidden, got %v", err)
	}
}

func TestInitiate_ProviderFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	o, err := f.orders.CreateTopup(context.Background(), userID, money("100"))
	if err != nil {
		t.Fatalf("create topup: %v", err)
	}
	f.stub.set("", "", true)

	if _, err := f.svc.Initiate(context.Background(), userID, o.ID, gateway.ProviderKaspi); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	payments, _ := f.repo.ListByOrder(context.Background(), o.ID)
	if len(payments) != 1 || payments[0].Status != StatusFailed {
		t.Fatalf("expected one failed payment, got %+v", payments)
	}
	stored, _ := f.orders.Get(context.Background(), o.ID)
	if stored.Status != order.StatusPending {
		t.Fatalf("order status %s, want pending", stored.Status)
	}
}

// The same signed callback delivered twice credits the wallet once.
func TestWebhook_ReplayCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	o, _ := f.topupPayment(t, userID, "5000")

	headers, body := signedWebhook(`{"transaction_id":"kp-1","order_id":"` + o.ID.String() + `","status":"paid","amount":5000}`)

	first, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Result.Outcome != settle.Applied {
		t.Fatalf("first outcome %s", first.Result.Outcome)
	}
	second, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Result.Outcome != settle.AlreadyApplied {
		t.Fatalf("second outcome %s", second.Result.Outcome)
	}

	if n := len(f.queue.Jobs(jobqueue.TypeWalletTopup)); n != 1 {
		t.Fatalf("topup jobs = %d, want 1", n)
	}
	f.drain(t)
	// replay after fulfillment is still pure
	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body); err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	f.drain(t)

	if got := f.wallet.Balance(userID); !got.Equal(money("5000")) {
		t.Fatalf("balance = %s, want 5000", got)
	}
	stored, _ := f.orders.Get(ctx, o.ID)
	if stored.Status != order.StatusDelivered || !stored.PaidAt.Valid {
		t.Fatalf("unexpected order %+v", stored)
	}
	if f.events.Count(events.PaymentCompleted) != 1 {
		t.Fatalf("payment.completed published %d times", f.events.Count(events.PaymentCompleted))
	}
	if keys := f.archive.Keys("webhooks/payments/kaspi/"); len(keys) != 3 {
		t.Fatalf("archived %d bodies, want 3", len(keys))
	}
}

func TestWebhook_ConcurrentDeliveriesDispatchOnce(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.topupPayment(t, userID, "750")
	headers, body := signedWebhook(`{"transaction_id":"kp-1","status":"paid","amount":750}`)

	var wg sync.WaitGroup
	applied := make(chan settle.Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.svc.HandleWebhook(context.Background(), gateway.ProviderKaspi, headers, body)
			if err != nil {
				t.Errorf("delivery: %v", err)
				return
			}
			applied <- rec.Result.Outcome
		}()
	}
	wg.Wait()
	close(applied)

	n := 0
	for o := range applied {
		if o == settle.Applied {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("applied %d times, want 1", n)
	}
	if jobs := f.queue.Jobs(jobqueue.TypeWalletTopup); len(jobs) != 1 {
		t.Fatalf("topup jobs = %d, want 1", len(jobs))
	}
}

// An empty v1 value is rejected before anything is written or archived.
func TestWebhook_EmptySignatureRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.topupPayment(t, uuid.New(), "5000")

	before, _ := f.repo.GetByTransaction(ctx, gateway.ProviderKaspi, "kp-1")
	headers := http.Header{}
	headers.Set(kaspi.SignatureHeader, "t=1700000000,v1=")
	body := []byte(`{"transaction_id":"kp-1","status":"paid","amount":5000}`)

	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	p, _ := f.repo.GetByTransaction(ctx, gateway.ProviderKaspi, "kp-1")
	if p.Status != StatusPending || p.Version != before.Version {
		t.Fatalf("payment changed: %+v", p)
	}
	stored, _ := f.orders.Get(ctx, o.ID)
	if stored.Status != order.StatusPending || len(f.queue.Jobs("")) != 0 {
		t.Fatalf("order changed or jobs queued")
	}
	if keys := f.archive.Keys("webhooks/"); len(keys) != 0 {
		t.Fatalf("unsigned body archived: %v", keys)
	}
}

func TestWebhook_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topupPayment(t, uuid.New(), "5000")

	within, wbody := signedWebhook(`{"transaction_id":"kp-1","status":"paid","amount":4999.99}`)
	outside, obody := signedWebhook(`{"transaction_id":"kp-1","status":"paid","amount":4999.98}`)

	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, outside, obody); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if len(f.queue.Jobs("")) != 0 {
		t.Fatalf("mismatch must not dispatch jobs")
	}
	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, within, wbody); err != nil {
		t.Fatalf("amount within tolerance rejected: %v", err)
	}
}

func TestWebhook_Failure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.topupPayment(t, uuid.New(), "5000")

	headers, body := signedWebhook(`{"transaction_id":"kp-1","status":"declined","amount":5000}`)
	rec, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body)
	if err != nil || rec.Status != gateway.StatusFailed {
		t.Fatalf("failure webhook: %+v %v", rec, err)
	}
	stored, _ := f.orders.Get(ctx, o.ID)
	if stored.Status != order.StatusFailed {
		t.Fatalf("order status %s, want failed", stored.Status)
	}

	// a late success for the same transaction does not reopen it
	ok, okBody := signedWebhook(`{"transaction_id":"kp-1","status":"paid","amount":5000}`)
	rec, err = f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, ok, okBody)
	if err != nil || rec.Result.Outcome != settle.AlreadyApplied {
		t.Fatalf("late success: %+v %v", rec, err)
	}
	if len(f.queue.Jobs("")) != 0 {
		t.Fatalf("failed payment dispatched jobs")
	}
}

func TestWebhook_PendingIsConfirmedUpstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topupPayment(t, uuid.New(), "5000")
	headers, body := signedWebhook(`{"transaction_id":"kp-1","status":"processing","amount":5000}`)

	f.stub.set("processing", "5000", false)
	rec, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body)
	if err != nil || !rec.Pending() {
		t.Fatalf("expected pending, got %+v %v", rec, err)
	}

	f.stub.set("", "", true)
	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	f.stub.set("paid", "5000", false)
	rec, err = f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body)
	if err != nil || rec.Result.Outcome != settle.Applied {
		t.Fatalf("expected applied after upstream confirmation, got %+v %v", rec, err)
	}
}

func TestWebhook_UnknownTransactionAndProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	headers, body := signedWebhook(`{"transaction_id":"kp-404","status":"paid","amount":1}`)

	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, headers, body); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := f.svc.HandleWebhook(ctx, "paypal", headers, body); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	missing, mbody := signedWebhook(`{"transaction_id":"kp-1","amount":1}`)
	if _, err := f.svc.HandleWebhook(ctx, gateway.ProviderKaspi, missing, mbody); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.topupPayment(t, userID, "5000")

	f.stub.set("paid", "5000", false)
	rec, err := f.svc.Resync(ctx, gateway.ProviderKaspi, "kp-1")
	if err != nil || rec.Result.Outcome != settle.Applied {
		t.Fatalf("resync: %+v %v", rec, err)
	}
	rec, err = f.svc.Resync(ctx, gateway.ProviderKaspi, "kp-1")
	if err != nil || rec.Result.Outcome != settle.AlreadyApplied {
		t.Fatalf("second resync: %+v %v", rec, err)
	}
	f.drain(t)
	if got := f.wallet.Balance(userID); !got.Equal(money("5000")) {
		t.Fatalf("balance = %s, want 5000", got)
	}
}

func TestPayWithWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := f.ledger.Credit(ctx, userID, ledger.Entry{Reference: "seed", Amount: money("1000")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	o, err := f.orders.Create(ctx, userID, []order.Item{{Kind: order.KindDigital, Title: "Battle pass", UnitPrice: money("600"), Quantity: 1}})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	res, err := f.svc.PayWithWallet(ctx, userID, o.ID)
	if err != nil || res.Outcome != settle.Applied {
		t.Fatalf("pay: %v %v", res, err)
	}
	res, err = f.svc.PayWithWallet(ctx, userID, o.ID)
	if err != nil || res.Outcome != settle.AlreadyApplied {
		t.Fatalf("replay: %v %v", res, err)
	}
	if got := f.wallet.Balance(userID); !got.Equal(money("400")) {
		t.Fatalf("balance = %s, want 400", got)
	}
	if n := f.wallet.CountReference("ORDER-" + o.ID.String()); n != 1 {
		t.Fatalf("debit entries = %d, want 1", n)
	}

	second, _ := f.orders.Create(ctx, userID, []order.Item{{Kind: order.KindDigital, Title: "Skin", UnitPrice: money("600"), Quantity: 1}})
	if _, err := f.svc.PayWithWallet(ctx, userID, second.ID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.wallet.Balance(userID); !got.Equal(money("400")) {
		t.Fatalf("rejected debit changed balance to %s", got)
	}

	topup, _ := f.orders.CreateTopup(ctx, userID, money("100"))
	if _, err := f.svc.PayWithWallet(ctx, userID, topup.ID); !errors.Is(err, ErrWalletNotAllowed) {
		t.Fatalf("expected ErrWalletNotAllowed, got %v", err)
	}
}
