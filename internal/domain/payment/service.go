package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
	"github.com/gamemarket/gamemarket-api/internal/pkg/storage"
)

// Orders reads the orders being paid.
type Orders interface {
	Get(ctx context.Context, id uuid.UUID) (*order.Order, error)
	Items(ctx context.Context, orderID uuid.UUID) ([]order.Item, error)
}

// Wallet debits the buyer for wallet checkout.
type Wallet interface {
	Debit(ctx context.Context, userID uuid.UUID, e ledger.Entry) (settle.Result, error)
}

type Config struct {
	// CallbackBaseURL is the public base for /webhooks/payments/{provider}.
	CallbackBaseURL string
	ReturnURL       string
}

// Service reconciles provider callbacks against payments and orders.
type Service struct {
	repo      Repository
	orders    Orders
	wallet    Wallet
	providers *gateway.Registry
	archive   storage.Archive
	notifier  jobqueue.Notifier
	publisher events.Publisher
	cfg       Config
	locks     *lock.Keyed
	now       func() time.Time
}

type Deps struct {
	Repo      Repository
	Orders    Orders
	Wallet    Wallet
	Providers *gateway.Registry
	Archive   storage.Archive
	Notifier  jobqueue.Notifier
	Publisher events.Publisher
}

func NewService(d Deps, cfg Config) *Service {
	if d.Archive == nil {
		d.Archive = storage.Nop{}
	}
	if d.Notifier == nil {
		d.Notifier = jobqueue.NopNotifier
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return &Service{
		repo:      d.Repo,
		orders:    d.Orders,
		wallet:    d.Wallet,
		providers: d.Providers,
		archive:   d.Archive,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		cfg:       cfg,
		locks:     lock.NewKeyed(),
		now:       time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.repo.Get(ctx, id)
}

// Provider resolves a registered provider by name.
func (s *Service) Provider(name string) (gateway.PaymentProvider, error) {
	return s.providers.Get(name)
}

// Initiate opens a provider session for a pending order. The provider is
// called outside any lock; a failed call marks the payment failed and is
// returned to the buyer.
func (s *Service) Initiate(ctx context.Context, userID, orderID uuid.UUID, providerName string) (*InitiateResult, error) {
	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	o, err := s.payableOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	invoiceID, err := s.repo.NextInvoiceID(ctx)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		ID:        uuid.New(),
		OrderID:   o.ID,
		UserID:    userID,
		Provider:  provider.Name(),
		InvoiceID: invoiceID,
		Amount:    o.Total,
		Currency:  o.Currency,
		Status:    StatusPending,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	session, err := provider.InitiatePayment(ctx, gateway.PaymentRequest{
		PaymentID:   p.ID,
		OrderID:     o.ID,
		InvoiceID:   invoiceID,
		Amount:      o.Total,
		Currency:    o.Currency,
		Description: fmt.Sprintf("Order %s", o.ID),
		ReturnURL:   s.cfg.ReturnURL,
		CallbackURL: s.cfg.CallbackBaseURL + "/webhooks/payments/" + provider.Name(),
	})
	if err != nil {
		log.Error().Err(err).Str("provider", provider.Name()).Str("payment_id", p.ID.String()).Msg("payment initiation failed")
		if uerr := s.update(ctx, p.ID, func(p *Payment) {
			p.Status = StatusFailed
			p.FailedAt = sql.NullTime{Time: s.now(), Valid: true}
			p.FailureReason = sql.NullString{String: err.Error(), Valid: true}
		}); uerr != nil {
			log.Error().Err(uerr).Str("payment_id", p.ID.String()).Msg("failed to mark payment failed")
		}
		return nil, err
	}

	if err := s.update(ctx, p.ID, func(p *Payment) {
		p.TransactionID = sql.NullString{String: session.TransactionID, Valid: session.TransactionID != ""}
		p.RedirectURL = sql.NullString{String: session.RedirectURL, Valid: session.RedirectURL != ""}
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("provider", provider.Name()).
		Str("payment_id", p.ID.String()).
		Str("order_id", o.ID.String()).
		Int64("invoice_id", invoiceID).
		Msg("payment initiated")
	return &InitiateResult{PaymentID: p.ID, InvoiceID: invoiceID, RedirectURL: session.RedirectURL, Status: StatusPending}, nil
}

// PayWithWallet pays an order from the buyer's wallet under ORDER-<order_id>.
// Replays return AlreadyApplied.
func (s *Service) PayWithWallet(ctx context.Context, userID, orderID uuid.UUID) (settle.Result, error) {
	reference := "ORDER-" + orderID.String()

	p, err := s.repo.GetByTransaction(ctx, ProviderWallet, reference)
	if errors.Is(err, ErrPaymentNotFound) {
		o, oerr := s.payableOrder(ctx, userID, orderID)
		if oerr != nil {
			return settle.Reject(oerr)
		}
		items, oerr := s.orders.Items(ctx, orderID)
		if oerr != nil {
			return settle.Result{}, oerr
		}
		for _, it := range items {
			if it.Kind == order.KindWalletTopup {
				return settle.Reject(ErrWalletNotAllowed)
			}
		}
		invoiceID, oerr := s.repo.NextInvoiceID(ctx)
		if oerr != nil {
			return settle.Result{}, oerr
		}
		p = &Payment{
			ID:            uuid.New(),
			OrderID:       o.ID,
			UserID:        userID,
			Provider:      ProviderWallet,
			InvoiceID:     invoiceID,
			TransactionID: sql.NullString{String: reference, Valid: true},
			Amount:        o.Total,
			Currency:      o.Currency,
			Status:        StatusPending,
		}
		if err := s.repo.Create(ctx, p); err != nil {
			return settle.Result{}, err
		}
	} else if err != nil {
		return settle.Result{}, err
	}
	if p.UserID != userID {
		return settle.Reject(order.ErrForbidden)
	}
	if p.IsTerminal() {
		return settle.Already(), nil
	}

	_, err = s.wallet.Debit(ctx, userID, ledger.Entry{
		Reference: reference,
		Amount:    p.Amount,
		Meta:      dbtypes.JSONMap{"order_id": orderID.String(), "payment_id": p.ID.String()},
		Provider:  ProviderWallet,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrWalletLocked) {
			// the order stays payable by other means
			return settle.Reject(err)
		}
		return settle.Result{}, err
	}
	return s.applyTerminal(ctx, p.ID, gateway.StatusCompleted, "wallet_debit")
}

func (s *Service) payableOrder(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, order.ErrForbidden
	}
	if o.Status != order.StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotPayable, o.Status)
	}
	return o, nil
}

// HandleWebhook verifies, parses and applies a payment callback.
//
// Signature and amount failures never change state. A callback that is
// still pending is confirmed with the provider outside any lock; if the
// provider cannot answer the error is ErrProviderUnavailable.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, headers http.Header, body []byte) (rec *Reconciliation, err error) {
	start := s.now()
	defer func() {
		outcome := "error"
		switch {
		case err == nil && rec.Pending():
			outcome = "pending"
		case err == nil:
			outcome = string(rec.Result.Outcome)
		case errors.Is(err, ErrInvalidSignature):
			outcome = "invalid_signature"
		case errors.Is(err, ErrAmountMismatch):
			outcome = "amount_mismatch"
		}
		metrics.WebhooksReceived.WithLabelValues(providerName, "payment", outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(providerName, "payment").Observe(time.Since(start).Seconds())
	}()

	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	if err := provider.VerifySignature(headers, body); err != nil {
		log.Warn().Err(err).Str("provider", provider.Name()).Msg("payment webhook rejected")
		return nil, err
	}
	s.archiveBody(ctx, provider.Name(), body)
	event, err := provider.ParseWebhook(headers, body)
	if err != nil {
		return nil, err
	}

	status, amount := event.Status, event.Amount
	if status == gateway.StatusPending {
		ts, err := provider.VerifyTransaction(ctx, event.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("verify %s transaction: %w", provider.Name(), err)
		}
		status = ts.Status
		if !ts.Amount.IsZero() {
			amount = ts.Amount
		}
	}

	p, err := s.repo.GetByTransaction(ctx, provider.Name(), event.TransactionID)
	if err != nil {
		return nil, err
	}
	rec, err = s.reconcile(ctx, p, status, amount, event.RawStatus)
	if rec != nil {
		rec.Event = event
	}
	return rec, err
}

// Resync asks the provider for the current status of a transaction and
// applies it exactly like a webhook.
func (s *Service) Resync(ctx context.Context, providerName, transactionID string) (*Reconciliation, error) {
	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.GetByTransaction(ctx, provider.Name(), transactionID)
	if err != nil {
		return nil, err
	}
	ts, err := provider.VerifyTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("verify %s transaction: %w", provider.Name(), err)
	}
	amount := ts.Amount
	if amount.IsZero() {
		amount = p.Amount
	}
	return s.reconcile(ctx, p, ts.Status, amount, ts.RawStatus)
}

func (s *Service) reconcile(ctx context.Context, p *Payment, status gateway.Status, amount decimal.Decimal, rawStatus string) (*Reconciliation, error) {
	rec := &Reconciliation{PaymentID: p.ID, OrderID: p.OrderID, Status: status}
	if status == gateway.StatusPending {
		return rec, nil
	}
	if status == gateway.StatusCompleted && !p.AmountMatches(amount) {
		log.Warn().
			Str("payment_id", p.ID.String()).
			Str("expected", p.Amount.StringFixed(2)).
			Str("received", amount.StringFixed(2)).
			Msg("payment amount mismatch")
		return nil, ErrAmountMismatch
	}
	res, err := s.applyTerminal(ctx, p.ID, status, rawStatus)
	rec.Result = res
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// applyTerminal moves the payment and its order to a terminal state in one
// transaction. A payment that is already terminal is left untouched.
func (s *Service) applyTerminal(ctx context.Context, paymentID uuid.UUID, status gateway.Status, rawStatus string) (settle.Result, error) {
	unlock := s.locks.Lock(paymentID.String())
	defer unlock()

	var (
		res        settle.Result
		p          *Payment
		dispatched bool
	)
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		var err error
		p, err = tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			res = settle.Already()
			return nil
		}

		o, err := tx.LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		now := s.now()
		success := status == gateway.StatusCompleted
		if dispatched, err = order.ApplyPayment(ctx, tx, o, success, now); err != nil {
			return err
		}

		p.Status = toStatus(status)
		p.RawStatus = sql.NullString{String: rawStatus, Valid: rawStatus != ""}
		if success {
			p.PaidAt = sql.NullTime{Time: now, Valid: true}
		} else {
			p.FailedAt = sql.NullTime{Time: now, Valid: true}
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		res = settle.Apply()
		return nil
	})
	if err != nil {
		return settle.Result{}, err
	}
	if !res.IsApplied() {
		log.Info().Str("payment_id", paymentID.String()).Msg("payment already terminal, skipping")
		return res, nil
	}

	if dispatched {
		s.notifier.Notify(ctx)
	}
	eventType := events.PaymentCompleted
	if p.Status == StatusFailed {
		eventType = events.PaymentFailed
	}
	s.publisher.Publish(ctx, eventType, p.OrderID.String(), map[string]any{
		"payment_id": p.ID.String(),
		"provider":   p.Provider,
		"amount":     p.Amount.StringFixed(2),
	})
	log.Info().
		Str("payment_id", p.ID.String()).
		Str("order_id", p.OrderID.String()).
		Str("provider", p.Provider).
		Str("status", string(p.Status)).
		Bool("dispatched", dispatched).
		Msg("payment reconciled")
	return res, nil
}

func (s *Service) update(ctx context.Context, id uuid.UUID, fn func(p *Payment)) error {
	unlock := s.locks.Lock(id.String())
	defer unlock()
	return s.repo.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		fn(p)
		return tx.SavePayment(ctx, p)
	})
}

func (s *Service) archiveBody(ctx context.Context, provider string, body []byte) {
	key := storage.WebhookKey("payments", provider, s.now())
	if err := s.archive.Put(ctx, key, body, "application/octet-stream"); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("failed to archive webhook body")
	}
}
