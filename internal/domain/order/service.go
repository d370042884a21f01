package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

// Wallet is the part of the ledger used by top-up orders.
type Wallet interface {
	CanRecharge(ctx context.Context, userID uuid.UUID) error
	Credit(ctx context.Context, userID uuid.UUID, e ledger.Entry) (settle.Result, error)
}

type Service struct {
	repo     Repository
	wallet   Wallet
	notifier jobqueue.Notifier
	locks    *lock.Keyed
	currency string
	now      func() time.Time
}

func NewService(repo Repository, wallet Wallet, notifier jobqueue.Notifier, currency string) *Service {
	if notifier == nil {
		notifier = jobqueue.NopNotifier
	}
	return &Service{
		repo:     repo,
		wallet:   wallet,
		notifier: notifier,
		locks:    lock.NewKeyed(),
		currency: currency,
		now:      time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Items(ctx context.Context, orderID uuid.UUID) ([]Item, error) {
	return s.repo.Items(ctx, orderID)
}

// GetForUser returns the order with its items when userID owns it.
func (s *Service) GetForUser(ctx context.Context, id, userID uuid.UUID) (*Order, []Item, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if o.UserID != userID {
		return nil, nil, ErrForbidden
	}
	items, err := s.repo.Items(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return o, items, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// Create stores a pending order with items.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, items []Item) (*Order, error) {
	o, err := NewOrder(userID, s.currency, items)
	if err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(tx Tx) error {
		return InsertTx(ctx, tx, o, items)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("order_id", o.ID.String()).Str("user_id", userID.String()).Str("total", o.Total.StringFixed(2)).Msg("order created")
	return o, nil
}

// CreateTopup creates a single wallet_topup order unless recharges are blocked.
func (s *Service) CreateTopup(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*Order, error) {
	if err := s.wallet.CanRecharge(ctx, userID); err != nil {
		return nil, err
	}
	return s.Create(ctx, userID, []Item{{
		Kind:      KindWalletTopup,
		Title:     "Wallet top-up",
		UnitPrice: amount,
		Quantity:  1,
	}})
}

// NewOrder fills ids and totals for a new pending order. items are updated in place.
func NewOrder(userID uuid.UUID, currency string, items []Item) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	o := &Order{
		ID:       uuid.New(),
		UserID:   userID,
		Status:   StatusPending,
		Total:    decimal.Zero,
		Currency: currency,
		Metadata: map[string]any{},
	}
	for i := range items {
		it := &items[i]
		if err := validateItem(it); err != nil {
			return nil, err
		}
		it.ID = uuid.New()
		it.OrderID = o.ID
		it.FulfillmentStatus = FulfillmentPending
		o.Total = o.Total.Add(it.Amount())
	}
	return o, nil
}

// InsertTx writes o and its items inside tx.
func InsertTx(ctx context.Context, tx Tx, o *Order, items []Item) error {
	if err := tx.InsertOrder(ctx, o); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for i := range items {
		if err := tx.InsertItem(ctx, &items[i]); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func validateItem(it *Item) error {
	if !it.UnitPrice.IsPositive() || it.Quantity < 1 {
		return fmt.Errorf("%w: price and quantity must be positive", ErrInvalidItem)
	}
	switch it.Kind {
	case KindWalletTopup, KindPhysical, KindDigital:
	case KindRedeemCode:
		if !it.DenominationID.Valid || it.Quantity != 1 {
			return fmt.Errorf("%w: redeem item needs a denomination and quantity 1", ErrInvalidItem)
		}
	case KindMarketplace:
		if !it.ListingID.Valid || it.Quantity != 1 {
			return fmt.Errorf("%w: marketplace item needs a listing and quantity 1", ErrInvalidItem)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, it.Kind)
	}
	return nil
}

// SettleItem records a fulfillment outcome for one item and rolls the order
// status up. Reporting on an already settled item is a no-op.
func (s *Service) SettleItem(ctx context.Context, itemID uuid.UUID, out ItemOutcome) (settle.Result, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return settle.Reject(err)
	}

	unlock := s.locks.Lock(item.OrderID.String())
	defer unlock()

	var res settle.Result
	err = s.repo.WithTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, item.OrderID)
		if err != nil {
			return err
		}
		if o.Status == StatusPending || o.Status == StatusFailed {
			res, err = settle.Reject(ErrInvalidState)
			return err
		}
		items, err := tx.Items(ctx, o.ID)
		if err != nil {
			return err
		}

		var target *Item
		for i := range items {
			if items[i].ID == itemID {
				target = &items[i]
			}
		}
		if target == nil {
			return ErrItemNotFound
		}
		if target.IsSettled() || target.FulfillmentStatus == out.Status {
			res = settle.Already()
			return nil
		}

		target.FulfillmentStatus = out.Status
		if out.RedeemCodeID != uuid.Nil {
			target.RedeemCodeID = uuid.NullUUID{UUID: out.RedeemCodeID, Valid: true}
		}
		if out.MaskedCode != "" {
			target.MaskedCode = sql.NullString{String: out.MaskedCode, Valid: true}
		}
		if out.Reason != "" {
			target.FailureReason = sql.NullString{String: out.Reason, Valid: true}
		}
		if err := tx.SaveItem(ctx, target); err != nil {
			return err
		}

		if next := rollup(items); next != o.Status {
			o.Status = next
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
			log.Info().Str("order_id", o.ID.String()).Str("status", string(next)).Msg("order status changed")
		}
		res = settle.Apply()
		return nil
	})
	if err != nil {
		if res.Outcome == settle.Rejected {
			return res, err
		}
		return settle.Result{}, err
	}
	return res, nil
}

// ApplyPayment moves o to paid or failed inside the caller's transaction.
// On the first successful payment it enqueues the fulfillment jobs and
// stamps dispatched_at; later calls never enqueue again. It reports whether
// jobs were dispatched.
func ApplyPayment(ctx context.Context, tx Tx, o *Order, success bool, now time.Time) (bool, error) {
	if !success {
		if o.Status != StatusPending {
			return false, nil
		}
		o.Status = StatusFailed
		return false, tx.SaveOrder(ctx, o)
	}

	if _, dispatched := o.DispatchedAt(); dispatched {
		return false, nil
	}

	items, err := tx.Items(ctx, o.ID)
	if err != nil {
		return false, err
	}
	jobs, err := planJobs(o.ID, items)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if err := tx.Enqueue(ctx, job); err != nil {
			return false, fmt.Errorf("enqueue %s: %w", job.Type, err)
		}
	}

	o.Status = StatusPaid
	o.PaidAt = sql.NullTime{Time: now, Valid: true}
	o.markDispatched(now)
	if err := tx.SaveOrder(ctx, o); err != nil {
		return false, err
	}
	return true, nil
}

// Notify wakes job workers after a commit that dispatched jobs.
func (s *Service) Notify(ctx context.Context) {
	s.notifier.Notify(ctx)
}

func planJobs(orderID uuid.UUID, items []Item) ([]*jobqueue.Job, error) {
	var (
		jobs             []*jobqueue.Job
		shipped, generic bool
	)
	add := func(typ string, itemID uuid.UUID) error {
		job, err := jobqueue.New(typ, JobPayload{OrderID: orderID, ItemID: itemID})
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	}

	for _, it := range items {
		var err error
		switch it.Kind {
		case KindWalletTopup:
			err = add(jobqueue.TypeWalletTopup, it.ID)
		case KindRedeemCode:
			err = add(jobqueue.TypeRedeemFulfill, it.ID)
		case KindMarketplace:
			if err = add(jobqueue.TypeEscrowCreditPending, it.ID); err == nil {
				err = add(jobqueue.TypeMarketplaceDeliver, it.ID)
			}
		case KindPhysical:
			if !shipped {
				shipped = true
				err = add(jobqueue.TypeOrderShip, uuid.Nil)
			}
		default:
			if !generic {
				generic = true
				err = add(jobqueue.TypeOrderDeliver, uuid.Nil)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return jobs, nil
}
