package marketplace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/commission"
	"github.com/gamemarket/gamemarket-api/internal/domain/escrow"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

const sweepBatch = 100

// Escrow is the partner wallet surface used by marketplace settlement.
type Escrow interface {
	CreditPending(ctx context.Context, sellerID uuid.UUID, reference string, amount decimal.Decimal, meta dbtypes.JSONMap) (settle.Result, error)
	Release(ctx context.Context, sellerID uuid.UUID, reference string, amount decimal.Decimal, meta dbtypes.JSONMap) (settle.Result, error)
	ReversePending(ctx context.Context, sellerID uuid.UUID, reference string, amount decimal.Decimal, meta dbtypes.JSONMap) (settle.Result, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}

// Quoter prices commission for a sale.
type Quoter interface {
	Quote(ctx context.Context, categoryID uuid.UUID, price decimal.Decimal) (commission.Quote, error)
}

type Config struct {
	Currency       string
	DeliveryWindow time.Duration
}

type Service struct {
	repo      Repository
	escrow    Escrow
	quoter    Quoter
	items     ItemSettler
	publisher events.Publisher
	cfg       Config
	locks     *lock.Keyed
	now       func() time.Time
}

// ItemSettler reports the delivered marketplace item back to the order.
type ItemSettler interface {
	SettleItem(ctx context.Context, itemID uuid.UUID, out order.ItemOutcome) (settle.Result, error)
}

func NewService(repo Repository, esc Escrow, quoter Quoter, items ItemSettler, publisher events.Publisher, cfg Config) *Service {
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = 72 * time.Hour
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		repo:      repo,
		escrow:    esc,
		quoter:    quoter,
		items:     items,
		publisher: publisher,
		cfg:       cfg,
		locks:     lock.NewKeyed(),
		now:       time.Now,
	}
}

type ListingInput struct {
	CategoryID uuid.UUID
	Title      string
	Price      decimal.Decimal
}

func (s *Service) CreateListing(ctx context.Context, sellerID uuid.UUID, in ListingInput) (*Listing, error) {
	l := &Listing{
		ID:         uuid.New(),
		SellerID:   sellerID,
		CategoryID: in.CategoryID,
		Title:      strings.TrimSpace(in.Title),
		Price:      in.Price,
		Status:     ListingActive,
	}
	if err := s.repo.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Service) ListListings(ctx context.Context, limit, offset int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListActiveListings(ctx, limit, offset)
}

func (s *Service) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

// Checkout reserves the listing and creates the order, its marketplace item
// and the marketplace order in one transaction. Commission is resolved here
// and stored; later rule changes do not affect this order.
func (s *Service) Checkout(ctx context.Context, buyerID, listingID uuid.UUID) (*CheckoutResult, error) {
	listing, err := s.repo.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == buyerID {
		return nil, ErrOwnListing
	}
	quote, err := s.quoter.Quote(ctx, listing.CategoryID, listing.Price)
	if err != nil {
		return nil, fmt.Errorf("commission quote: %w", err)
	}

	unlock := s.locks.Lock("listing:" + listingID.String())
	defer unlock()

	var out *CheckoutResult
	err = s.repo.WithTx(ctx, func(tx Tx) error {
		l, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.Status != ListingActive {
			return ErrListingUnavailable
		}
		if !l.Price.Equal(quote.Price) {
			// price changed between quote and lock
			return ErrListingUnavailable
		}

		items := []order.Item{{
			Kind:      order.KindMarketplace,
			Title:     l.Title,
			UnitPrice: l.Price,
			Quantity:  1,
			ListingID: uuid.NullUUID{UUID: l.ID, Valid: true},
		}}
		o, err := order.NewOrder(buyerID, s.cfg.Currency, items)
		if err != nil {
			return err
		}
		if err := order.InsertTx(ctx, tx, o, items); err != nil {
			return err
		}

		mo := &Order{
			ID:               uuid.New(),
			OrderID:          o.ID,
			ListingID:        l.ID,
			BuyerID:          buyerID,
			SellerID:         l.SellerID,
			Price:            l.Price,
			CommissionAmount: quote.Commission,
			SellerEarnings:   quote.SellerEarnings,
			CommissionSource: quote.Source,
			Status:           StatusPendingPayment,
		}
		if err := tx.InsertMarketplaceOrder(ctx, mo); err != nil {
			return err
		}

		l.Status = ListingReserved
		if err := tx.SaveListing(ctx, l); err != nil {
			return err
		}

		out = &CheckoutResult{OrderID: o.ID, MarketplaceOrderID: mo.ID, Price: l.Price, Currency: o.Currency}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("order_id", out.OrderID.String()).
		Str("listing_id", listingID.String()).
		Str("buyer_id", buyerID.String()).
		Str("commission", quote.Commission.StringFixed(2)).
		Str("commission_source", quote.Source).
		Msg("marketplace checkout")
	return out, nil
}

// CreditPending books the seller earnings as pending and marks the
// marketplace order paid. Both steps are idempotent.
func (s *Service) CreditPending(ctx context.Context, orderID uuid.UUID) error {
	mo, err := s.repo.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if mo.SellerEarnings.IsPositive() {
		_, err = s.escrow.CreditPending(ctx, mo.SellerID, escrow.CreditPendingReference(orderID), mo.SellerEarnings, dbtypes.JSONMap{
			"order_id":          orderID.String(),
			"commission_amount": mo.CommissionAmount.StringFixed(2),
		})
		if err != nil {
			return err
		}
	}

	return s.transition(ctx, orderID, func(tx Tx, mo *Order) error {
		if mo.Status != StatusPendingPayment {
			return nil
		}
		mo.Status = StatusPaid
		if err := tx.SaveMarketplaceOrder(ctx, mo); err != nil {
			return err
		}
		l, err := tx.LockListing(ctx, mo.ListingID)
		if err != nil {
			return err
		}
		if l.Status == ListingSold {
			return nil
		}
		l.Status = ListingSold
		return tx.SaveListing(ctx, l)
	})
}

// Deliver marks a paid marketplace order delivered and opens the dispute
// window. The order item is settled as delivered.
func (s *Service) Deliver(ctx context.Context, orderID, itemID uuid.UUID) error {
	err := s.transition(ctx, orderID, func(tx Tx, mo *Order) error {
		switch mo.Status {
		case StatusPendingPayment:
			return ErrNotPaidYet
		case StatusPaid:
			now := s.now()
			mo.Status = StatusDelivered
			mo.DeliveredAt = sql.NullTime{Time: now, Valid: true}
			mo.DeliveryDeadlineAt = sql.NullTime{Time: now.Add(s.cfg.DeliveryWindow), Valid: true}
			return tx.SaveMarketplaceOrder(ctx, mo)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.items.SettleItem(ctx, itemID, order.ItemOutcome{Status: order.FulfillmentDelivered})
	return err
}

// ConfirmDelivery releases escrow on the buyer's confirmation. Admins may
// confirm on the buyer's behalf.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, actorID uuid.UUID, isAdmin bool) (settle.Result, error) {
	mo, err := s.repo.GetByOrder(ctx, orderID)
	if err != nil {
		return settle.Reject(err)
	}
	if !isAdmin && mo.BuyerID != actorID {
		return settle.Reject(ErrForbidden)
	}
	return s.Release(ctx, orderID, dbtypes.JSONMap{"confirmed_by": actorID.String()})
}

// Release moves the seller earnings to available under
// marketplace_release_<order_id>. Disputed orders are released only by
// dispute resolution.
func (s *Service) Release(ctx context.Context, orderID uuid.UUID, meta dbtypes.JSONMap) (settle.Result, error) {
	mo, res, err := s.claimRelease(ctx, orderID, func(mo *Order) (bool, error) {
		if mo.ReleasedAt.Valid {
			return false, nil
		}
		if !mo.CanRelease() {
			return false, fmt.Errorf("%w: status %s", ErrInvalidState, mo.Status)
		}
		if mo.Status == StatusPaid {
			mo.Status = StatusDelivered
			mo.DeliveredAt = sql.NullTime{Time: s.now(), Valid: true}
		}
		return true, nil
	})
	if err != nil {
		return settle.Reject(err)
	}
	if _, err := s.releaseEscrow(ctx, mo, meta); err != nil {
		return settle.Result{}, err
	}
	return res, nil
}

// claimRelease stamps released_at on the locked row before any money moves,
// so MarkDisputed can no longer take the order. fn returns false when the
// release was claimed earlier; the caller then replays the escrow step,
// which is idempotent by reference.
func (s *Service) claimRelease(ctx context.Context, orderID uuid.UUID, fn func(mo *Order) (bool, error)) (*Order, settle.Result, error) {
	var (
		out *Order
		res = settle.Already()
	)
	err := s.transition(ctx, orderID, func(tx Tx, mo *Order) error {
		out = mo
		claim, err := fn(mo)
		if err != nil || !claim {
			return err
		}
		mo.ReleasedAt = sql.NullTime{Time: s.now(), Valid: true}
		if err := tx.SaveMarketplaceOrder(ctx, mo); err != nil {
			return err
		}
		res = settle.Apply()
		return nil
	})
	if err != nil {
		return nil, settle.Result{}, err
	}
	return out, res, nil
}

func (s *Service) releaseEscrow(ctx context.Context, mo *Order, meta dbtypes.JSONMap) (settle.Result, error) {
	if !mo.SellerEarnings.IsPositive() {
		return settle.Apply(), nil
	}
	if meta == nil {
		meta = dbtypes.JSONMap{}
	}
	meta["order_id"] = mo.OrderID.String()
	res, err := s.escrow.Release(ctx, mo.SellerID, escrow.ReleaseReference(mo.OrderID), mo.SellerEarnings, meta)
	if err != nil {
		return res, err
	}
	if res.IsApplied() {
		s.publisher.Publish(ctx, events.EscrowReleased, mo.OrderID.String(), map[string]any{
			"seller_id": mo.SellerID.String(),
			"amount":    mo.SellerEarnings.StringFixed(2),
		})
	}
	return res, nil
}

// ReleaseDue releases every delivered order whose dispute window has passed.
func (s *Service) ReleaseDue(ctx context.Context) (int, error) {
	due, err := s.repo.DueForRelease(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, mo := range due {
		res, err := s.Release(ctx, mo.OrderID, dbtypes.JSONMap{"trigger": "auto_release"})
		if err != nil {
			log.Error().Err(err).Str("order_id", mo.OrderID.String()).Msg("auto-release failed")
			continue
		}
		if res.IsApplied() {
			released++
		}
	}
	if released > 0 {
		log.Info().Int("released", released).Msg("escrow auto-release sweep")
	}
	return released, nil
}

// MarkDisputed moves a paid or delivered order whose earnings are still
// pending into disputed.
func (s *Service) MarkDisputed(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var out *Order
	err := s.transition(ctx, orderID, func(tx Tx, mo *Order) error {
		if mo.ReleasedAt.Valid || !mo.CanRelease() {
			return fmt.Errorf("%w: status %s", ErrInvalidState, mo.Status)
		}
		mo.Status = StatusDisputed
		if err := tx.SaveMarketplaceOrder(ctx, mo); err != nil {
			return err
		}
		out = mo
		return nil
	})
	return out, err
}

// ResolveRefund marks a disputed order resolved_refund, then reverses the
// seller's pending credit unless it was already released. The buyer refund
// is booked by the caller.
func (s *Service) ResolveRefund(ctx context.Context, orderID uuid.UUID, meta dbtypes.JSONMap) (*Order, error) {
	var out *Order
	err := s.transition(ctx, orderID, func(tx Tx, mo *Order) error {
		out = mo
		switch mo.Status {
		case StatusResolvedRefund:
			return nil
		case StatusDisputed:
			mo.Status = StatusResolvedRefund
			return tx.SaveMarketplaceOrder(ctx, mo)
		}
		return fmt.Errorf("%w: status %s", ErrInvalidState, mo.Status)
	})
	if err != nil {
		return nil, err
	}
	if out.ReleasedAt.Valid || !out.SellerEarnings.IsPositive() {
		return out, nil
	}

	released, err := s.escrow.HasReference(ctx, escrow.ReleaseReference(orderID))
	if err != nil || released {
		return out, err
	}
	if meta == nil {
		meta = dbtypes.JSONMap{}
	}
	meta["order_id"] = orderID.String()
	if _, err := s.escrow.ReversePending(ctx, out.SellerID, escrow.RefundReverseReference(orderID), out.SellerEarnings, meta); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveRelease marks a disputed order resolved_release and pays the seller
// through the normal release path.
func (s *Service) ResolveRelease(ctx context.Context, orderID uuid.UUID, meta dbtypes.JSONMap) (*Order, error) {
	mo, _, err := s.claimRelease(ctx, orderID, func(mo *Order) (bool, error) {
		switch mo.Status {
		case StatusResolvedRelease:
			return false, nil
		case StatusDisputed:
			mo.Status = StatusResolvedRelease
			return true, nil
		}
		return false, fmt.Errorf("%w: status %s", ErrInvalidState, mo.Status)
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.releaseEscrow(ctx, mo, meta); err != nil {
		return nil, err
	}
	return mo, nil
}

// ReturnToDelivered closes a dispute without money movement. The order
// rejoins the auto-release sweep.
func (s *Service) ReturnToDelivered(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	var out *Order
	err := s.transition(ctx, orderID, func(tx Tx, mo *Order) error {
		out = mo
		if mo.Status == StatusDelivered {
			return nil
		}
		if mo.Status != StatusDisputed {
			return fmt.Errorf("%w: status %s", ErrInvalidState, mo.Status)
		}
		mo.Status = StatusDelivered
		if !mo.DeliveredAt.Valid {
			mo.DeliveredAt = sql.NullTime{Time: s.now(), Valid: true}
		}
		if !mo.DeliveryDeadlineAt.Valid {
			mo.DeliveryDeadlineAt = sql.NullTime{Time: s.now().Add(s.cfg.DeliveryWindow), Valid: true}
		}
		return tx.SaveMarketplaceOrder(ctx, mo)
	})
	return out, err
}

// DisableSellerListings takes all active listings of the seller off sale.
func (s *Service) DisableSellerListings(ctx context.Context, sellerID uuid.UUID) (int, error) {
	var n int
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.DisableListings(ctx, sellerID)
		return err
	})
	if err == nil && n > 0 {
		log.Info().Str("seller_id", sellerID.String()).Int("listings", n).Msg("seller listings disabled")
	}
	return n, err
}

func (s *Service) transition(ctx context.Context, orderID uuid.UUID, fn func(tx Tx, mo *Order) error) error {
	unlock := s.locks.Lock(orderKey(orderID))
	defer unlock()
	return s.update(ctx, orderID, fn)
}

func (s *Service) update(ctx context.Context, orderID uuid.UUID, fn func(tx Tx, mo *Order) error) error {
	return s.repo.WithTx(ctx, func(tx Tx) error {
		mo, err := tx.LockMarketplaceOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(tx, mo)
	})
}

func orderKey(id uuid.UUID) string {
	return "marketplace_order:" + id.String()
}
