package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/marketplace"
	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/events"
	"github.com/gamemarket/gamemarket-api/internal/pkg/lock"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

// Orders is the marketplace surface disputes drive.
type Orders interface {
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*marketplace.Order, error)
	MarkDisputed(ctx context.Context, orderID uuid.UUID) (*marketplace.Order, error)
	ResolveRefund(ctx context.Context, orderID uuid.UUID, meta dbtypes.JSONMap) (*marketplace.Order, error)
	ResolveRelease(ctx context.Context, orderID uuid.UUID, meta dbtypes.JSONMap) (*marketplace.Order, error)
	ReturnToDelivered(ctx context.Context, orderID uuid.UUID) (*marketplace.Order, error)
	DisableSellerListings(ctx context.Context, sellerID uuid.UUID) (int, error)
}

type Escrow interface {
	Freeze(ctx context.Context, sellerID uuid.UUID, reference string, meta dbtypes.JSONMap) (settle.Result, error)
	Unfreeze(ctx context.Context, sellerID uuid.UUID, reference string, meta dbtypes.JSONMap) (settle.Result, error)
}

type Wallet interface {
	Credit(ctx context.Context, userID uuid.UUID, e ledger.Entry) (settle.Result, error)
}

type Service struct {
	repo      Repository
	orders    Orders
	escrow    Escrow
	wallet    Wallet
	publisher events.Publisher
	locks     *lock.Keyed
	now       func() time.Time
}

func NewService(repo Repository, orders Orders, esc Escrow, wallet Wallet, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		repo:      repo,
		orders:    orders,
		escrow:    esc,
		wallet:    wallet,
		publisher: publisher,
		locks:     lock.NewKeyed(),
		now:       time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.List(ctx, status, limit, offset)
}

// Open disputes a paid or delivered marketplace order, freezes the seller's
// partner wallet and disables their listings. Opening again returns the
// existing dispute and retries an incomplete freeze.
func (s *Service) Open(ctx context.Context, buyerID uuid.UUID, in OpenInput) (*Dispute, settle.Result, error) {
	unlock := s.locks.Lock("order:" + in.OrderID.String())
	defer unlock()

	mo, err := s.orders.GetByOrder(ctx, in.OrderID)
	if err != nil {
		return nil, settle.Result{}, err
	}
	if mo.BuyerID != buyerID {
		res, err := settle.Reject(ErrForbidden)
		return nil, res, err
	}

	d, err := s.repo.GetByOrder(ctx, in.OrderID)
	switch {
	case err == nil:
		if d.FreezeAppliedAt.Valid {
			return d, settle.Already(), nil
		}
		d, err = s.applyFreeze(ctx, d)
		return d, settle.Already(), err
	case !errors.Is(err, ErrDisputeNotFound):
		return nil, settle.Result{}, err
	}

	if _, err := s.orders.MarkDisputed(ctx, in.OrderID); err != nil {
		if errors.Is(err, marketplace.ErrInvalidState) {
			res, rerr := settle.Reject(fmt.Errorf("%w: %v", ErrNotDisputable, err))
			return nil, res, rerr
		}
		return nil, settle.Result{}, err
	}

	d = &Dispute{
		ID:                 uuid.New(),
		MarketplaceOrderID: mo.ID,
		OrderID:            mo.OrderID,
		BuyerID:            buyerID,
		SellerID:           mo.SellerID,
		Reason:             in.Reason,
		Status:             StatusOpen,
	}
	if err := s.repo.WithTx(ctx, func(tx Tx) error {
		return tx.InsertDispute(ctx, d)
	}); err != nil {
		return nil, settle.Result{}, err
	}

	d, err = s.applyFreeze(ctx, d)
	if err != nil {
		return nil, settle.Result{}, err
	}
	s.publisher.Publish(ctx, events.DisputeOpened, d.ID.String(), map[string]any{
		"order_id":  d.OrderID.String(),
		"seller_id": d.SellerID.String(),
	})
	log.Info().
		Str("dispute_id", d.ID.String()).
		Str("order_id", d.OrderID.String()).
		Str("seller_id", d.SellerID.String()).
		Msg("dispute opened")
	return d, settle.Apply(), nil
}

func (s *Service) applyFreeze(ctx context.Context, d *Dispute) (*Dispute, error) {
	meta := dbtypes.JSONMap{"dispute_id": d.ID.String(), "order_id": d.OrderID.String()}
	if _, err := s.escrow.Freeze(ctx, d.SellerID, freezeReference(d.ID), meta); err != nil {
		return nil, fmt.Errorf("freeze partner wallet: %w", err)
	}
	disabled, err := s.orders.DisableSellerListings(ctx, d.SellerID)
	if err != nil {
		return nil, fmt.Errorf("disable seller listings: %w", err)
	}
	log.Info().Str("seller_id", d.SellerID.String()).Int("listings_disabled", disabled).Msg("seller frozen for dispute")

	var out *Dispute
	err = s.save(ctx, d.ID, func(cur *Dispute) (bool, error) {
		out = cur
		if cur.FreezeAppliedAt.Valid {
			return false, nil
		}
		cur.FreezeAppliedAt = sql.NullTime{Time: s.now(), Valid: true}
		return true, nil
	})
	return out, err
}

// MarkUnderReview records that an admin picked the dispute up.
func (s *Service) MarkUnderReview(ctx context.Context, id, adminID uuid.UUID) (settle.Result, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	res := settle.Already()
	err := s.save(ctx, id, func(d *Dispute) (bool, error) {
		switch d.Status {
		case StatusResolved:
			return false, ErrAlreadyResolved
		case StatusUnderReview:
			return false, nil
		}
		d.Status = StatusUnderReview
		d.ReviewedBy = uuid.NullUUID{UUID: adminID, Valid: true}
		res = settle.Apply()
		return true, nil
	})
	if errors.Is(err, ErrAlreadyResolved) {
		return settle.Reject(err)
	}
	if err != nil {
		return settle.Result{}, err
	}
	return res, nil
}

// Resolve applies the admin's decision and closes the dispute.
//
// The decision is claimed on the locked dispute row before any money moves;
// a different decision on a claimed dispute returns ErrAlreadyResolved.
// refund_buyer_wallet reverses the seller's unreleased pending earnings and
// credits the buyer the full price under REF-MP-<order_id>.
// release_to_seller releases the earnings. no_action returns the order to
// delivered. Each money step is idempotent by reference, so a resolve that
// failed halfway can be retried with the same decision.
func (s *Service) Resolve(ctx context.Context, id, adminID uuid.UUID, in ResolveInput) (*Dispute, settle.Result, error) {
	switch in.Resolution {
	case ResolutionRefundBuyer, ResolutionReleaseSeller, ResolutionNoAction:
	default:
		res, rerr := settle.Reject(fmt.Errorf("%w: %q", ErrInvalidResolution, in.Resolution))
		return nil, res, rerr
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	var d *Dispute
	err := s.save(ctx, id, func(cur *Dispute) (bool, error) {
		d = cur
		if cur.Status == StatusResolved {
			return false, ErrAlreadyResolved
		}
		if cur.Resolution.Valid {
			if cur.Resolution.String != string(in.Resolution) {
				return false, fmt.Errorf("%w: decided as %s", ErrAlreadyResolved, cur.Resolution.String)
			}
			return false, nil
		}
		cur.Resolution = sql.NullString{String: string(in.Resolution), Valid: true}
		cur.AdminNote = sql.NullString{String: in.Note, Valid: in.Note != ""}
		cur.ResolvedBy = uuid.NullUUID{UUID: adminID, Valid: true}
		return true, nil
	})
	if errors.Is(err, ErrAlreadyResolved) {
		res, rerr := settle.Reject(err)
		return d, res, rerr
	}
	if err != nil {
		return nil, settle.Result{}, err
	}

	meta := dbtypes.JSONMap{
		"dispute_id":  d.ID.String(),
		"resolved_by": adminID.String(),
	}
	switch in.Resolution {
	case ResolutionRefundBuyer:
		mo, err := s.orders.ResolveRefund(ctx, d.OrderID, meta)
		if err != nil {
			return nil, settle.Result{}, err
		}
		if _, err := s.wallet.Credit(ctx, d.BuyerID, ledger.Entry{
			Reference: RefundReference(d.OrderID),
			Amount:    mo.Price,
			Meta:      dbtypes.JSONMap{"dispute_id": d.ID.String(), "order_id": d.OrderID.String()},
		}); err != nil {
			return nil, settle.Result{}, fmt.Errorf("refund buyer: %w", err)
		}
	case ResolutionReleaseSeller:
		if _, err := s.orders.ResolveRelease(ctx, d.OrderID, meta); err != nil {
			return nil, settle.Result{}, err
		}
	case ResolutionNoAction:
		if _, err := s.orders.ReturnToDelivered(ctx, d.OrderID); err != nil {
			return nil, settle.Result{}, err
		}
	}

	if in.Unfreeze {
		if err := s.unfreeze(ctx, d, meta); err != nil {
			return nil, settle.Result{}, err
		}
	}

	var out *Dispute
	err = s.save(ctx, id, func(cur *Dispute) (bool, error) {
		out = cur
		if cur.Status == StatusResolved {
			return false, ErrAlreadyResolved
		}
		cur.Status = StatusResolved
		cur.ResolvedAt = sql.NullTime{Time: s.now(), Valid: true}
		return true, nil
	})
	if errors.Is(err, ErrAlreadyResolved) {
		res, rerr := settle.Reject(err)
		return out, res, rerr
	}
	if err != nil {
		return nil, settle.Result{}, err
	}

	s.publisher.Publish(ctx, events.DisputeResolved, d.ID.String(), map[string]any{
		"order_id":   d.OrderID.String(),
		"resolution": string(in.Resolution),
		"unfreeze":   in.Unfreeze,
	})
	log.Info().
		Str("dispute_id", d.ID.String()).
		Str("order_id", d.OrderID.String()).
		Str("resolution", string(in.Resolution)).
		Bool("unfreeze", in.Unfreeze).
		Str("admin_id", adminID.String()).
		Msg("dispute resolved")
	return out, settle.Apply(), nil
}

// unfreeze lifts the seller freeze unless another dispute still holds it.
func (s *Service) unfreeze(ctx context.Context, d *Dispute, meta dbtypes.JSONMap) error {
	active, err := s.repo.CountActiveBySeller(ctx, d.SellerID, d.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		log.Warn().Str("seller_id", d.SellerID.String()).Int("active_disputes", active).Msg("seller stays frozen")
		return nil
	}
	if _, err := s.escrow.Unfreeze(ctx, d.SellerID, unfreezeReference(d.ID), meta); err != nil {
		return fmt.Errorf("unfreeze partner wallet: %w", err)
	}
	return nil
}

// save runs fn on the locked row; fn returns false to leave it unchanged.
func (s *Service) save(ctx context.Context, id uuid.UUID, fn func(d *Dispute) (bool, error)) error {
	return s.repo.WithTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispute(ctx, id)
		if err != nil {
			return err
		}
		changed, err := fn(d)
		if err != nil || !changed {
			return err
		}
		return tx.SaveDispute(ctx, d)
	})
}
