package redeem

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/settle"
)

// ItemSettler reports fulfillment outcomes back to the order.
type ItemSettler interface {
	SettleItem(ctx context.Context, itemID uuid.UUID, out order.ItemOutcome) (settle.Result, error)
}

// Fulfiller runs the redeem.fulfill job.
type Fulfiller struct {
	svc    *Service
	orders ItemSettler
	repo   order.Repository
}

func NewFulfiller(svc *Service, orders ItemSettler, repo order.Repository) *Fulfiller {
	return &Fulfiller{svc: svc, orders: orders, repo: repo}
}

func (f *Fulfiller) Register(w *jobqueue.Worker) {
	w.Handle(jobqueue.TypeRedeemFulfill, f.Handle)
}

// Handle assigns a code to a paid item. An item that already carries a code
// is only settled, never reassigned. Stock depletion fails the item and the
// job permanently so the order is not reported delivered.
func (f *Fulfiller) Handle(ctx context.Context, job jobqueue.Job) error {
	var p order.JobPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	o, err := f.repo.Get(ctx, p.OrderID)
	if err != nil {
		return err
	}
	item, err := f.repo.GetItem(ctx, p.ItemID)
	if err != nil {
		return err
	}
	if item.IsSettled() {
		return nil
	}

	outcome := order.ItemOutcome{Status: order.FulfillmentDelivered}
	if item.RedeemCodeID.Valid {
		outcome.RedeemCodeID = item.RedeemCodeID.UUID
		outcome.MaskedCode = item.MaskedCode.String
	} else {
		a, err := f.svc.AssignCode(ctx, item.DenominationID.UUID, o.ID, item.ID, o.UserID)
		switch {
		case errors.Is(err, ErrStockDepleted):
			if _, serr := f.orders.SettleItem(ctx, item.ID, order.ItemOutcome{
				Status: order.FulfillmentFailed,
				Reason: ErrStockDepleted.Error(),
			}); serr != nil {
				return serr
			}
			return jobqueue.Permanent(err)
		case errors.Is(err, ErrItemAlreadyAssigned):
			// a concurrent run won the claim; settle from the stored item
			return errors.New("redeem item assigned concurrently, retrying")
		case err != nil:
			return err
		}
		outcome.RedeemCodeID = a.CodeID
		outcome.MaskedCode = a.MaskedCode
	}

	_, err = f.orders.SettleItem(ctx, item.ID, outcome)
	return err
}
