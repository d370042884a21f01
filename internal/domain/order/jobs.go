package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

// TopupReference is the ledger reference crediting a paid top-up item.
func TopupReference(itemID uuid.UUID) string {
	return "TOPUP-" + itemID.String()
}

// RegisterJobs wires the generic fulfillment job types.
func (s *Service) RegisterJobs(w *jobqueue.Worker) {
	w.Handle(jobqueue.TypeWalletTopup, s.handleTopup)
	w.Handle(jobqueue.TypeOrderDeliver, s.handleDeliver)
	w.Handle(jobqueue.TypeOrderShip, s.handleShip)
}

func (s *Service) handleTopup(ctx context.Context, job jobqueue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	o, err := s.repo.Get(ctx, p.OrderID)
	if err != nil {
		return err
	}
	item, err := s.repo.GetItem(ctx, p.ItemID)
	if err != nil {
		return err
	}
	if item.IsSettled() {
		return nil
	}

	_, err = s.wallet.Credit(ctx, o.UserID, ledger.Entry{
		Reference: TopupReference(item.ID),
		Amount:    item.Amount(),
		Meta:      dbtypes.JSONMap{"order_id": o.ID.String(), "order_item_id": item.ID.String()},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrReferenceConflict) || errors.Is(err, ledger.ErrInvalidAmount) {
			if _, serr := s.SettleItem(ctx, item.ID, ItemOutcome{Status: FulfillmentFailed, Reason: err.Error()}); serr != nil {
				return serr
			}
			return jobqueue.Permanent(err)
		}
		return err
	}

	_, err = s.SettleItem(ctx, item.ID, ItemOutcome{Status: FulfillmentDelivered})
	return err
}

// handleDeliver completes generic digital items that need no allocation.
func (s *Service) handleDeliver(ctx context.Context, job jobqueue.Job) error {
	return s.forPending(ctx, job, KindDigital, FulfillmentDelivered)
}

// handleShip hands physical items to shipping. Delivery is confirmed later
// by an operator.
func (s *Service) handleShip(ctx context.Context, job jobqueue.Job) error {
	return s.forPending(ctx, job, KindPhysical, FulfillmentProcessing)
}

func (s *Service) forPending(ctx context.Context, job jobqueue.Job, kind ItemKind, status FulfillmentStatus) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	items, err := s.repo.Items(ctx, p.OrderID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Kind != kind || it.FulfillmentStatus != FulfillmentPending {
			continue
		}
		if _, err := s.SettleItem(ctx, it.ID, ItemOutcome{Status: status}); err != nil {
			return err
		}
		log.Info().Str("order_id", p.OrderID.String()).Str("item_id", it.ID.String()).Str("status", string(status)).Msg("order item updated")
	}
	return nil
}
