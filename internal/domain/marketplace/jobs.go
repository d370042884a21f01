package marketplace

import (
	"context"
	"errors"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

// RegisterJobs wires the escrow credit and account delivery jobs.
func (s *Service) RegisterJobs(w *jobqueue.Worker) {
	w.Handle(jobqueue.TypeEscrowCreditPending, s.handleCreditPending)
	w.Handle(jobqueue.TypeMarketplaceDeliver, s.handleDeliver)
}

func (s *Service) handleCreditPending(ctx context.Context, job jobqueue.Job) error {
	var p order.JobPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	err := s.CreditPending(ctx, p.OrderID)
	if errors.Is(err, ErrOrderNotFound) {
		return jobqueue.Permanent(err)
	}
	return err
}

// handleDeliver waits for the escrow credit: ErrNotPaidYet is retried.
func (s *Service) handleDeliver(ctx context.Context, job jobqueue.Job) error {
	var p order.JobPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	err := s.Deliver(ctx, p.OrderID, p.ItemID)
	if errors.Is(err, ErrOrderNotFound) {
		return jobqueue.Permanent(err)
	}
	return err
}
