package payout

import (
	"context"
	"errors"

	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
)

func (s *Service) RegisterJobs(w *jobqueue.Worker) {
	w.Handle(jobqueue.TypePayoutExecute, s.handleExecute)
}

func (s *Service) handleExecute(ctx context.Context, job jobqueue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	_, err := s.Execute(ctx, p.PayoutID)
	if errors.Is(err, ErrPayoutNotFound) || errors.Is(err, ErrInvalidState) {
		return jobqueue.Permanent(err)
	}
	return err
}
