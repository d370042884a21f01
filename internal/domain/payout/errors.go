package payout

import (
	"errors"

	"github.com/gamemarket/gamemarket-api/internal/pkg/ratelimit"
)

var (
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrVersionConflict     = errors.New("payout was modified concurrently")
	ErrBelowMinimum        = errors.New("payout amount is below the minimum")
	ErrInvalidState        = errors.New("payout cannot change from its current status")
	ErrIdempotencyConflict = errors.New("idempotency key was used for a different payout")
	ErrRateLimited         = ratelimit.ErrRateLimited
)
