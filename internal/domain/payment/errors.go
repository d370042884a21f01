package payment

import (
	"errors"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrAmountMismatch   = errors.New("callback amount does not match payment")
	ErrVersionConflict  = errors.New("payment was modified concurrently")
	ErrOrderNotPayable  = errors.New("order is not awaiting payment")
	ErrWalletNotAllowed = errors.New("wallet top-ups cannot be paid from the wallet")

	// Provider-level errors re-exported for handlers.
	ErrInvalidSignature     = gateway.ErrInvalidSignature
	ErrUnknownProvider      = gateway.ErrUnknownProvider
	ErrProviderUnavailable  = gateway.ErrProviderUnavailable
	ErrConfigurationMissing = gateway.ErrConfigurationMissing
	ErrMalformedPayload     = gateway.ErrMalformedPayload
	ErrMissingField         = gateway.ErrMissingField
)
