package escrow

import "errors"

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrMissingReference     = errors.New("reference is required")
	ErrWalletNotFound       = errors.New("partner wallet not found")
	ErrWalletFrozen         = errors.New("partner wallet is frozen")
	ErrInsufficientPending  = errors.New("insufficient pending balance")
	ErrInsufficientBalance  = errors.New("insufficient available balance")
	ErrReferenceConflict    = errors.New("reference already used for a different operation")
	ErrDuplicateReference   = errors.New("duplicate reference")
	ErrWithdrawNotFound     = errors.New("withdraw request not found")
	ErrWithdrawNotRequested = errors.New("withdraw request already reviewed")
	ErrVersionConflict      = errors.New("partner wallet was modified concurrently")
)
