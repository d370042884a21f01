package ledger

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMissingReference    = errors.New("reference is required")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrWalletLocked        = errors.New("wallet is locked")
	ErrRechargeBlocked     = errors.New("wallet recharge is blocked")
	ErrNotFound            = errors.New("wallet transaction not found")
	ErrDuplicateReference  = errors.New("duplicate reference")
	ErrReferenceConflict   = errors.New("reference already used for a different operation")
	ErrInvalidState        = errors.New("transaction is not in a state that allows this operation")
	ErrVersionConflict     = errors.New("wallet was modified concurrently")
	ErrAccountUnavailable  = errors.New("wallet account could not be created")
)
