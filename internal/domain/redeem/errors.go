package redeem

import "errors"

var (
	ErrStockDepleted        = errors.New("no redeem codes available for denomination")
	ErrDenominationNotFound = errors.New("denomination not found")
	ErrDenominationInactive = errors.New("denomination is not on sale")
	ErrCodeNotFound         = errors.New("redeem code not found")
	ErrInvalidState         = errors.New("redeem code is not in a state that allows this operation")
	ErrVersionConflict      = errors.New("redeem code was modified concurrently")
	ErrItemAlreadyAssigned  = errors.New("order item already has a code")
	ErrNotRedeemItem        = errors.New("order item is not a redeem code item")
	ErrEmptyImport          = errors.New("no codes to import")
	ErrInvalidQuantity      = errors.New("quantity must be between 1 and 10")
)
