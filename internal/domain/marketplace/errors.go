package marketplace

import "errors"

var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrListingUnavailable = errors.New("listing is not available")
	ErrOwnListing         = errors.New("cannot buy your own listing")
	ErrOrderNotFound      = errors.New("marketplace order not found")
	ErrForbidden          = errors.New("not a party to this order")
	ErrInvalidState       = errors.New("marketplace order is not in a state that allows this operation")
	ErrVersionConflict    = errors.New("marketplace record was modified concurrently")
	ErrNotPaidYet         = errors.New("marketplace order is not paid yet")
)
