package order

import "errors"

var (
	ErrNotFound         = errors.New("order not found")
	ErrItemNotFound     = errors.New("order item not found")
	ErrForbidden        = errors.New("order belongs to another user")
	ErrEmptyOrder       = errors.New("order has no items")
	ErrInvalidItem      = errors.New("invalid order item")
	ErrInvalidState     = errors.New("order is not in a state that allows this operation")
	ErrVersionConflict  = errors.New("order was modified concurrently")
	ErrAlreadyCompleted = errors.New("order item already settled")
)
