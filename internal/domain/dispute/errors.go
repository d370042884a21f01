package dispute

import "errors"

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrAlreadyResolved   = errors.New("dispute is already resolved")
	ErrForbidden         = errors.New("only the buyer can open a dispute")
	ErrNotDisputable     = errors.New("order cannot be disputed")
	ErrInvalidResolution = errors.New("unknown dispute resolution")
	ErrVersionConflict   = errors.New("dispute was modified concurrently")
)
