package timeline

import "errors"

// Sentinel errors returned by the façade. The HTTP layer maps these to
// status codes; anything else is an internal error with a correlation ID.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)
