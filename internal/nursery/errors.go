package nursery

import "errors"

var (
	ErrNotFound          = errors.New("check-in record not found")
	ErrInvalidStatus     = errors.New("check-in is not active")
	ErrMissingFamily     = errors.New("assign the child to a family before checking in")
	ErrInvalidToken      = errors.New("pickup token not found or expired")
	ErrInvalidChild      = errors.New("child not found")
	ErrInvalidService    = errors.New("service not found")
	ErrAlreadyCheckedIn  = errors.New("child is already checked in for this service")
	ErrForbidden         = errors.New("token mismatch or expired")
	ErrTokensUnavailable = errors.New("tokens unavailable, regenerate to print")
)
