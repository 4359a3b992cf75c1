package domain

import "errors"

// Error taxonomy (sentinels). Adapters map these to HTTP status codes;
// usecases wrap them with op= context via fmt.Errorf("%w").
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstream            = errors.New("upstream error")
	ErrInternal            = errors.New("internal error")
)
