package router

import "errors"

// Router-specific error types
var (
	ErrForbidden         = errors.New("caller may not perform this action")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Error frame codes sent to clients.
const (
	CodeValidation  = "validation_error"
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeConflict    = "conflict"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal_error"
)
