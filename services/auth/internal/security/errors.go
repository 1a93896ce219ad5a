package security

import (
	"errors"
	"fmt"

	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
)

var (
	ErrMFANotEnrolled    = errors.New("mfa not enrolled")
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	ErrMFALocked         = errors.New("mfa temporarily locked")
	ErrInvalidMFACode    = errors.New("invalid mfa code")
	ErrRateLimited       = errors.New("rate limited")
)

// RateLimitError carries the decision that denied a request.
type RateLimitError struct {
	Decision rate.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.Decision.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
