package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown identity, wrong password and
	// inactive account alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited          = errors.New("too many attempts; try again later")
	ErrSecondFactorRequired = errors.New("second factor required")
	ErrSecondFactorInvalid  = errors.New("invalid verification code")
	ErrSessionInvalid       = errors.New("authentication required")
	ErrAlreadyEnabled       = errors.New("two-factor authentication already enabled")
	ErrNotEnabled           = errors.New("two-factor authentication not enabled")
	// ErrInvalidEnrollmentCode is returned by EnableTwoFactor when the code
	// does not match the submitted secret.
	ErrInvalidEnrollmentCode = errors.New("invalid verification code")
	ErrForbidden             = errors.New("insufficient privileges")
	ErrUnknownRole           = errors.New("unknown role")
	ErrInvalidInput          = errors.New("invalid input")
)

// RateLimitError reports a denied attempt and when the window reopens.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
