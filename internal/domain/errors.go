package domain

import "errors"

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrUnsupportedModel       = errors.New("unsupported model")
	ErrProviderError          = errors.New("provider error")
	ErrUserNotFound           = errors.New("user not found")
	ErrEmailTaken             = errors.New("email already registered")
	ErrNegativeAmount         = errors.New("amount must not be negative")
	ErrCircuitBreakerOpen     = errors.New("circuit breaker open")
)

// ProviderError wraps any failure of the upstream call. Message carries the
// upstream text and is safe to show to the caller.
type ProviderError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderError
}
