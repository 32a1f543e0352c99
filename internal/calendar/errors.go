package calendar

import (
	"errors"
	"fmt"
)

// AuthError represents a failure of a single authorization attempt.
// The credential store is never modified when an AuthError is returned.
type AuthError struct {
	Stage   string // "authorize", "exchange", "identity", "timeout"
	Message string
	Err     error
}

func NewAuthError(stage, message string) *AuthError {
	return &AuthError{
		Stage:   stage,
		Message: message,
	}
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization %s failed: %s", e.Stage, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) WithCause(err error) *AuthError {
	e.Err = err
	return e
}

// TokenError represents errors related to token operations. A refresh
// failure is fatal to the current API call only; the caller decides
// whether to prompt for re-authorization.
type TokenError struct {
	Operation string
	Message   string
	Err       error
}

func NewTokenError(operation, message string) *TokenError {
	return &TokenError{
		Operation: operation,
		Message:   message,
	}
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token %s failed: %s", e.Operation, e.Message)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func (e *TokenError) WithCause(err error) *TokenError {
	e.Err = err
	return e
}

// IsTokenError reports whether err is (or wraps) a TokenError, letting
// callers distinguish "re-authorize" from transient sync failures.
func IsTokenError(err error) bool {
	var te *TokenError
	return errors.As(err, &te)
}
