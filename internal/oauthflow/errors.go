package oauthflow

import (
	"errors"
	"fmt"
)

// Flow errors. Every error returned by the orchestrator matches exactly one of
// these with errors.Is; the underlying cause stays reachable through errors.As.
var (
	ErrConfiguration       = errors.New("marketplace integration is not configured")
	ErrPersistence         = errors.New("connection state could not be persisted")
	ErrMissingVerifier     = errors.New("no pending authorization for this scope")
	ErrExchangeFailed      = errors.New("authorization code exchange failed")
	ErrTokenValidation     = errors.New("issued token failed validation")
	ErrAuthExpired         = errors.New("marketplace authorization expired")
	ErrTransient           = errors.New("marketplace temporarily unavailable")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrInvalidState        = errors.New("invalid or missing state")
	ErrNotConnected        = errors.New("no active marketplace connection")
)

// AuthorizationDeniedError carries the error pair the marketplace appended to
// the callback.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s: %s", e.Code, e.Description)
	}
	return "authorization denied: " + e.Code
}

// Unwrap returns ErrAuthorizationDenied.
func (e *AuthorizationDeniedError) Unwrap() error { return ErrAuthorizationDenied }

func wrap(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Kind returns a stable snake_case name for err, used in API responses and
// metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrMissingVerifier):
		return "missing_verifier"
	case errors.Is(err, ErrExchangeFailed):
		return "exchange_failed"
	case errors.Is(err, ErrTokenValidation):
		return "token_validation_failed"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrTransient):
		return "transient_error"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "internal_error"
	}
}

// UserMessage returns the message shown to the console user for err.
func UserMessage(err error) string {
	var denied *AuthorizationDeniedError
	switch {
	case errors.As(err, &denied) && denied.Description != "":
		return "The marketplace did not authorize the connection: " + denied.Description
	case errors.Is(err, ErrConfiguration):
		return "The marketplace integration is not configured. Contact your administrator."
	case errors.Is(err, ErrPersistence):
		return "We could not save the connection state. Please try again."
	case errors.Is(err, ErrMissingVerifier):
		return "This authorization is no longer valid. Start the connection again."
	case errors.Is(err, ErrExchangeFailed):
		return "The marketplace rejected the authorization. Start the connection again."
	case errors.Is(err, ErrTokenValidation):
		return "The marketplace issued a token we could not verify. Start the connection again."
	case errors.Is(err, ErrAuthExpired):
		return "Your marketplace authorization expired. Connect again to continue."
	case errors.Is(err, ErrTransient):
		return "The marketplace is temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrAuthorizationDenied):
		return "The marketplace did not authorize the connection."
	case errors.Is(err, ErrInvalidState):
		return "The authorization response could not be matched to a connection."
	case errors.Is(err, ErrNotConnected):
		return "No marketplace account is connected."
	default:
		return "An unexpected error occurred."
	}
}

// Retryable reports whether repeating the same operation may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrTransient)
}
