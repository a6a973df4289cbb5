// Package marketplace talks to the marketplace's OAuth token endpoint and REST API.
//
// TokenProxy is the only holder of the client secret: it completes form-encoded
// grant requests on behalf of the console and relays the marketplace's JSON back.
// Client calls the REST API with a connection's bearer token, both to validate a
// freshly issued token against /users/me and to run ad-hoc requests from the
// API tester.
package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTokenRejected is matched by every non-2xx answer from the token endpoint.
	ErrTokenRejected = errors.New("token endpoint rejected the request")
	// ErrInvalidGrant means the code or refresh token is no longer redeemable.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrUnauthorized is matched by a 401 from the REST API.
	ErrUnauthorized = errors.New("marketplace rejected the access token")
	// ErrInvalidRequest is returned for API tester requests that fail validation.
	ErrInvalidRequest = errors.New("invalid marketplace request")
	// ErrMissingCredentials is returned when the proxy has no client id or secret.
	ErrMissingCredentials = errors.New("marketplace client credentials are not configured")
)

// ExchangeError is a non-2xx answer from the token endpoint. Body is the raw
// response, relayed to callers unchanged.
type ExchangeError struct {
	StatusCode  int
	Code        string
	Description string
	Body        json.RawMessage
}

func newExchangeError(status int, body []byte) *ExchangeError {
	e := &ExchangeError{StatusCode: status}
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Message     string `json:"message"`
	}
	if json.Valid(body) {
		e.Body = json.RawMessage(body)
		if err := json.Unmarshal(body, &payload); err == nil {
			e.Code = payload.Error
			e.Description = payload.Description
			if e.Description == "" {
				e.Description = payload.Message
			}
		}
	} else {
		quoted, _ := json.Marshal(string(body))
		e.Body = quoted
	}
	return e
}

// unsupportedGrantError is answered locally, in the token endpoint's error shape.
func unsupportedGrantError(grant string) *ExchangeError {
	body, _ := json.Marshal(map[string]string{
		"error":             "unsupported_grant_type",
		"error_description": fmt.Sprintf("grant type %q is not accepted by this proxy", grant),
	})
	return newExchangeError(http.StatusBadRequest, body)
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
}

// Is lets callers match ErrTokenRejected and, for invalid_grant answers, ErrInvalidGrant.
func (e *ExchangeError) Is(target error) bool {
	switch target {
	case ErrTokenRejected:
		return true
	case ErrInvalidGrant:
		return e.Code == "invalid_grant"
	}
	return false
}

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace %s returned %d", e.Endpoint, e.StatusCode)
}

// Is matches ErrUnauthorized for 401 answers.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == 401
}

// Redact shortens a token or verifier to an 8 character prefix for debug logs.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:8] + "..."
}
