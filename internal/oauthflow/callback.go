package oauthflow

import "net/url"

// CallbackParams are the query parameters the marketplace appends to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallback reads the callback parameters from q.
func ParseCallback(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// denied returns the terminal error for a callback that carries no usable code.
func (p CallbackParams) denied() error {
	if p.Error != "" {
		return &AuthorizationDeniedError{Code: p.Error, Description: p.ErrorDescription}
	}
	if p.Code == "" {
		return &AuthorizationDeniedError{Code: "missing_code", Description: p.ErrorDescription}
	}
	return nil
}
