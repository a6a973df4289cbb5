package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
)

// RemoteExchanger redeems codes through a token-exchange endpoint run by another
// process, so the console issuing redirects never holds the client secret.
type RemoteExchanger struct {
	URL        string
	ClientID   string
	AuthToken  string
	HTTPClient *http.Client
	now        func() time.Time
}

// NewRemoteExchanger targets the token-exchange endpoint at proxyURL. authToken,
// when set, is sent as a bearer credential.
func NewRemoteExchanger(proxyURL, clientID, authToken string, httpClient *http.Client) *RemoteExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RemoteExchanger{URL: proxyURL, ClientID: clientID, AuthToken: authToken, HTTPClient: httpClient, now: time.Now}
}

// ExchangeRequest is the token-exchange endpoint's request body.
type ExchangeRequest struct {
	Params string `json:"params"`
}

// ExchangeFailure is the token-exchange endpoint's error body.
type ExchangeFailure struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Exchange redeems an authorization code through the remote proxy.
func (r *RemoteExchanger) Exchange(ctx context.Context, code, verifier, redirectURI string) (models.TokenSet, error) {
	raw, err := r.post(ctx, ExchangeParams(r.ClientID, code, verifier, redirectURI))
	if err != nil {
		return models.TokenSet{}, err
	}
	return decodeTokenSet(raw, r.now())
}

// Refresh redeems a refresh token through the remote proxy.
func (r *RemoteExchanger) Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error) {
	raw, err := r.post(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {r.ClientID},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		return models.TokenSet{}, err
	}
	set, err := decodeTokenSet(raw, r.now())
	if err == nil && set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, err
}

func (r *RemoteExchanger) post(ctx context.Context, params url.Values) (json.RawMessage, error) {
	payload, err := json.Marshal(ExchangeRequest{Params: params.Encode()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create token proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}

	resp, err := observe(r.HTTPClient, req, "token_proxy")
	if err != nil {
		return nil, fmt.Errorf("failed to reach token proxy: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token proxy response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure ExchangeFailure
		if err := json.Unmarshal(body, &failure); err == nil && len(failure.Details) > 0 {
			return nil, newExchangeError(resp.StatusCode, failure.Details)
		}
		return nil, newExchangeError(resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}
