package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/telemetry"
	"golang.org/x/oauth2"
)

// Default OAuth endpoints of the Brazilian marketplace site.
const (
	DefaultAuthURL  = "https://auth.mercadolibre.com.br/authorization"
	DefaultTokenURL = "https://api.mercadolibre.com/oauth/token"
)

// ProxyConfig configures a TokenProxy.
type ProxyConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	HTTPClient   *http.Client
}

// TokenProxy completes token grants with the client secret, which never leaves it.
type TokenProxy struct {
	clientID     string
	clientSecret string
	tokenURL     string
	oauth        *oauth2.Config
	httpClient   *http.Client
	now          func() time.Time
}

// NewTokenProxy validates cfg and applies endpoint defaults.
func NewTokenProxy(cfg ProxyConfig) (*TokenProxy, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenProxy{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}, nil
}

// forwardableGrants are the grants a session may redeem with the client secret.
var forwardableGrants = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

// Forward posts params to the token endpoint with the configured client_id and
// client_secret, whatever the caller supplied, and relays the JSON answer
// verbatim. grant_type defaults to authorization_code; any grant other than
// authorization_code or refresh_token is refused without calling the endpoint.
func (p *TokenProxy) Forward(ctx context.Context, params url.Values) (json.RawMessage, error) {
	form := url.Values{}
	for k, v := range params {
		form[k] = append([]string(nil), v...)
	}
	if form.Get("grant_type") == "" {
		form.Set("grant_type", "authorization_code")
	}
	grant := form.Get("grant_type")
	if !forwardableGrants[grant] {
		telemetry.TokenExchangesTotal.WithLabelValues("unsupported", "refused").Inc()
		slog.Warn("refused token request with unsupported grant type", "grant_type", grant)
		return nil, unsupportedGrantError(grant)
	}
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	slog.Debug("forwarding token request",
		"grant_type", grant,
		"code", Redact(form.Get("code")),
		"refresh_token", Redact(form.Get("refresh_token")))

	resp, err := observe(p.httpClient, req, "token")
	if err != nil {
		telemetry.TokenExchangesTotal.WithLabelValues(grant, "error").Inc()
		return nil, fmt.Errorf("failed to perform token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		telemetry.TokenExchangesTotal.WithLabelValues(grant, "error").Inc()
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.TokenExchangesTotal.WithLabelValues(grant, "rejected").Inc()
		exErr := newExchangeError(resp.StatusCode, body)
		slog.Warn("token endpoint rejected request", "grant_type", grant, "status", resp.StatusCode, "error_code", exErr.Code)
		return nil, exErr
	}
	if !json.Valid(body) {
		telemetry.TokenExchangesTotal.WithLabelValues(grant, "error").Inc()
		return nil, fmt.Errorf("token endpoint returned a non-JSON body")
	}
	telemetry.TokenExchangesTotal.WithLabelValues(grant, "ok").Inc()
	return json.RawMessage(body), nil
}

// Exchange redeems an authorization code with its PKCE verifier.
func (p *TokenProxy) Exchange(ctx context.Context, code, verifier, redirectURI string) (models.TokenSet, error) {
	params := ExchangeParams(p.clientID, code, verifier, redirectURI)
	raw, err := p.Forward(ctx, params)
	if err != nil {
		return models.TokenSet{}, err
	}
	return decodeTokenSet(raw, p.now())
}

// Refresh redeems a refresh token through the oauth2 token source. An
// invalid_grant answer matches ErrInvalidGrant.
func (p *TokenProxy) Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	start := time.Now()
	tok, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			telemetry.TokenExchangesTotal.WithLabelValues("refresh_token", "rejected").Inc()
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			telemetry.MarketplaceRequestDuration.WithLabelValues("token", fmt.Sprint(status)).Observe(time.Since(start).Seconds())
			exErr := newExchangeError(status, re.Body)
			if exErr.Code == "" {
				exErr.Code = re.ErrorCode
			}
			return models.TokenSet{}, exErr
		}
		telemetry.TokenExchangesTotal.WithLabelValues("refresh_token", "error").Inc()
		return models.TokenSet{}, fmt.Errorf("failed to refresh token: %w", err)
	}
	telemetry.MarketplaceRequestDuration.WithLabelValues("token", "200").Observe(time.Since(start).Seconds())
	telemetry.TokenExchangesTotal.WithLabelValues("refresh_token", "ok").Inc()

	set := models.TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		set.ExpiresAt = &exp
	}
	return set, nil
}

// ExchangeParams builds the form for an authorization_code grant, without the secret.
func ExchangeParams(clientID, code, verifier, redirectURI string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
}

func decodeTokenSet(raw json.RawMessage, now time.Time) (models.TokenSet, error) {
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return models.TokenSet{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return models.TokenSet{}, fmt.Errorf("token response carried no access_token")
	}
	return tok.TokenSet(now), nil
}
