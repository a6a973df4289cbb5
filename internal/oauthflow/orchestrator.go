// Package oauthflow drives the marketplace OAuth 2.0 authorization-code flow with
// PKCE for a scope (user, optionally narrowed to a company or store).
//
// A scope moves through NONE → PENDING → ACTIVE. Start writes a PENDING row that
// holds a fresh code verifier and returns the authorization URL; Complete redeems
// the callback's code with that verifier, validates the issued token against the
// identity endpoint and activates the row only if the verifier is still current.
// CheckConnection re-validates an ACTIVE row and drops it once the marketplace
// stops accepting its token.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/marketplace"
	"github.com/marketlink/connect-console/internal/pkce"
	"github.com/marketlink/connect-console/internal/telemetry"
	"golang.org/x/oauth2"
)

// Store persists one connection row per scope. Get returns nil, nil when the
// scope has no row. Activate and UpdateTokens report false, nil when their
// precondition (current verifier, active row) no longer holds.
type Store interface {
	Get(ctx context.Context, scope models.Scope) (*models.Connection, error)
	SavePending(ctx context.Context, scope models.Scope, verifier string) error
	Activate(ctx context.Context, scope models.Scope, verifier string, tokens models.TokenSet, identity models.Identity) (bool, error)
	UpdateTokens(ctx context.Context, scope models.Scope, tokens models.TokenSet) (bool, error)
	Delete(ctx context.Context, scope models.Scope) error
	ListByUser(ctx context.Context, userID string) ([]*models.Connection, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Exchanger redeems grants at the token endpoint. It is the only component that
// needs the client secret.
type Exchanger interface {
	Exchange(ctx context.Context, code, verifier, redirectURI string) (models.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenSet, error)
}

// IdentityFetcher validates an access token by resolving the account it belongs to.
type IdentityFetcher interface {
	Me(ctx context.Context, accessToken string) (*models.Identity, error)
}

// Settings are the public OAuth client parameters.
type Settings struct {
	ClientID    string
	RedirectURI string
	AuthURL     string
	// RefreshOnUnauthorized makes CheckConnection try the refresh token once
	// before dropping a connection the marketplace rejected.
	RefreshOnUnauthorized bool
}

// Authorization is the result of Start.
type Authorization struct {
	URL       string `json:"url"`
	State     string `json:"state"`
	Challenge string `json:"code_challenge"`
}

// Orchestrator implements start, complete, disconnect, refresh and the
// connection-state check on top of a Store.
type Orchestrator struct {
	settings  Settings
	oauth     *oauth2.Config
	store     Store
	exchanger Exchanger
	identity  IdentityFetcher
	generate  func() (pkce.Pair, error)
	now       func() time.Time
}

// NewOrchestrator returns ErrConfiguration when the client parameters or a
// collaborator are missing.
func NewOrchestrator(settings Settings, store Store, exchanger Exchanger, identity IdentityFetcher) (*Orchestrator, error) {
	var missing []string
	if settings.ClientID == "" {
		missing = append(missing, "client id")
	}
	if settings.RedirectURI == "" {
		missing = append(missing, "redirect uri")
	}
	if settings.AuthURL == "" {
		missing = append(missing, "authorization url")
	}
	if exchanger == nil {
		missing = append(missing, "token exchange")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrConfiguration, missing)
	}
	if store == nil || identity == nil {
		return nil, fmt.Errorf("%w: connection store and identity client are required", ErrConfiguration)
	}

	return &Orchestrator{
		settings: settings,
		oauth: &oauth2.Config{
			ClientID:    settings.ClientID,
			RedirectURL: settings.RedirectURI,
			Endpoint:    oauth2.Endpoint{AuthURL: settings.AuthURL},
		},
		store:     store,
		exchanger: exchanger,
		identity:  identity,
		generate:  pkce.Generate,
		now:       time.Now,
	}, nil
}

// Start begins a flow for scope. Any previous row for the scope, pending or
// active, is replaced by a pending one holding a fresh verifier.
func (o *Orchestrator) Start(ctx context.Context, scope models.Scope) (*Authorization, error) {
	if err := scope.Validate(); err != nil {
		return nil, wrap(ErrInvalidState, err)
	}

	pair, err := o.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pkce pair: %w", err)
	}

	var persistErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if persistErr = o.persistPending(ctx, scope, pair.Verifier); persistErr == nil {
			break
		}
		slog.Warn("pending connection not persisted", "scope", scope.Key(), "attempt", attempt, "error", persistErr)
	}
	if persistErr != nil {
		return nil, wrap(ErrPersistence, persistErr)
	}

	telemetry.OAuthFlowsStartedTotal.Inc()
	slog.Info("marketplace authorization started", "scope", scope.Key())
	slog.Debug("pending verifier stored", "scope", scope.Key(), "verifier", marketplace.Redact(pair.Verifier))

	return &Authorization{
		URL:       o.oauth.AuthCodeURL(scope.Key(), oauth2.S256ChallengeOption(pair.Verifier)),
		State:     scope.Key(),
		Challenge: pair.Challenge,
	}, nil
}

// persistPending writes the pending row and reads it back to confirm the
// verifier landed.
func (o *Orchestrator) persistPending(ctx context.Context, scope models.Scope, verifier string) error {
	if err := o.store.SavePending(ctx, scope, verifier); err != nil {
		return err
	}
	conn, err := o.store.Get(ctx, scope)
	if err != nil {
		return err
	}
	if conn == nil || conn.CodeVerifier != verifier {
		return errors.New("stored verifier does not match")
	}
	return nil
}

// Complete handles the marketplace callback. On success the scope's row is
// ACTIVE with the validated tokens and identity; on any failure the row is left
// as it was.
func (o *Orchestrator) Complete(ctx context.Context, params CallbackParams) (*models.Connection, error) {
	conn, err := o.complete(ctx, params)
	outcome := "connected"
	if err != nil {
		outcome = Kind(err)
		slog.Warn("marketplace authorization failed", "state", params.State, "outcome", outcome, "error", err)
	}
	telemetry.OAuthFlowCompletionsTotal.WithLabelValues(outcome).Inc()
	return conn, err
}

func (o *Orchestrator) complete(ctx context.Context, params CallbackParams) (*models.Connection, error) {
	if err := params.denied(); err != nil {
		return nil, err
	}

	scope, err := models.ParseScope(params.State)
	if err != nil {
		return nil, wrap(ErrInvalidState, err)
	}

	conn, err := o.store.Get(ctx, scope)
	if err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	if conn == nil || conn.CodeVerifier == "" {
		return nil, ErrMissingVerifier
	}
	verifier := conn.CodeVerifier

	tokens, err := o.exchanger.Exchange(ctx, params.Code, verifier, o.settings.RedirectURI)
	if err != nil {
		return nil, wrap(ErrExchangeFailed, err)
	}

	identity, err := o.identity.Me(ctx, tokens.AccessToken)
	if err != nil {
		return nil, wrap(ErrTokenValidation, err)
	}

	ok, err := o.store.Activate(ctx, scope, verifier, tokens, *identity)
	if err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: superseded by a newer authorization", ErrMissingVerifier)
	}

	conn.Activate(tokens, *identity, o.now())
	slog.Info("marketplace connection activated",
		"scope", scope.Key(), "marketplace_user_id", identity.ID, "nickname", identity.Nickname)
	return conn, nil
}

// Disconnect deletes the scope's row. Disconnecting a scope without a row succeeds.
func (o *Orchestrator) Disconnect(ctx context.Context, scope models.Scope) error {
	if err := scope.Validate(); err != nil {
		return wrap(ErrInvalidState, err)
	}
	if err := o.store.Delete(ctx, scope); err != nil {
		return wrap(ErrPersistence, err)
	}
	slog.Info("marketplace connection removed", "scope", scope.Key())
	return nil
}

// Refresh redeems the stored refresh token for a new pair. A refresh token the
// marketplace no longer honours deletes the row and yields ErrAuthExpired.
func (o *Orchestrator) Refresh(ctx context.Context, scope models.Scope) (*models.Connection, error) {
	conn, err := o.store.Get(ctx, scope)
	if err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	if !conn.IsActive() {
		return nil, ErrNotConnected
	}
	if conn.RefreshToken == "" || conn.RefreshToken == models.PendingToken {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrExchangeFailed)
	}

	tokens, err := o.exchanger.Refresh(ctx, conn.RefreshToken)
	switch {
	case errors.Is(err, marketplace.ErrInvalidGrant):
		if delErr := o.store.Delete(ctx, scope); delErr != nil {
			return nil, wrap(ErrPersistence, delErr)
		}
		slog.Info("marketplace refresh token revoked, connection removed", "scope", scope.Key())
		return nil, wrap(ErrAuthExpired, err)
	case errors.Is(err, marketplace.ErrTokenRejected):
		return nil, wrap(ErrExchangeFailed, err)
	case err != nil:
		return nil, wrap(ErrTransient, err)
	}

	ok, err := o.store.UpdateTokens(ctx, scope, tokens)
	if err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	if !ok {
		return nil, ErrNotConnected
	}

	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	conn.TokenExpiresAt = tokens.ExpiresAt
	conn.UpdatedAt = o.now()
	slog.Info("marketplace tokens refreshed", "scope", scope.Key())
	return conn, nil
}

// Connections lists the user's connections with secrets redacted.
func (o *Orchestrator) Connections(ctx context.Context, userID string) ([]*models.Connection, error) {
	conns, err := o.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	redacted := make([]*models.Connection, len(conns))
	for i, conn := range conns {
		redacted[i] = conn.Redacted()
	}
	return redacted, nil
}

// ActiveToken returns the access token of the scope's active connection.
func (o *Orchestrator) ActiveToken(ctx context.Context, scope models.Scope) (string, error) {
	conn, err := o.store.Get(ctx, scope)
	if err != nil {
		return "", wrap(ErrPersistence, err)
	}
	if !conn.IsActive() {
		return "", ErrNotConnected
	}
	return conn.AccessToken, nil
}

// Ping checks the store when it supports health checks.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if p, ok := o.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
