package oauthflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/marketplace"
	"github.com/marketlink/connect-console/internal/telemetry"
)

// Status is the connection state of a scope as shown to the console.
type Status struct {
	Scope         string                 `json:"scope"`
	State         models.ConnectionState `json:"state"`
	Authenticated bool                   `json:"is_authenticated"`
	Identity      *models.Identity       `json:"identity,omitempty"`
	ConnectedAt   *time.Time             `json:"connected_at,omitempty"`
}

// CheckConnection reports whether scope holds a token the marketplace still
// accepts. A rejected token (401) deletes the row and returns ErrAuthExpired;
// other failures return ErrTransient and leave the row alone. Rows that are
// absent or pending report unauthenticated with no error.
func (o *Orchestrator) CheckConnection(ctx context.Context, scope models.Scope) (*Status, error) {
	status, result, err := o.checkConnection(ctx, scope)
	telemetry.ConnectionChecksTotal.WithLabelValues(result).Inc()
	return status, err
}

func (o *Orchestrator) checkConnection(ctx context.Context, scope models.Scope) (*Status, string, error) {
	status := &Status{Scope: scope.Key(), State: models.StateNone}

	conn, err := o.store.Get(ctx, scope)
	if err != nil {
		return status, "transient", wrap(ErrPersistence, err)
	}
	status.State = conn.State()
	if !conn.IsActive() {
		return status, string(status.State), nil
	}

	identity, err := o.identity.Me(ctx, conn.AccessToken)
	if err == nil {
		return authenticated(status, conn, identity), "authenticated", nil
	}
	if !errors.Is(err, marketplace.ErrUnauthorized) {
		slog.Warn("connection check failed", "scope", scope.Key(), "error", err)
		return status, "transient", wrap(ErrTransient, err)
	}

	if o.settings.RefreshOnUnauthorized {
		refreshed, rerr := o.Refresh(ctx, scope)
		if errors.Is(rerr, ErrAuthExpired) {
			status.State = models.StateNone
			return status, "expired", rerr
		}
		if rerr == nil {
			identity, err = o.identity.Me(ctx, refreshed.AccessToken)
			if err == nil {
				return authenticated(status, refreshed, identity), "authenticated", nil
			}
			if !errors.Is(err, marketplace.ErrUnauthorized) {
				return status, "transient", wrap(ErrTransient, err)
			}
			conn = refreshed
		} else {
			slog.Warn("refresh after rejected token failed", "scope", scope.Key(), "error", rerr)
		}
	}

	if delErr := o.store.Delete(ctx, scope); delErr != nil {
		return status, "transient", wrap(ErrPersistence, delErr)
	}
	slog.Info("marketplace token rejected, connection removed",
		"scope", scope.Key(), "token", marketplace.Redact(conn.AccessToken))
	status.State = models.StateNone
	return status, "expired", wrap(ErrAuthExpired, err)
}

func authenticated(status *Status, conn *models.Connection, identity *models.Identity) *Status {
	status.State = models.StateActive
	status.Authenticated = true
	status.Identity = identity
	updated := conn.UpdatedAt
	if !updated.IsZero() {
		status.ConnectedAt = &updated
	}
	return status
}
