// connection_repository.go implements ConnectionRepository, the Postgres-backed store of
// marketplace OAuth connections keyed by scope, with tokens sealed at rest.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/marketlink/connect-console/internal/crypto"
	"github.com/marketlink/connect-console/internal/db/models"
)

const connectionColumns = `id, scope_key, user_id, company_id, store_id, code_verifier,
	access_token, refresh_token, marketplace_user_id, marketplace_nickname,
	marketplace_email, token_expires_at, created_at, updated_at`

// ConnectionRepository handles database operations for marketplace connections
type ConnectionRepository struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
	now    func() time.Time
}

// NewConnectionRepository creates a new connection repository. cipher may be nil,
// in which case tokens are stored as plaintext.
func NewConnectionRepository(db *sqlx.DB, cipher *crypto.TokenCipher) *ConnectionRepository {
	return &ConnectionRepository{db: db, cipher: cipher, now: time.Now}
}

// Get returns the connection for scope, or nil when none exists.
func (r *ConnectionRepository) Get(ctx context.Context, scope models.Scope) (*models.Connection, error) {
	var conn models.Connection
	query := `SELECT ` + connectionColumns + ` FROM marketplace_connections WHERE scope_key = $1`
	err := r.db.GetContext(ctx, &conn, query, scope.Key())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if conn.AccessToken, err = r.openToken(conn.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if conn.RefreshToken, err = r.openToken(conn.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	return &conn, nil
}

// SavePending upserts the pending row for scope. An existing row, pending or
// active, has its verifier replaced and its tokens reset to the sentinel.
func (r *ConnectionRepository) SavePending(ctx context.Context, scope models.Scope, verifier string) error {
	conn := models.NewPendingConnection(scope, verifier, r.now())
	query := `
		INSERT INTO marketplace_connections (
			id, scope_key, user_id, company_id, store_id, code_verifier,
			access_token, refresh_token, marketplace_user_id, marketplace_nickname,
			marketplace_email, token_expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, '', NULL, NULL, $10, $10
		) ON CONFLICT (scope_key) DO UPDATE SET
			code_verifier = EXCLUDED.code_verifier,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			marketplace_user_id = EXCLUDED.marketplace_user_id,
			marketplace_nickname = '',
			marketplace_email = NULL,
			token_expires_at = NULL,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		conn.ID, conn.ScopeKey, conn.UserID, conn.CompanyID, conn.StoreID, conn.CodeVerifier,
		conn.AccessToken, conn.RefreshToken, conn.MarketplaceUserID, conn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending connection: %w", err)
	}
	return nil
}

// Activate stores the validated tokens and identity, but only while the row still
// holds verifier. It reports false when the verifier was superseded or the row is gone.
func (r *ConnectionRepository) Activate(ctx context.Context, scope models.Scope, verifier string, tokens models.TokenSet, identity models.Identity) (bool, error) {
	access, err := r.sealToken(tokens.AccessToken)
	if err != nil {
		return false, fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := r.sealToken(tokens.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	var email *string
	if identity.Email != "" {
		email = &identity.Email
	}

	query := `
		UPDATE marketplace_connections SET
			code_verifier = '',
			access_token = $3,
			refresh_token = $4,
			token_expires_at = $5,
			marketplace_user_id = $6,
			marketplace_nickname = $7,
			marketplace_email = $8,
			updated_at = $9
		WHERE scope_key = $1 AND code_verifier = $2 AND code_verifier <> ''`

	result, err := r.db.ExecContext(ctx, query,
		scope.Key(), verifier, access, refresh, tokens.ExpiresAt,
		identity.ID, identity.Nickname, email, r.now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to activate connection: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to activate connection: %w", err)
	}
	return rows > 0, nil
}

// UpdateTokens replaces the token pair of an active connection. It reports false
// when the scope has no active row.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, scope models.Scope, tokens models.TokenSet) (bool, error) {
	access, err := r.sealToken(tokens.AccessToken)
	if err != nil {
		return false, fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := r.sealToken(tokens.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	query := `
		UPDATE marketplace_connections SET
			access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = $5
		WHERE scope_key = $1 AND access_token <> $6`

	result, err := r.db.ExecContext(ctx, query,
		scope.Key(), access, refresh, tokens.ExpiresAt, r.now(), models.PendingToken,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update connection tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return rows > 0, nil
}

// Delete removes the connection for scope. Deleting a missing row is not an error.
func (r *ConnectionRepository) Delete(ctx context.Context, scope models.Scope) error {
	query := `DELETE FROM marketplace_connections WHERE scope_key = $1`
	if _, err := r.db.ExecContext(ctx, query, scope.Key()); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// ListByUser returns every connection owned by userID, newest first.
func (r *ConnectionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	var conns []*models.Connection
	query := `SELECT ` + connectionColumns + ` FROM marketplace_connections WHERE user_id = $1 ORDER BY updated_at DESC`
	if err := r.db.SelectContext(ctx, &conns, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	for i, c := range conns {
		conns[i] = c.Redacted()
	}
	return conns, nil
}

// Ping checks database connectivity.
func (r *ConnectionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CountByState returns the number of pending and active connections.
func (r *ConnectionRepository) CountByState(ctx context.Context) (pending, active int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE access_token = $1),
			COUNT(*) FILTER (WHERE access_token <> $1)
		FROM marketplace_connections`
	if err := r.db.QueryRowxContext(ctx, query, models.PendingToken).Scan(&pending, &active); err != nil {
		return 0, 0, fmt.Errorf("failed to count connections: %w", err)
	}
	return pending, active, nil
}

func (r *ConnectionRepository) sealToken(v string) (string, error) {
	if r.cipher == nil || v == "" || v == models.PendingToken {
		return v, nil
	}
	return r.cipher.Seal(v)
}

func (r *ConnectionRepository) openToken(v string) (string, error) {
	if r.cipher == nil || v == "" || v == models.PendingToken {
		return v, nil
	}
	return r.cipher.Open(v)
}
