package connstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/marketlink/connect-console/internal/crypto"
	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key the Redis store writes.
const DefaultKeyPrefix = "connect-console:"

// maxTxAttempts bounds optimistic-lock retries when a watched key changes
// between read and commit.
const maxTxAttempts = 5

var errVerifierMismatch = errors.New("verifier mismatch")

// RedisStore keeps each connection as a JSON document under conn:<scope key>
// and indexes scope keys per user in a set under user:<user id>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	cipher *crypto.TokenCipher
	now    func() time.Time
}

// NewRedisStore wraps client. An empty prefix falls back to DefaultKeyPrefix;
// a nil cipher stores tokens as plaintext.
func NewRedisStore(client redis.UniversalClient, prefix string, cipher *crypto.TokenCipher) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, cipher: cipher, now: time.Now}
}

func (s *RedisStore) connKey(scope models.Scope) string { return s.prefix + "conn:" + scope.Key() }

func (s *RedisStore) userKey(userID string) string { return s.prefix + "user:" + userID }

// record is the stored form of a connection. Unlike models.Connection it
// serializes the secret fields.
type record struct {
	ID                  uuid.UUID  `json:"id"`
	ScopeKey            string     `json:"scope_key"`
	UserID              string     `json:"user_id"`
	CompanyID           *string    `json:"company_id,omitempty"`
	StoreID             *string    `json:"store_id,omitempty"`
	CodeVerifier        string     `json:"code_verifier"`
	AccessToken         string     `json:"access_token"`
	RefreshToken        string     `json:"refresh_token"`
	MarketplaceUserID   string     `json:"marketplace_user_id"`
	MarketplaceNickname string     `json:"marketplace_nickname"`
	MarketplaceEmail    *string    `json:"marketplace_email,omitempty"`
	TokenExpiresAt      *time.Time `json:"token_expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *RedisStore) encode(conn *models.Connection) ([]byte, error) {
	access, err := s.seal(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := s.seal(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return json.Marshal(record{
		ID:                  conn.ID,
		ScopeKey:            conn.ScopeKey,
		UserID:              conn.UserID,
		CompanyID:           conn.CompanyID,
		StoreID:             conn.StoreID,
		CodeVerifier:        conn.CodeVerifier,
		AccessToken:         access,
		RefreshToken:        refresh,
		MarketplaceUserID:   conn.MarketplaceUserID,
		MarketplaceNickname: conn.MarketplaceNickname,
		MarketplaceEmail:    conn.MarketplaceEmail,
		TokenExpiresAt:      conn.TokenExpiresAt,
		CreatedAt:           conn.CreatedAt,
		UpdatedAt:           conn.UpdatedAt,
	})
}

func (s *RedisStore) decode(data []byte) (*models.Connection, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode connection: %w", err)
	}
	access, err := s.open(rec.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	refresh, err := s.open(rec.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	return &models.Connection{
		ID:                  rec.ID,
		ScopeKey:            rec.ScopeKey,
		UserID:              rec.UserID,
		CompanyID:           rec.CompanyID,
		StoreID:             rec.StoreID,
		CodeVerifier:        rec.CodeVerifier,
		AccessToken:         access,
		RefreshToken:        refresh,
		MarketplaceUserID:   rec.MarketplaceUserID,
		MarketplaceNickname: rec.MarketplaceNickname,
		MarketplaceEmail:    rec.MarketplaceEmail,
		TokenExpiresAt:      rec.TokenExpiresAt,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}, nil
}

func (s *RedisStore) seal(v string) (string, error) {
	if s.cipher == nil || v == "" || v == models.PendingToken {
		return v, nil
	}
	return s.cipher.Seal(v)
}

func (s *RedisStore) open(v string) (string, error) {
	if s.cipher == nil || v == "" || v == models.PendingToken {
		return v, nil
	}
	return s.cipher.Open(v)
}

// load reads a connection through cmd, returning nil when the key is absent.
func (s *RedisStore) load(ctx context.Context, cmd redis.Cmdable, key string) (*models.Connection, error) {
	data, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// Get returns the connection for scope, or nil when none exists.
func (s *RedisStore) Get(ctx context.Context, scope models.Scope) (*models.Connection, error) {
	conn, err := s.load(ctx, s.client, s.connKey(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// SavePending overwrites the scope's document with a fresh pending row,
// keeping the id and creation time of a row it replaces.
func (s *RedisStore) SavePending(ctx context.Context, scope models.Scope, verifier string) error {
	key := s.connKey(scope)
	err := s.update(ctx, key, func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		conn := models.NewPendingConnection(scope, verifier, s.now())
		if prev != nil {
			conn.ID = prev.ID
			conn.CreatedAt = prev.CreatedAt
		}
		data, err := s.encode(conn)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.userKey(scope.UserID), scope.Key())
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save pending connection: %w", err)
	}
	return nil
}

// Activate commits tokens and identity only if the document still carries
// verifier when the transaction executes.
func (s *RedisStore) Activate(ctx context.Context, scope models.Scope, verifier string, tokens models.TokenSet, identity models.Identity) (bool, error) {
	key := s.connKey(scope)
	err := s.update(ctx, key, func(tx *redis.Tx) error {
		conn, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if conn == nil || conn.CodeVerifier == "" || conn.CodeVerifier != verifier {
			return errVerifierMismatch
		}
		conn.Activate(tokens, identity, s.now())
		return s.write(ctx, tx, key, conn)
	})
	if errors.Is(err, errVerifierMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to activate connection: %w", err)
	}
	return true, nil
}

// UpdateTokens swaps the token pair of an active connection.
func (s *RedisStore) UpdateTokens(ctx context.Context, scope models.Scope, tokens models.TokenSet) (bool, error) {
	key := s.connKey(scope)
	err := s.update(ctx, key, func(tx *redis.Tx) error {
		conn, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !conn.IsActive() {
			return errVerifierMismatch
		}
		conn.AccessToken = tokens.AccessToken
		conn.RefreshToken = tokens.RefreshToken
		conn.TokenExpiresAt = tokens.ExpiresAt
		conn.UpdatedAt = s.now()
		return s.write(ctx, tx, key, conn)
	})
	if errors.Is(err, errVerifierMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return true, nil
}

func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, key string, conn *models.Connection) error {
	data, err := s.encode(conn)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}

// update runs fn under WATCH on key, retrying when another writer got there first.
func (s *RedisStore) update(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		slog.Debug("connection store transaction conflict, retrying", "key", key, "attempt", attempt+1)
	}
	return err
}

// Delete removes the scope's document and its index entry.
func (s *RedisStore) Delete(ctx context.Context, scope models.Scope) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.connKey(scope))
		pipe.SRem(ctx, s.userKey(scope.UserID), scope.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// ListByUser returns redacted copies of the user's connections, newest first.
// Index entries whose document has disappeared are skipped.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	scopeKeys, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	out := []*models.Connection{}
	if len(scopeKeys) == 0 {
		return out, nil
	}

	keys := make([]string, len(scopeKeys))
	for i, sk := range scopeKeys {
		keys[i] = s.prefix + "conn:" + sk
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		conn, err := s.decode([]byte(str))
		if err != nil {
			slog.Warn("skipping undecodable connection", "key", keys[i], "error", err)
			continue
		}
		out = append(out, conn.Redacted())
	}
	sortNewestFirst(out)
	return out, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
