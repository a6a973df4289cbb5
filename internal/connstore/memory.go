// Package connstore provides the non-SQL backends of the connection store: an
// in-process map for tests and single-node development, and a Redis store for
// deployments that keep OAuth state out of Postgres.
package connstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marketlink/connect-console/internal/db/models"
)

// MemoryStore keeps connections in a map guarded by a mutex.
type MemoryStore struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
	now   func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns: make(map[string]*models.Connection),
		now:   time.Now,
	}
}

// Get returns a copy of the connection for scope, or nil.
func (s *MemoryStore) Get(_ context.Context, scope models.Scope) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[scope.Key()]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

// SavePending replaces whatever the scope held with a fresh pending row.
func (s *MemoryStore) SavePending(_ context.Context, scope models.Scope, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conn := models.NewPendingConnection(scope, verifier, now)
	if prev, ok := s.conns[scope.Key()]; ok {
		conn.ID = prev.ID
		conn.CreatedAt = prev.CreatedAt
	}
	s.conns[scope.Key()] = conn
	return nil
}

// Activate stores tokens and identity if the row still holds verifier.
func (s *MemoryStore) Activate(_ context.Context, scope models.Scope, verifier string, tokens models.TokenSet, identity models.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[scope.Key()]
	if !ok || conn.CodeVerifier == "" || conn.CodeVerifier != verifier {
		return false, nil
	}
	conn.Activate(tokens, identity, s.now())
	return true, nil
}

// UpdateTokens swaps the token pair of an active connection.
func (s *MemoryStore) UpdateTokens(_ context.Context, scope models.Scope, tokens models.TokenSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[scope.Key()]
	if !ok || !conn.IsActive() {
		return false, nil
	}
	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	conn.TokenExpiresAt = tokens.ExpiresAt
	conn.UpdatedAt = s.now()
	return true, nil
}

// Delete removes the connection for scope, if any.
func (s *MemoryStore) Delete(_ context.Context, scope models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, scope.Key())
	return nil
}

// ListByUser returns redacted copies of the user's connections, newest first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.Connection{}
	for _, conn := range s.conns {
		if conn.UserID == userID {
			out = append(out, conn.Redacted())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func sortNewestFirst(conns []*models.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].UpdatedAt.Equal(conns[j].UpdatedAt) {
			return conns[i].ScopeKey < conns[j].ScopeKey
		}
		return conns[i].UpdatedAt.After(conns[j].UpdatedAt)
	})
}
