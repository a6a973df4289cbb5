package connstore

import (
	"context"
	"sync"
	"testing"

	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectionStore is the behaviour every backend shares.
type connectionStore interface {
	Get(ctx context.Context, scope models.Scope) (*models.Connection, error)
	SavePending(ctx context.Context, scope models.Scope, verifier string) error
	Activate(ctx context.Context, scope models.Scope, verifier string, tokens models.TokenSet, identity models.Identity) (bool, error)
	UpdateTokens(ctx context.Context, scope models.Scope, tokens models.TokenSet) (bool, error)
	Delete(ctx context.Context, scope models.Scope) error
	ListByUser(ctx context.Context, userID string) ([]*models.Connection, error)
	Ping(ctx context.Context) error
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) connectionStore) {
	ctx := context.Background()
	user := models.Scope{UserID: "user-1"}
	store := models.Scope{UserID: "user-1", CompanyID: "c1", StoreID: "s1"}
	tokens := models.TokenSet{AccessToken: "tok1", RefreshToken: "ref1"}
	identity := models.Identity{ID: "99", Nickname: "shopkeeper"}

	t.Run("missing scope reads as nil", func(t *testing.T) {
		s := newStore(t)
		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		assert.Nil(t, conn)
	})

	t.Run("start twice keeps one row with the second verifier", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))
		first, err := s.Get(ctx, user)
		require.NoError(t, err)
		require.NoError(t, s.SavePending(ctx, user, "verifier-2"))

		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		require.NotNil(t, conn)
		assert.Equal(t, "verifier-2", conn.CodeVerifier)
		assert.Equal(t, models.StatePending, conn.State())
		assert.Equal(t, first.ID, conn.ID)

		list, err := s.ListByUser(ctx, "user-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("activate with current verifier", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))

		ok, err := s.Activate(ctx, user, "verifier-1", tokens, identity)
		require.NoError(t, err)
		assert.True(t, ok)

		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		assert.True(t, conn.IsActive())
		assert.Equal(t, "tok1", conn.AccessToken)
		assert.Equal(t, "ref1", conn.RefreshToken)
		assert.Equal(t, "shopkeeper", conn.MarketplaceNickname)
		assert.Empty(t, conn.CodeVerifier)
	})

	t.Run("superseded verifier does not activate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))
		require.NoError(t, s.SavePending(ctx, user, "verifier-2"))

		ok, err := s.Activate(ctx, user, "verifier-1", tokens, identity)
		require.NoError(t, err)
		assert.False(t, ok)

		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, conn.State())
	})

	t.Run("verifier is single use", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))
		ok, err := s.Activate(ctx, user, "verifier-1", tokens, identity)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Activate(ctx, user, "verifier-1", models.TokenSet{AccessToken: "tok2"}, identity)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("activate without a row", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Activate(ctx, user, "verifier-1", tokens, identity)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("start on an active row resets it to pending", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))
		_, err := s.Activate(ctx, user, "verifier-1", tokens, identity)
		require.NoError(t, err)

		require.NoError(t, s.SavePending(ctx, user, "verifier-2"))
		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, models.PendingToken, conn.AccessToken)
		assert.Equal(t, models.PendingToken, conn.MarketplaceUserID)
		assert.Empty(t, conn.MarketplaceNickname)
	})

	t.Run("update tokens only on active rows", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.UpdateTokens(ctx, user, models.TokenSet{AccessToken: "tok2"})
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))
		ok, err = s.UpdateTokens(ctx, user, models.TokenSet{AccessToken: "tok2"})
		require.NoError(t, err)
		assert.False(t, ok, "pending rows must not take tokens outside activation")

		_, err = s.Activate(ctx, user, "verifier-1", tokens, identity)
		require.NoError(t, err)
		ok, err = s.UpdateTokens(ctx, user, models.TokenSet{AccessToken: "tok2", RefreshToken: "ref2"})
		require.NoError(t, err)
		assert.True(t, ok)

		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "tok2", conn.AccessToken)
		assert.Equal(t, "shopkeeper", conn.MarketplaceNickname)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))
		require.NoError(t, s.Delete(ctx, user))
		require.NoError(t, s.Delete(ctx, user))

		conn, err := s.Get(ctx, user)
		require.NoError(t, err)
		assert.Nil(t, conn)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-user"))
		require.NoError(t, s.SavePending(ctx, store, "verifier-store"))
		require.NoError(t, s.Delete(ctx, user))

		conn, err := s.Get(ctx, store)
		require.NoError(t, err)
		require.NotNil(t, conn)
		assert.Equal(t, "verifier-store", conn.CodeVerifier)
		assert.Equal(t, store, conn.Scope())
	})

	t.Run("list redacts secrets", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, store, "verifier-1"))
		_, err := s.Activate(ctx, store, "verifier-1", tokens, identity)
		require.NoError(t, err)
		require.NoError(t, s.SavePending(ctx, models.Scope{UserID: "user-2"}, "other"))

		list, err := s.ListByUser(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.NotEqual(t, "tok1", list[0].AccessToken)
		assert.Empty(t, list[0].CodeVerifier)
		assert.True(t, list[0].IsActive())
	})

	t.Run("concurrent activation admits one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SavePending(ctx, user, "verifier-1"))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Activate(ctx, user, "verifier-1", tokens, identity)
				if err != nil {
					t.Errorf("Activate: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
