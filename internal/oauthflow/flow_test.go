package oauthflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/marketlink/connect-console/internal/connstore"
	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/marketplace"
	"github.com/marketlink/connect-console/internal/pkce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarketplace serves the token and identity endpoints.
type fakeMarketplace struct {
	*httptest.Server
	tokenValid        atomic.Bool
	sawSecret         atomic.Value
	sawChallengeMatch atomic.Bool
	challenge         atomic.Value
}

func newFakeMarketplace(t *testing.T) *fakeMarketplace {
	t.Helper()
	m := &fakeMarketplace{}
	m.tokenValid.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.sawSecret.Store(r.PostForm.Get("client_secret"))
		if c, ok := m.challenge.Load().(string); ok {
			m.sawChallengeMatch.Store(pkce.ChallengeFromVerifier(r.PostForm.Get("code_verifier")) == c)
		}
		if r.PostForm.Get("code") != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok1","refresh_token":"ref1","token_type":"bearer","expires_in":21600,"user_id":99}`)
	})
	mux.HandleFunc("/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok1" || !m.tokenValid.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "99", "nickname": "shopkeeper"})
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func TestEndToEnd_ConnectCheckExpire(t *testing.T) {
	ctx := context.Background()
	mkt := newFakeMarketplace(t)

	proxy, err := marketplace.NewTokenProxy(marketplace.ProxyConfig{
		ClientID: "client-1", ClientSecret: "s3cret", TokenURL: mkt.URL + "/oauth/token",
	})
	require.NoError(t, err)
	store := connstore.NewMemoryStore()
	orch, err := NewOrchestrator(Settings{
		ClientID:    "client-1",
		RedirectURI: "https://console.example/api/v1/marketplace/callback",
		AuthURL:     marketplace.DefaultAuthURL,
	}, store, proxy, marketplace.NewClient(mkt.URL, nil))
	require.NoError(t, err)

	auth, err := orch.Start(ctx, models.Scope{UserID: "user-1"})
	require.NoError(t, err)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	mkt.challenge.Store(u.Query().Get("code_challenge"))

	conn, err := orch.Complete(ctx, ParseCallback(url.Values{"code": {"abc"}, "state": {"user-1"}}))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", mkt.sawSecret.Load())
	assert.True(t, mkt.sawChallengeMatch.Load(), "verifier sent to the token endpoint must match the challenge")
	assert.Equal(t, "shopkeeper", conn.MarketplaceNickname)

	stored, err := store.Get(ctx, models.Scope{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "tok1", stored.AccessToken)
	assert.Equal(t, "shopkeeper", stored.MarketplaceNickname)
	assert.NotNil(t, stored.TokenExpiresAt)

	status, err := orch.CheckConnection(ctx, models.Scope{UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "99", status.Identity.ID)

	mkt.tokenValid.Store(false)
	_, err = orch.CheckConnection(ctx, models.Scope{UserID: "user-1"})
	assert.ErrorIs(t, err, ErrAuthExpired)

	status, err = orch.CheckConnection(ctx, models.Scope{UserID: "user-1"})
	require.NoError(t, err)
	assert.False(t, status.Authenticated)
	assert.Equal(t, models.StateNone, status.State)
}

func TestEndToEnd_RejectedCodeLeavesPending(t *testing.T) {
	ctx := context.Background()
	mkt := newFakeMarketplace(t)
	proxy, err := marketplace.NewTokenProxy(marketplace.ProxyConfig{
		ClientID: "client-1", ClientSecret: "s3cret", TokenURL: mkt.URL + "/oauth/token",
	})
	require.NoError(t, err)
	store := connstore.NewMemoryStore()
	orch, err := NewOrchestrator(Settings{
		ClientID: "client-1", RedirectURI: "https://console.example/cb", AuthURL: marketplace.DefaultAuthURL,
	}, store, proxy, marketplace.NewClient(mkt.URL, nil))
	require.NoError(t, err)

	_, err = orch.Start(ctx, userScope)
	require.NoError(t, err)
	_, err = orch.Complete(ctx, CallbackParams{Code: "wrong", State: "user-1"})
	assert.ErrorIs(t, err, ErrExchangeFailed)
	assert.ErrorIs(t, err, marketplace.ErrInvalidGrant)

	conn, _ := store.Get(ctx, userScope)
	assert.Equal(t, models.StatePending, conn.State())
}
