package oauthflow

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/marketlink/connect-console/internal/connstore"
	"github.com/marketlink/connect-console/internal/db/models"
	"github.com/marketlink/connect-console/internal/marketplace"
)

var errBoom = errors.New("boom")

// recordingStore wraps the memory store, counts writes and injects failures.
type recordingStore struct {
	*connstore.MemoryStore

	mu            sync.Mutex
	writes        int
	saveFailures  int
	getErr        error
	activateErr   error
	deleteErr     error
	staleReadback bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: connstore.NewMemoryStore()}
}

func (s *recordingStore) Get(ctx context.Context, scope models.Scope) (*models.Connection, error) {
	s.mu.Lock()
	getErr, stale := s.getErr, s.staleReadback
	s.mu.Unlock()
	if getErr != nil {
		return nil, getErr
	}
	conn, err := s.MemoryStore.Get(ctx, scope)
	if stale && conn != nil {
		conn.CodeVerifier = "stale"
	}
	return conn, err
}

func (s *recordingStore) SavePending(ctx context.Context, scope models.Scope, verifier string) error {
	s.mu.Lock()
	s.writes++
	if s.saveFailures > 0 {
		s.saveFailures--
		s.mu.Unlock()
		return errBoom
	}
	s.mu.Unlock()
	return s.MemoryStore.SavePending(ctx, scope, verifier)
}

func (s *recordingStore) Activate(ctx context.Context, scope models.Scope, verifier string, tokens models.TokenSet, identity models.Identity) (bool, error) {
	s.mu.Lock()
	s.writes++
	err := s.activateErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.MemoryStore.Activate(ctx, scope, verifier, tokens, identity)
}

func (s *recordingStore) UpdateTokens(ctx context.Context, scope models.Scope, tokens models.TokenSet) (bool, error) {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.MemoryStore.UpdateTokens(ctx, scope, tokens)
}

func (s *recordingStore) Delete(ctx context.Context, scope models.Scope) error {
	s.mu.Lock()
	s.writes++
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, scope)
}

func (s *recordingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// fakeExchanger returns canned token sets and records what it was asked.
type fakeExchanger struct {
	mu            sync.Mutex
	exchangeCalls int
	refreshCalls  int
	lastCode      string
	lastVerifier  string
	tokens        models.TokenSet
	exchangeErr   error
	refreshed     models.TokenSet
	refreshErr    error
	onExchange    func()
}

func (f *fakeExchanger) Exchange(_ context.Context, code, verifier, _ string) (models.TokenSet, error) {
	f.mu.Lock()
	f.exchangeCalls++
	f.lastCode, f.lastVerifier = code, verifier
	hook := f.onExchange
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.tokens, f.exchangeErr
}

func (f *fakeExchanger) Refresh(context.Context, string) (models.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshed, f.refreshErr
}

func (f *fakeExchanger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls
}

// fakeIdentity resolves known tokens, answers 401 for rejected ones and a
// transport error for anything else.
type fakeIdentity struct {
	mu       sync.Mutex
	accounts map[string]*models.Identity
	rejected map[string]bool
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{accounts: map[string]*models.Identity{}, rejected: map[string]bool{}}
}

func (f *fakeIdentity) accept(token string, id models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[token] = &id
	delete(f.rejected, token)
}

func (f *fakeIdentity) reject(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[token] = true
	delete(f.accounts, token)
}

func (f *fakeIdentity) Me(_ context.Context, token string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.accounts[token]; ok {
		cp := *id
		return &cp, nil
	}
	if f.rejected[token] {
		return nil, &marketplace.APIError{Endpoint: "/users/me", StatusCode: http.StatusUnauthorized}
	}
	return nil, errors.New("dial tcp: connection refused")
}

var (
	userScope   = models.Scope{UserID: "user-1"}
	shopkeeper  = models.Identity{ID: "99", Nickname: "shopkeeper"}
	firstTokens = models.TokenSet{AccessToken: "tok1", RefreshToken: "ref1"}
)

type fixture struct {
	orch      *Orchestrator
	store     *recordingStore
	exchanger *fakeExchanger
	identity  *fakeIdentity
}

func newFixture(t *testing.T, opts ...func(*Settings)) *fixture {
	t.Helper()
	settings := Settings{
		ClientID:    "client-1",
		RedirectURI: "https://console.example/api/v1/marketplace/callback",
		AuthURL:     marketplace.DefaultAuthURL,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	f := &fixture{
		store:     newRecordingStore(),
		exchanger: &fakeExchanger{tokens: firstTokens},
		identity:  newFakeIdentity(),
	}
	f.identity.accept("tok1", shopkeeper)

	orch, err := NewOrchestrator(settings, f.store, f.exchanger, f.identity)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	f.orch = orch
	return f
}

// connect runs a full successful flow for scope.
func (f *fixture) connect(t *testing.T, scope models.Scope) *models.Connection {
	t.Helper()
	auth, err := f.orch.Start(context.Background(), scope)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn, err := f.orch.Complete(context.Background(), CallbackParams{Code: "abc", State: auth.State})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return conn
}
