// Package models - connection.go defines the marketplace Connection record and the
// Scope key under which exactly one connection per (user, company, store) is tracked.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PendingToken is the placeholder stored in the token columns until a real
// exchange completes.
const PendingToken = "pending"

// ConnectionState is the lifecycle state of a scope's connection.
type ConnectionState string

const (
	StateNone    ConnectionState = "none"
	StatePending ConnectionState = "pending"
	StateActive  ConnectionState = "active"
)

// ErrInvalidScope is returned when a scope key cannot be parsed or a scope is missing its user.
var ErrInvalidScope = errors.New("invalid connection scope")

const (
	scopeSep       = ":"
	companySegment = "company="
	storeSegment   = "store="
)

// Scope addresses one connection. UserID is required; CompanyID and StoreID narrow it.
type Scope struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id,omitempty"`
	StoreID   string `json:"store_id,omitempty"`
}

// Validate checks that the scope has a user and that no id contains the key separators.
func (s Scope) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidScope)
	}
	for _, part := range []string{s.UserID, s.CompanyID, s.StoreID} {
		if strings.ContainsAny(part, ":=") {
			return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidScope, part)
		}
	}
	return nil
}

// Key returns the canonical string form, e.g. "user-1" or "user-1:company=c1:store=s1".
// It is used as the OAuth state parameter and as the store's unique key.
func (s Scope) Key() string {
	var b strings.Builder
	b.WriteString(s.UserID)
	if s.CompanyID != "" {
		b.WriteString(scopeSep + companySegment + s.CompanyID)
	}
	if s.StoreID != "" {
		b.WriteString(scopeSep + storeSegment + s.StoreID)
	}
	return b.String()
}

func (s Scope) String() string { return s.Key() }

// ParseScope is the inverse of Scope.Key.
func ParseScope(key string) (Scope, error) {
	if key == "" {
		return Scope{}, fmt.Errorf("%w: empty key", ErrInvalidScope)
	}
	parts := strings.Split(key, scopeSep)
	s := Scope{UserID: parts[0]}
	for _, p := range parts[1:] {
		var value string
		switch {
		case strings.HasPrefix(p, companySegment) && s.CompanyID == "" && s.StoreID == "":
			value = strings.TrimPrefix(p, companySegment)
			s.CompanyID = value
		case strings.HasPrefix(p, storeSegment) && s.StoreID == "":
			value = strings.TrimPrefix(p, storeSegment)
			s.StoreID = value
		default:
			return Scope{}, fmt.Errorf("%w: unexpected segment %q", ErrInvalidScope, p)
		}
		if value == "" {
			return Scope{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidScope, key)
		}
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Connection is the durable record of one OAuth connection for a scope.
type Connection struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	ScopeKey            string     `json:"scope" db:"scope_key"`
	UserID              string     `json:"user_id" db:"user_id"`
	CompanyID           *string    `json:"company_id,omitempty" db:"company_id"`
	StoreID             *string    `json:"store_id,omitempty" db:"store_id"`
	CodeVerifier        string     `json:"-" db:"code_verifier"`
	AccessToken         string     `json:"-" db:"access_token"`
	RefreshToken        string     `json:"-" db:"refresh_token"`
	MarketplaceUserID   string     `json:"marketplace_user_id" db:"marketplace_user_id"`
	MarketplaceNickname string     `json:"marketplace_nickname" db:"marketplace_nickname"`
	MarketplaceEmail    *string    `json:"marketplace_email,omitempty" db:"marketplace_email"`
	TokenExpiresAt      *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// NewPendingConnection builds the row written when a flow starts for scope.
func NewPendingConnection(scope Scope, verifier string, now time.Time) *Connection {
	return &Connection{
		ID:                uuid.New(),
		ScopeKey:          scope.Key(),
		UserID:            scope.UserID,
		CompanyID:         optional(scope.CompanyID),
		StoreID:           optional(scope.StoreID),
		CodeVerifier:      verifier,
		AccessToken:       PendingToken,
		RefreshToken:      PendingToken,
		MarketplaceUserID: PendingToken,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// State derives the lifecycle state from the token columns.
func (c *Connection) State() ConnectionState {
	if c == nil {
		return StateNone
	}
	if c.AccessToken == "" || c.AccessToken == PendingToken {
		return StatePending
	}
	return StateActive
}

// IsActive reports whether the connection holds a validated token.
func (c *Connection) IsActive() bool { return c.State() == StateActive }

// Scope reconstructs the scope the row belongs to.
func (c *Connection) Scope() Scope {
	s := Scope{UserID: c.UserID}
	if c.CompanyID != nil {
		s.CompanyID = *c.CompanyID
	}
	if c.StoreID != nil {
		s.StoreID = *c.StoreID
	}
	return s
}

// Identity returns the denormalized marketplace identity of an active connection.
func (c *Connection) Identity() *Identity {
	if !c.IsActive() {
		return nil
	}
	id := &Identity{ID: c.MarketplaceUserID, Nickname: c.MarketplaceNickname}
	if c.MarketplaceEmail != nil {
		id.Email = *c.MarketplaceEmail
	}
	return id
}

// Activate replaces the pending sentinels with a validated token set and identity.
// The verifier is cleared so a replayed callback cannot redeem it again.
func (c *Connection) Activate(tokens TokenSet, identity Identity, now time.Time) {
	c.CodeVerifier = ""
	c.AccessToken = tokens.AccessToken
	c.RefreshToken = tokens.RefreshToken
	c.TokenExpiresAt = tokens.ExpiresAt
	c.MarketplaceUserID = identity.ID
	c.MarketplaceNickname = identity.Nickname
	c.MarketplaceEmail = optional(identity.Email)
	c.UpdatedAt = now
}

// Redacted returns a copy safe for listings: the verifier is dropped and tokens
// other than the pending sentinel are masked.
func (c *Connection) Redacted() *Connection {
	out := *c
	out.CodeVerifier = ""
	out.AccessToken = maskToken(c.AccessToken)
	out.RefreshToken = maskToken(c.RefreshToken)
	return &out
}

func maskToken(v string) string {
	if v == "" || v == PendingToken {
		return v
	}
	return "********"
}

// TokenSet is the credential pair issued by the marketplace.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Identity is the marketplace account a connection is bound to.
type Identity struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Email    string `json:"email,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
