// Package models - store.go defines the Store model, a marketplace storefront owned by a company.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Store represents a storefront that can be connected to a marketplace account
type Store struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	CompanyID uuid.UUID `json:"company_id" db:"company_id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Scope returns the connection scope addressed by this store.
func (s *Store) Scope() Scope {
	return Scope{UserID: s.UserID, CompanyID: s.CompanyID.String(), StoreID: s.ID.String()}
}
