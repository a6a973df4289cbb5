// Package models - company.go defines the Company model, a user-owned business that groups stores.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Company represents a business registered by a console user
type Company struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
