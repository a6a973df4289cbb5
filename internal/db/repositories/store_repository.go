// store_repository.go implements StoreRepository, providing user-scoped CRUD for stores
// and the per-company exclusive "active store" toggle.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/marketlink/connect-console/internal/db/models"
)

const storeColumns = `id, user_id, company_id, name, is_active, created_at, updated_at`

// StoreRepository handles database operations for stores
type StoreRepository struct {
	db *sqlx.DB
}

// NewStoreRepository creates a new store repository
func NewStoreRepository(db *sqlx.DB) *StoreRepository {
	return &StoreRepository{db: db}
}

// Create inserts a store. When it is created active, its sibling stores in the
// same company are deactivated in the same transaction.
func (r *StoreRepository) Create(ctx context.Context, store *models.Store) error {
	if store.ID == uuid.Nil {
		store.ID = newID()
	}
	now := time.Now()
	store.CreatedAt = now
	store.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if store.IsActive {
		if err := deactivateSiblings(ctx, tx, store.UserID, store.CompanyID, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stores (id, user_id, company_id, name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		store.ID, store.UserID, store.CompanyID, store.Name, store.IsActive, store.CreatedAt, store.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	return tx.Commit()
}

// GetByID returns the user's store, or nil when not found.
func (r *StoreRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Store, error) {
	var store models.Store
	query := `SELECT ` + storeColumns + ` FROM stores WHERE id = $1 AND user_id = $2`
	err := r.db.GetContext(ctx, &store, query, id, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	return &store, nil
}

// ListByUser returns the user's stores, optionally restricted to one company.
func (r *StoreRepository) ListByUser(ctx context.Context, userID string, companyID *uuid.UUID) ([]*models.Store, error) {
	stores := []*models.Store{}
	var err error
	if companyID != nil {
		err = r.db.SelectContext(ctx, &stores,
			`SELECT `+storeColumns+` FROM stores WHERE user_id = $1 AND company_id = $2 ORDER BY name`,
			userID, *companyID)
	} else {
		err = r.db.SelectContext(ctx, &stores,
			`SELECT `+storeColumns+` FROM stores WHERE user_id = $1 ORDER BY name`,
			userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	return stores, nil
}

// Update renames a store. It reports false when the store was not found.
func (r *StoreRepository) Update(ctx context.Context, store *models.Store) (bool, error) {
	store.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE stores SET name = $3, updated_at = $4 WHERE id = $1 AND user_id = $2`,
		store.ID, store.UserID, store.Name, store.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update store: %w", err)
	}
	return affected(result)
}

// Delete removes a store.
func (r *StoreRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stores WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete store: %w", err)
	}
	return affected(result)
}

// Activate makes the store the only active one within its company.
func (r *StoreRepository) Activate(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var companyID uuid.UUID
	err = tx.GetContext(ctx, &companyID,
		`SELECT company_id FROM stores WHERE id = $1 AND user_id = $2 FOR UPDATE`, id, userID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock store: %w", err)
	}

	now := time.Now()
	if err := deactivateSiblings(ctx, tx, userID, companyID, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stores SET is_active = true, updated_at = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, now,
	); err != nil {
		return false, fmt.Errorf("failed to activate store: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit activation: %w", err)
	}
	return true, nil
}

func deactivateSiblings(ctx context.Context, tx *sqlx.Tx, userID string, companyID uuid.UUID, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE stores SET is_active = false, updated_at = $3 WHERE user_id = $1 AND company_id = $2 AND is_active = true`,
		userID, companyID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate stores: %w", err)
	}
	return nil
}
