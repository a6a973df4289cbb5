// company_repository.go implements CompanyRepository, providing user-scoped CRUD for
// companies and the exclusive "active company" toggle.
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

// CompanyRepository handles database operations for companies
type CompanyRepository struct {
	db *sqlx.DB
}

// NewCompanyRepository creates a new company repository
func NewCompanyRepository(db *sqlx.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// Create inserts a company. When it is created active, the user's other
// companies are deactivated in the same transaction.
func (r *CompanyRepository) Create(ctx context.Context, company *models.Company) error {
	if company.ID == uuid.Nil {
		company.ID = newID()
	}
	now := time.Now()
	company.CreatedAt = now
	company.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if company.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE companies SET is_active = false, updated_at = $2 WHERE user_id = $1 AND is_active = true`,
			company.UserID, now,
		); err != nil {
			return fmt.Errorf("failed to deactivate companies: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO companies (id, user_id, name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		company.ID, company.UserID, company.Name, company.IsActive, company.CreatedAt, company.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}

	return tx.Commit()
}

// GetByID returns the user's company, or nil when it does not exist or belongs to someone else.
func (r *CompanyRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Company, error) {
	var company models.Company
	query := `SELECT id, user_id, name, is_active, created_at, updated_at FROM companies WHERE id = $1 AND user_id = $2`
	err := r.db.GetContext(ctx, &company, query, id, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &company, nil
}

// ListByUser returns the user's companies ordered by name.
func (r *CompanyRepository) ListByUser(ctx context.Context, userID string) ([]*models.Company, error) {
	companies := []*models.Company{}
	query := `SELECT id, user_id, name, is_active, created_at, updated_at FROM companies WHERE user_id = $1 ORDER BY name`
	if err := r.db.SelectContext(ctx, &companies, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	return companies, nil
}

// Update renames a company. It reports false when the company was not found.
func (r *CompanyRepository) Update(ctx context.Context, company *models.Company) (bool, error) {
	company.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE companies SET name = $3, updated_at = $4 WHERE id = $1 AND user_id = $2`,
		company.ID, company.UserID, company.Name, company.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update company: %w", err)
	}
	return affected(result)
}

// Delete removes a company and, through the foreign key, its stores and connections.
func (r *CompanyRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM companies WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete company: %w", err)
	}
	return affected(result)
}

// Activate makes id the user's only active company.
func (r *CompanyRepository) Activate(ctx context.Context, userID string, id uuid.UUID) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE companies SET is_active = false, updated_at = $2 WHERE user_id = $1 AND is_active = true`,
		userID, now,
	); err != nil {
		return false, fmt.Errorf("failed to deactivate companies: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE companies SET is_active = true, updated_at = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to activate company: %w", err)
	}
	ok, err := affected(result)
	if err != nil || !ok {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit activation: %w", err)
	}
	return true, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// newID is replaced in tests that need deterministic ids.
var newID = uuid.New
