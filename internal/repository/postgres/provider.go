package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
)

const providerColumns = `
	p.id, p.name, p.email, p.employment_type, p.active, p.min_patient_age,
	p.employment_end, p.license_status, p.admin_excluded, p.created_at, p.updated_at
`

type providerRepository struct {
	db *sqlx.DB
}

func NewProviderRepository(db *sqlx.DB) repository.ProviderRepository {
	return &providerRepository{db: db}
}

func (r *providerRepository) Get(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers p WHERE p.id = $1`
	var provider model.Provider
	if err := r.db.GetContext(ctx, &provider, query, id); err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &provider, nil
}

// ListCandidates composes the optional eligibility predicates into one
// query, appending conditions only for the filter fields that are set.
func (r *providerRepository) ListCandidates(ctx context.Context, filter model.ProviderFilter) ([]*model.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers p
		JOIN provider_licenses l ON l.provider_id = p.id
		WHERE l.department_id = $1
		AND p.admin_excluded = false
	`
	args := []interface{}{filter.DepartmentID}
	argCount := 2

	if !filter.IncludePendingLicense {
		query += " AND l.status = 'active'"
	} else {
		query += " AND l.status IN ('active', 'pending')"
	}

	if filter.InsurerID != nil {
		query += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM provider_insurers pi WHERE pi.provider_id = p.id AND pi.insurer_id = $%d)", argCount)
		args = append(args, *filter.InsurerID)
		argCount++
	}

	if len(filter.ProviderIDs) > 0 {
		query += fmt.Sprintf(" AND p.id = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.ProviderIDs))
		argCount++
	}

	if filter.OnlyW2 {
		query += " AND p.employment_type = 'w2'"
	}

	if filter.OnlyActive {
		query += " AND p.active = true"
	}

	query += " ORDER BY p.id"

	var providers []*model.Provider
	if err := r.db.SelectContext(ctx, &providers, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list candidate providers: %w", err)
	}
	return providers, nil
}

func (r *providerRepository) ListTerminating(ctx context.Context, from, to time.Time) ([]*model.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers p
		WHERE p.employment_end IS NOT NULL
		AND p.employment_end >= $1
		AND p.employment_end < $2
		ORDER BY p.employment_end ASC
	`
	var providers []*model.Provider
	if err := r.db.SelectContext(ctx, &providers, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to list terminating providers: %w", err)
	}
	return providers, nil
}
