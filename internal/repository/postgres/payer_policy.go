package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
)

type payerPolicyRepository struct {
	db *sqlx.DB
}

func NewPayerPolicyRepository(db *sqlx.DB) repository.PayerPolicyRepository {
	return &payerPolicyRepository{db: db}
}

func (r *payerPolicyRepository) GetForPayer(ctx context.Context, payerID uuid.UUID) (*model.PayerPolicy, error) {
	query := `
		SELECT payer_id, frequency_capped, allow_pending_license, low_trust, duration_policy
		FROM payer_policies
		WHERE payer_id = $1
	`
	var policy model.PayerPolicy
	if err := r.db.GetContext(ctx, &policy, query, payerID); err != nil {
		return nil, fmt.Errorf("failed to get payer policy: %w", err)
	}

	whitelist := `
		SELECT provider_id
		FROM payer_provider_whitelist
		WHERE payer_id = $1
		ORDER BY provider_id
	`
	rows, err := r.db.QueryxContext(ctx, whitelist, payerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payer whitelist: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var providerID uuid.UUID
		if err := rows.Scan(&providerID); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist row: %w", err)
		}
		policy.ProviderWhitelist = append(policy.ProviderWhitelist, providerID)
	}
	return &policy, rows.Err()
}
