package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
)

type patientRepository struct {
	db *sqlx.DB
}

func NewPatientRepository(db *sqlx.DB) repository.PatientRepository {
	return &patientRepository{db: db}
}

func (r *patientRepository) Get(ctx context.Context, id uuid.UUID) (*model.Patient, error) {
	query := `
		SELECT id, name, email, date_of_birth, department_id, timezone,
		       insurer_id, default_payment_method_id, created_at, updated_at
		FROM patients
		WHERE id = $1
	`
	var patient model.Patient
	if err := r.db.GetContext(ctx, &patient, query, id); err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return &patient, nil
}
