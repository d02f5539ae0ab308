package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/scheduling-api/internal/model"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

// Gateway is the payment collaborator consumed by the scheduling core. The
// core only asks yes/no coverage questions and records/void transactions;
// card validation and charging live elsewhere.
type Gateway interface {
	DefaultPaymentMethod(ctx context.Context, patientID uuid.UUID) (*model.PaymentMethod, error)
	PatientPaymentMethod(ctx context.Context, patientID, paymentMethodID uuid.UUID) (*model.PaymentMethod, error)
	RemainingVisits(ctx context.Context, pm *model.PaymentMethod, patientID uuid.UUID) (int, error)
	CreateTransaction(ctx context.Context, appointmentID uuid.UUID, paymentMethodID uuid.UUID, amountCents int) error
	VoidTransactionsByAppointment(ctx context.Context, appointmentID uuid.UUID) error
}

type Service struct {
	db *sqlx.DB
}

func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

const paymentMethodColumns = `id, patient_id, kind, payer_id, valid, created_at, updated_at`

func (s *Service) DefaultPaymentMethod(ctx context.Context, patientID uuid.UUID) (*model.PaymentMethod, error) {
	query := `
		SELECT ` + paymentMethodColumns + `
		FROM payment_methods
		WHERE patient_id = $1
		AND is_default = true
		AND valid = true
	`
	var pm model.PaymentMethod
	if err := s.db.GetContext(ctx, &pm, query, patientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.InvalidPayment("patient has no valid default payment method", err)
		}
		return nil, fmt.Errorf("failed to get default payment method: %w", err)
	}
	return &pm, nil
}

func (s *Service) PatientPaymentMethod(ctx context.Context, patientID, paymentMethodID uuid.UUID) (*model.PaymentMethod, error) {
	query := `
		SELECT ` + paymentMethodColumns + `
		FROM payment_methods
		WHERE id = $1
		AND patient_id = $2
	`
	var pm model.PaymentMethod
	if err := s.db.GetContext(ctx, &pm, query, paymentMethodID, patientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.InvalidPayment("payment method does not belong to patient", err)
		}
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	if !pm.Valid {
		return nil, apperrors.InvalidPayment("payment method is not valid", nil)
	}
	return &pm, nil
}

// RemainingVisits returns how many more visits the payment method covers.
// Self-pay methods are uncapped.
func (s *Service) RemainingVisits(ctx context.Context, pm *model.PaymentMethod, patientID uuid.UUID) (int, error) {
	if pm.Kind == model.PaymentMethodSelfPay {
		return 1<<31 - 1, nil
	}
	query := `
		SELECT c.visit_limit - COUNT(t.id)
		FROM coverages c
		LEFT JOIN payment_transactions t
			ON t.payment_method_id = $1
			AND t.voided_at IS NULL
		WHERE c.payment_method_id = $1
		GROUP BY c.visit_limit
	`
	var remaining int
	if err := s.db.GetContext(ctx, &remaining, query, pm.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.InvalidPayment("payment method has no coverage", err)
		}
		return 0, fmt.Errorf("failed to compute remaining visits: %w", err)
	}
	return remaining, nil
}

func (s *Service) CreateTransaction(ctx context.Context, appointmentID, paymentMethodID uuid.UUID, amountCents int) error {
	query := `
		INSERT INTO payment_transactions (id, appointment_id, payment_method_id, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.New(), appointmentID, paymentMethodID, amountCents, time.Now()); err != nil {
		return fmt.Errorf("failed to create payment transaction: %w", err)
	}
	return nil
}

func (s *Service) VoidTransactionsByAppointment(ctx context.Context, appointmentID uuid.UUID) error {
	query := `
		UPDATE payment_transactions
		SET voided_at = $2
		WHERE appointment_id = $1
		AND voided_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, appointmentID, time.Now()); err != nil {
		return fmt.Errorf("failed to void payment transactions: %w", err)
	}
	return nil
}
