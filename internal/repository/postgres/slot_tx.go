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

// slotTx implements repository.SlotTx over one open transaction. Every
// state transition here is a conditional UPDATE; the returned row count is
// the race detector, never a read-then-write.
type slotTx struct {
	tx *sqlx.Tx
}

func (t *slotTx) ClaimOpenSlot(ctx context.Context, id uuid.UUID, claim repository.SlotClaim) (int64, error) {
	query := `
		UPDATE appointment_slots
		SET status = 'booked',
		    patient_id = $2,
		    payment_method_id = $3,
		    visit_type = $4,
		    meeting = $5,
		    duration_minutes = $6,
		    updated_at = $7
		WHERE id = $1
		AND status = 'open'
		AND frozen = false
	`
	result, err := t.tx.ExecContext(ctx, query,
		id,
		claim.PatientID,
		claim.PaymentMethodID,
		claim.VisitType,
		claim.Meeting,
		claim.DurationMinutes,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to claim slot: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) ListOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE provider_id = $1
		AND status <> 'cancelled'
		AND start_time < $3
		AND start_time + (duration_minutes * interval '1 minute') > $2
		ORDER BY start_time ASC
	`
	var slots []*model.Slot
	if err := t.tx.SelectContext(ctx, &slots, query, providerID, from, to); err != nil {
		return nil, fmt.Errorf("failed to list overlapping slots: %w", err)
	}
	return slots, nil
}

func (t *slotTx) Freeze(ctx context.Context, ids []uuid.UUID) (int64, error) {
	query := `
		UPDATE appointment_slots
		SET frozen = true, updated_at = $2
		WHERE id = ANY($1)
		AND status = 'open'
		AND frozen = false
	`
	result, err := t.tx.ExecContext(ctx, query, pq.Array(ids), time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to freeze slots: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) Unfreeze(ctx context.Context, ids []uuid.UUID) (int64, error) {
	query := `
		UPDATE appointment_slots
		SET frozen = false, updated_at = $2
		WHERE id = ANY($1)
		AND frozen = true
	`
	result, err := t.tx.ExecContext(ctx, query, pq.Array(ids), time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to unfreeze slots: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) CancelSlot(ctx context.Context, id uuid.UUID, upd repository.CancelUpdate) (int64, error) {
	statuses := make([]string, len(upd.FromStatus))
	for i, s := range upd.FromStatus {
		statuses[i] = string(s)
	}
	query := `
		UPDATE appointment_slots
		SET status = 'cancelled',
		    cancel_reason_id = $2,
		    cancelled_by = $3,
		    cancelled_at = $4,
		    updated_at = $4
		WHERE id = $1
		AND status = ANY($5)
		AND frozen = false
	`
	result, err := t.tx.ExecContext(ctx, query, id, upd.ReasonID, upd.CancelledBy, upd.CancelledAt, pq.Array(statuses))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel slot: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) InsertOpen(ctx context.Context, slots []*model.Slot) error {
	_, err := insertOpenSlots(ctx, t.tx, slots)
	return err
}

func (t *slotTx) InsertBooked(ctx context.Context, slot *model.Slot) error {
	query := `
		INSERT INTO appointment_slots (
			id, provider_id, patient_id, department_id, start_time,
			duration_minutes, status, frozen, payment_method_id, visit_type,
			meeting, coordinator_id, response_required, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9, $10, $11, $12, $13, $13)
	`
	now := time.Now()
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	slot.CreatedAt = now
	slot.UpdatedAt = now
	if _, err := t.tx.ExecContext(ctx, query,
		slot.ID,
		slot.ProviderID,
		slot.PatientID,
		slot.DepartmentID,
		slot.StartTime,
		slot.DurationMinutes,
		slot.Status,
		slot.PaymentMethodID,
		slot.VisitType,
		slot.Meeting,
		slot.CoordinatorID,
		slot.ResponseRequired,
		now,
	); err != nil {
		return fmt.Errorf("failed to insert booked slot: %w", err)
	}
	return nil
}

func (t *slotTx) DeleteOpen(ctx context.Context, ids []uuid.UUID) (int64, error) {
	query := `
		DELETE FROM appointment_slots
		WHERE id = ANY($1)
		AND status = 'open'
	`
	result, err := t.tx.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete open slots: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) AssignProvider(ctx context.Context, id uuid.UUID, providerID uuid.UUID, status model.SlotStatus, meeting *model.Meeting) (int64, error) {
	query := `
		UPDATE appointment_slots
		SET provider_id = $2,
		    status = $3,
		    meeting = COALESCE($4, meeting),
		    updated_at = $5
		WHERE id = $1
		AND provider_id IS NULL
		AND status IN ('booked', 'intake')
	`
	result, err := t.tx.ExecContext(ctx, query, id, providerID, status, meeting, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to assign provider: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) DetachProvider(ctx context.Context, id uuid.UUID, meeting *model.Meeting) (int64, error) {
	query := `
		UPDATE appointment_slots
		SET provider_id = NULL,
		    meeting = $2,
		    updated_at = $3
		WHERE id = $1
		AND provider_id IS NOT NULL
		AND status IN ('booked', 'intake')
	`
	result, err := t.tx.ExecContext(ctx, query, id, meeting, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to detach provider: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) UpdateMeeting(ctx context.Context, id uuid.UUID, meeting *model.Meeting) (int64, error) {
	query := `
		UPDATE appointment_slots
		SET meeting = $2, updated_at = $3
		WHERE id = $1
		AND status IN ('booked', 'intake')
	`
	result, err := t.tx.ExecContext(ctx, query, id, meeting, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to update meeting: %w", err)
	}
	return result.RowsAffected()
}

func (t *slotTx) SoftDeleteEncounter(ctx context.Context, appointmentID uuid.UUID) error {
	query := `
		UPDATE encounters
		SET deleted_at = $2
		WHERE appointment_id = $1
		AND deleted_at IS NULL
	`
	if _, err := t.tx.ExecContext(ctx, query, appointmentID, time.Now()); err != nil {
		return fmt.Errorf("failed to soft-delete encounter: %w", err)
	}
	return nil
}
