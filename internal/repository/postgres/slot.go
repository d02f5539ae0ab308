package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
)

const slotColumns = `
	id, provider_id, patient_id, department_id, start_time, duration_minutes,
	status, frozen, payment_method_id, visit_type, meeting, coordinator_id,
	response_required, cancel_reason_id, cancelled_by, cancelled_at,
	created_at, updated_at
`

type slotRepository struct {
	db *sqlx.DB
}

func NewSlotRepository(db *sqlx.DB) repository.SlotRepository {
	return &slotRepository{db: db}
}

func (r *slotRepository) Get(ctx context.Context, id uuid.UUID) (*model.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM appointment_slots WHERE id = $1`
	var slot model.Slot
	if err := r.db.GetContext(ctx, &slot, query, id); err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &slot, nil
}

func (r *slotRepository) GetMany(ctx context.Context, ids []uuid.UUID) ([]*model.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM appointment_slots WHERE id = ANY($1) ORDER BY start_time ASC`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get slots: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) ListOpen(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE status = 'open'
		AND frozen = false
		AND provider_id = ANY($1)
		AND start_time >= $2
		AND start_time < $3
		ORDER BY provider_id, start_time ASC
	`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, pq.Array(providerIDs), from, to); err != nil {
		return nil, fmt.Errorf("failed to list open slots: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) ListActiveForPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE patient_id = $1
		AND status IN ('booked', 'intake')
		AND start_time >= $2
		AND start_time < $3
		ORDER BY start_time ASC
	`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, patientID, from, to); err != nil {
		return nil, fmt.Errorf("failed to list active patient slots: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) ListNonCancelledForPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE patient_id = $1
		AND status <> 'cancelled'
		AND start_time >= $2
		AND start_time < $3
		ORDER BY start_time ASC
	`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, patientID, from, to); err != nil {
		return nil, fmt.Errorf("failed to list patient visits: %w", err)
	}
	return slots, nil
}

// CountByBucket feeds the buffered availability check. For 30-minute
// lookups buckets are raw start times; for 60-minute lookups rows are
// truncated to the top of the hour and an open unit requires exactly two
// contiguous open rows for one provider. Booked counts include vacant
// placeholder rows (provider_id IS NULL); the provider-booked column only
// counts rows backed by a physical provider calendar.
func (r *slotRepository) CountByBucket(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time, durationMinutes int) ([]repository.BucketCount, error) {
	var query string
	if durationMinutes == 60 {
		query = `
			WITH per_provider AS (
				SELECT date_trunc('hour', start_time) AS bucket_start,
				       provider_id,
				       COUNT(*) FILTER (WHERE status = 'open' AND frozen = false) AS open_rows,
				       COALESCE(SUM(duration_minutes) FILTER (WHERE status IN ('booked', 'intake')), 0) AS booked_minutes
				FROM appointment_slots
				WHERE start_time >= $2 AND start_time < $3
				AND status <> 'cancelled'
				AND (provider_id = ANY($1) OR provider_id IS NULL)
				GROUP BY 1, 2
			)
			SELECT bucket_start,
			       COUNT(*) FILTER (WHERE open_rows = 2 AND provider_id IS NOT NULL) AS open_count,
			       COUNT(*) FILTER (WHERE booked_minutes >= 60 AND provider_id IS NOT NULL) AS provider_booked_count,
			       COALESCE(SUM(booked_minutes) / 60, 0) AS booked_count
			FROM per_provider
			GROUP BY bucket_start
			ORDER BY bucket_start ASC
		`
	} else {
		query = `
			SELECT start_time AS bucket_start,
			       COUNT(*) FILTER (WHERE status = 'open' AND frozen = false AND provider_id IS NOT NULL) AS open_count,
			       COUNT(*) FILTER (WHERE status IN ('booked', 'intake') AND provider_id IS NOT NULL) AS provider_booked_count,
			       COUNT(*) FILTER (WHERE status IN ('booked', 'intake')) AS booked_count
			FROM appointment_slots
			WHERE start_time >= $2 AND start_time < $3
			AND status <> 'cancelled'
			AND (provider_id = ANY($1) OR provider_id IS NULL)
			GROUP BY start_time
			ORDER BY start_time ASC
		`
	}

	var buckets []repository.BucketCount
	if err := r.db.SelectContext(ctx, &buckets, query, pq.Array(providerIDs), from, to); err != nil {
		return nil, fmt.Errorf("failed to count slot buckets: %w", err)
	}
	return buckets, nil
}

func (r *slotRepository) ListContiguousOpen(ctx context.Context, providerIDs []uuid.UUID, start time.Time, durationMinutes int) (map[uuid.UUID][]*model.Slot, error) {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE status = 'open'
		AND frozen = false
		AND provider_id = ANY($1)
		AND start_time >= $2
		AND start_time < $3
		ORDER BY provider_id, start_time ASC
	`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, pq.Array(providerIDs), start, end); err != nil {
		return nil, fmt.Errorf("failed to list contiguous open slots: %w", err)
	}

	required := durationMinutes / model.SlotMinutes
	byProvider := make(map[uuid.UUID][]*model.Slot)
	for _, slot := range slots {
		if slot.ProviderID == nil {
			continue
		}
		byProvider[*slot.ProviderID] = append(byProvider[*slot.ProviderID], slot)
	}
	for id, run := range byProvider {
		if len(run) < required {
			delete(byProvider, id)
		}
	}
	return byProvider, nil
}

func (r *slotRepository) CountOpenByProvider(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) (map[uuid.UUID]int, error) {
	query := `
		SELECT provider_id, COUNT(*) AS open_count
		FROM appointment_slots
		WHERE status = 'open'
		AND frozen = false
		AND provider_id = ANY($1)
		AND start_time >= $2
		AND start_time < $3
		GROUP BY provider_id
	`
	rows, err := r.db.QueryxContext(ctx, query, pq.Array(providerIDs), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count open slots: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var providerID uuid.UUID
		var count int
		if err := rows.Scan(&providerID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan open count: %w", err)
		}
		counts[providerID] = count
	}
	return counts, rows.Err()
}

func (r *slotRepository) HasPriorBooking(ctx context.Context, patientID, providerID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointment_slots
			WHERE patient_id = $1
			AND provider_id = $2
			AND status IN ('booked', 'intake', 'completed')
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, patientID, providerID); err != nil {
		return false, fmt.Errorf("failed to check prior booking: %w", err)
	}
	return exists, nil
}

func (r *slotRepository) ListVacant(ctx context.Context, from, to time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE provider_id IS NULL
		AND status IN ('booked', 'intake')
		AND start_time >= $1
		AND start_time < $2
		ORDER BY start_time ASC, id ASC
	`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to list vacant appointments: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) ListFutureBookedForProvider(ctx context.Context, providerID uuid.UUID, from time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM appointment_slots
		WHERE provider_id = $1
		AND status IN ('booked', 'intake')
		AND start_time >= $2
		ORDER BY start_time ASC
	`
	var slots []*model.Slot
	if err := r.db.SelectContext(ctx, &slots, query, providerID, from); err != nil {
		return nil, fmt.Errorf("failed to list future booked slots: %w", err)
	}
	return slots, nil
}

func (r *slotRepository) InsertOpen(ctx context.Context, slots []*model.Slot) (int64, error) {
	return insertOpenSlots(ctx, r.db, slots)
}

func (r *slotRepository) InsertNoShowLead(ctx context.Context, patientID, appointmentID uuid.UUID) error {
	query := `
		INSERT INTO no_show_leads (id, patient_id, appointment_id, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, uuid.New(), patientID, appointmentID, time.Now()); err != nil {
		return fmt.Errorf("failed to insert no-show lead: %w", err)
	}
	return nil
}

// WithinTx runs fn inside one serializable transaction; serialization
// failures roll back and surface to the caller unretried.
func (r *slotRepository) WithinTx(ctx context.Context, fn func(tx repository.SlotTx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&slotTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertOpenSlots creates open rows. The partial unique index on
// (provider_id, start_time) WHERE status <> 'cancelled' swallows rows that
// collide with existing capacity; the return value counts actual inserts.
func insertOpenSlots(ctx context.Context, db execer, slots []*model.Slot) (int64, error) {
	query := `
		INSERT INTO appointment_slots (
			id, provider_id, department_id, start_time, duration_minutes,
			status, frozen, visit_type, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'open', false, $6, $7, $7)
		ON CONFLICT DO NOTHING
	`
	now := time.Now()
	var inserted int64
	for _, slot := range slots {
		if slot.ID == uuid.Nil {
			slot.ID = uuid.New()
		}
		slot.Status = model.SlotStatusOpen
		slot.CreatedAt = now
		slot.UpdatedAt = now
		res, err := db.ExecContext(ctx, query,
			slot.ID,
			slot.ProviderID,
			slot.DepartmentID,
			slot.StartTime,
			slot.DurationMinutes,
			slot.VisitType,
			now,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert open slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read insert result: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}
