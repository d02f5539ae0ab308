package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/model"
)

// SlotClaim carries the fields written onto a slot row by the booking
// compare-and-swap.
type SlotClaim struct {
	PatientID       uuid.UUID
	PaymentMethodID *uuid.UUID
	VisitType       model.VisitType
	Meeting         *model.Meeting
	DurationMinutes int
}

// CancelUpdate carries the fields written by the cancellation transition.
type CancelUpdate struct {
	ReasonID    int
	CancelledBy uuid.UUID
	CancelledAt time.Time
	FromStatus  []model.SlotStatus
}

// BucketCount is one start-time bucket of the buffered availability query.
// Open counts physically open provider rows, ProviderBooked counts claimed
// rows backed by a provider calendar, and Booked counts every claim at the
// bucket including vacant placeholders.
type BucketCount struct {
	Start          time.Time `db:"bucket_start"`
	Open           int       `db:"open_count"`
	ProviderBooked int       `db:"provider_booked_count"`
	Booked         int       `db:"booked_count"`
}

// All repository interfaces in one file
type (
	// SlotRepository is the only mutable store in the scheduling core. All
	// writes that move a slot between states go through SlotTx inside a
	// serializable transaction; the conditional updates report affected-row
	// counts so callers can detect lost races.
	SlotRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Slot, error)

		// GetMany returns the requested rows ordered by start time,
		// regardless of the order the ids were passed in.
		GetMany(ctx context.Context, ids []uuid.UUID) ([]*model.Slot, error)
		ListOpen(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]*model.Slot, error)
		ListActiveForPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*model.Slot, error)
		ListNonCancelledForPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*model.Slot, error)
		CountByBucket(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time, durationMinutes int) ([]BucketCount, error)
		ListContiguousOpen(ctx context.Context, providerIDs []uuid.UUID, start time.Time, durationMinutes int) (map[uuid.UUID][]*model.Slot, error)
		CountOpenByProvider(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) (map[uuid.UUID]int, error)
		HasPriorBooking(ctx context.Context, patientID, providerID uuid.UUID) (bool, error)
		ListVacant(ctx context.Context, from, to time.Time) ([]*model.Slot, error)
		ListFutureBookedForProvider(ctx context.Context, providerID uuid.UUID, from time.Time) ([]*model.Slot, error)

		// InsertOpen creates open rows, skipping any that collide with an
		// existing non-cancelled row, and reports how many were inserted.
		InsertOpen(ctx context.Context, slots []*model.Slot) (int64, error)
		InsertNoShowLead(ctx context.Context, patientID, appointmentID uuid.UUID) error

		// WithinTx runs fn inside one serializable transaction. The
		// transaction is rolled back when fn returns an error; serialization
		// aborts surface as-is for the caller to map to CONFLICT.
		WithinTx(ctx context.Context, fn func(tx SlotTx) error) error
	}

	// SlotTx is the transaction-scoped slice of the slot store.
	SlotTx interface {
		ClaimOpenSlot(ctx context.Context, id uuid.UUID, claim SlotClaim) (int64, error)
		ListOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*model.Slot, error)
		Freeze(ctx context.Context, ids []uuid.UUID) (int64, error)
		Unfreeze(ctx context.Context, ids []uuid.UUID) (int64, error)
		CancelSlot(ctx context.Context, id uuid.UUID, upd CancelUpdate) (int64, error)
		InsertOpen(ctx context.Context, slots []*model.Slot) error
		InsertBooked(ctx context.Context, slot *model.Slot) error
		DeleteOpen(ctx context.Context, ids []uuid.UUID) (int64, error)
		AssignProvider(ctx context.Context, id uuid.UUID, providerID uuid.UUID, status model.SlotStatus, meeting *model.Meeting) (int64, error)
		DetachProvider(ctx context.Context, id uuid.UUID, meeting *model.Meeting) (int64, error)
		UpdateMeeting(ctx context.Context, id uuid.UUID, meeting *model.Meeting) (int64, error)
		SoftDeleteEncounter(ctx context.Context, appointmentID uuid.UUID) error
	}

	ProviderRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Provider, error)
		ListCandidates(ctx context.Context, filter model.ProviderFilter) ([]*model.Provider, error)
		ListTerminating(ctx context.Context, from, to time.Time) ([]*model.Provider, error)
	}

	PatientRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Patient, error)
	}

	PayerPolicyRepository interface {
		GetForPayer(ctx context.Context, payerID uuid.UUID) (*model.PayerPolicy, error)
	}
)
