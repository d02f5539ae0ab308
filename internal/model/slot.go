package model

import (
	"time"

	"github.com/google/uuid"
)

// SlotMinutes is the atomic schedulable unit. Every physical row covers
// exactly 30 minutes; a 60-minute visit consumes two contiguous rows.
const SlotMinutes = 30

type SlotStatus string

const (
	SlotStatusOpen       SlotStatus = "open"
	SlotStatusBooked     SlotStatus = "booked"
	SlotStatusIntake     SlotStatus = "intake"
	SlotStatusCancelled  SlotStatus = "cancelled"
	SlotStatusCompleted  SlotStatus = "completed"
	SlotStatusIncomplete SlotStatus = "incomplete"
)

// Active reports whether the status still occupies the patient's calendar.
func (s SlotStatus) Active() bool {
	return s == SlotStatusBooked || s == SlotStatusIntake
}

// Slot is one row of the appointment_slots table. (provider_id, start_time)
// is unique among non-cancelled rows.
type Slot struct {
	Base
	ProviderID       *uuid.UUID  `db:"provider_id" json:"provider_id,omitempty"`
	PatientID        *uuid.UUID  `db:"patient_id" json:"patient_id,omitempty"`
	DepartmentID     uuid.UUID   `db:"department_id" json:"department_id"`
	StartTime        time.Time   `db:"start_time" json:"start_time"`
	DurationMinutes  int         `db:"duration_minutes" json:"duration_minutes"`
	Status           SlotStatus  `db:"status" json:"status"`
	Frozen           bool        `db:"frozen" json:"frozen"`
	PaymentMethodID  *uuid.UUID  `db:"payment_method_id" json:"payment_method_id,omitempty"`
	VisitType        VisitType   `db:"visit_type" json:"visit_type"`
	Meeting          *Meeting    `db:"meeting" json:"meeting,omitempty"`
	CoordinatorID    *uuid.UUID  `db:"coordinator_id" json:"coordinator_id,omitempty"`
	ResponseRequired bool        `db:"response_required" json:"response_required"`
	CancelReasonID   *int        `db:"cancel_reason_id" json:"cancel_reason_id,omitempty"`
	CancelledBy      *uuid.UUID  `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelledAt      *time.Time  `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// EndTime is the exclusive upper bound of the slot's window.
func (s *Slot) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Bookable reports whether the row can be independently claimed.
func (s *Slot) Bookable() bool {
	return s.Status == SlotStatusOpen && !s.Frozen
}

// Vacant reports whether the row holds a patient but no provider and is
// awaiting reassignment.
func (s *Slot) Vacant() bool {
	return s.Status.Active() && s.ProviderID == nil
}

type VisitType string

const (
	VisitTypeInitial  VisitType = "initial"
	VisitTypeFollowUp VisitType = "follow_up"
)

// AlignedToSlot reports whether t falls on a 30-minute boundary.
func AlignedToSlot(t time.Time) bool {
	return t.Second() == 0 && t.Nanosecond() == 0 && t.Minute()%SlotMinutes == 0
}

// TopOfHour reports whether t falls exactly on the hour.
func TopOfHour(t time.Time) bool {
	return AlignedToSlot(t) && t.Minute() == 0
}

// BookableUnit is one or two physical slots presented to the caller as a
// single offer. It is computed on every read and never persisted. Units
// produced by the buffered availability check have no physical rows yet;
// they carry a negative SyntheticID derived from the bucket start instead
// of appointment ids, and the booking manager claims them by time.
type BookableUnit struct {
	AppointmentIDs  []uuid.UUID `json:"appointment_ids,omitempty"`
	SyntheticID     int64       `json:"synthetic_id,omitempty"`
	ProviderID      *uuid.UUID  `json:"provider_id,omitempty"`
	StartTime       time.Time   `json:"start_time"`
	DurationMinutes int         `json:"duration_minutes"`
}

// Synthetic reports whether the unit is a buffered-mode placeholder with no
// backing rows.
func (u *BookableUnit) Synthetic() bool {
	return u.SyntheticID < 0
}

// SyntheticUnitID derives the placeholder id for a buffered-mode offer.
func SyntheticUnitID(start time.Time) int64 {
	return -start.Unix()
}

// DayUnits groups the offers of one calendar day, keyed by provider.
type DayUnits struct {
	Day   string                      `json:"day"`
	Units map[uuid.UUID][]BookableUnit `json:"units"`
}
