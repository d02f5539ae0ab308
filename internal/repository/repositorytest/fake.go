// Package repositorytest provides in-memory implementations of the
// repository interfaces with the same compare-and-swap semantics as the
// postgres layer. Transactions hold one store-wide lock and roll back by
// snapshot, so concurrent callers observe the same win-or-lose behavior
// as the real serializable transactions.
package repositorytest

import (
	"context"
	"sort"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

type FakeSlots struct {
	mu          sync.Mutex
	slots       map[uuid.UUID]*model.Slot
	NoShowLeads []uuid.UUID
	DeletedEnc  []uuid.UUID
}

func NewFakeSlots() *FakeSlots {
	return &FakeSlots{slots: make(map[uuid.UUID]*model.Slot)}
}

// Seed inserts slots directly, assigning ids where missing.
func (f *FakeSlots) Seed(slots ...*model.Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.Status == "" {
			s.Status = model.SlotStatusOpen
		}
		cp := *s
		f.slots[s.ID] = &cp
	}
}

// Snapshot returns a copy of the current row for assertions.
func (f *FakeSlots) Snapshot(id uuid.UUID) (*model.Slot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// All returns copies of every row, ordered by start time.
func (f *FakeSlots) All() []*model.Slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Slot, 0, len(f.slots))
	for _, s := range f.slots {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (f *FakeSlots) Get(_ context.Context, id uuid.UUID) (*model.Slot, error) {
	s, ok := f.Snapshot(id)
	if !ok {
		return nil, apperrors.NotFound("appointment slot", nil)
	}
	return s, nil
}

func (f *FakeSlots) GetMany(ctx context.Context, ids []uuid.UUID) ([]*model.Slot, error) {
	out := make([]*model.Slot, 0, len(ids))
	for _, id := range ids {
		s, err := f.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func inProviderSet(id *uuid.UUID, set []uuid.UUID) bool {
	if id == nil {
		return false
	}
	for _, p := range set {
		if p == *id {
			return true
		}
	}
	return false
}

func (f *FakeSlots) ListOpen(_ context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, s := range f.All() {
		if s.Bookable() && inProviderSet(s.ProviderID, providerIDs) && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeSlots) ListActiveForPatient(_ context.Context, patientID uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, s := range f.All() {
		if s.PatientID != nil && *s.PatientID == patientID && s.Status.Active() && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeSlots) ListNonCancelledForPatient(_ context.Context, patientID uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, s := range f.All() {
		if s.PatientID != nil && *s.PatientID == patientID && s.Status != model.SlotStatusCancelled && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CountByBucket mirrors the SQL bucket query: 30-minute buckets count rows
// directly; 60-minute buckets truncate to the hour and require both half
// hours open for a pair to count.
func (f *FakeSlots) CountByBucket(_ context.Context, providerIDs []uuid.UUID, from, to time.Time, durationMinutes int) ([]repository.BucketCount, error) {
	buckets := make(map[time.Time]*repository.BucketCount)
	bucket := func(t time.Time) *repository.BucketCount {
		if b, ok := buckets[t]; ok {
			return b
		}
		b := &repository.BucketCount{Start: t}
		buckets[t] = b
		return b
	}

	if durationMinutes == 30 {
		for _, s := range f.All() {
			if s.StartTime.Before(from) || !s.StartTime.Before(to) {
				continue
			}
			switch {
			case s.Bookable() && inProviderSet(s.ProviderID, providerIDs):
				bucket(s.StartTime).Open++
			case s.Status.Active() && s.DurationMinutes == 30:
				b := bucket(s.StartTime)
				b.Booked++
				if inProviderSet(s.ProviderID, providerIDs) {
					b.ProviderBooked++
				}
			}
		}
	} else {
		type half struct {
			provider uuid.UUID
			hour     time.Time
		}
		halves := make(map[half]int)
		for _, s := range f.All() {
			if s.StartTime.Before(from) || !s.StartTime.Before(to) {
				continue
			}
			hour := s.StartTime.Truncate(time.Hour)
			if s.Bookable() && inProviderSet(s.ProviderID, providerIDs) {
				halves[half{*s.ProviderID, hour}]++
			}
			if s.Status.Active() && s.DurationMinutes == 60 && s.StartTime.Equal(hour) {
				b := bucket(hour)
				b.Booked++
				if inProviderSet(s.ProviderID, providerIDs) {
					b.ProviderBooked++
				}
			}
		}
		for key, n := range halves {
			if n >= 2 {
				bucket(key.hour).Open++
			}
		}
	}

	out := make([]repository.BucketCount, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (f *FakeSlots) ListContiguousOpen(_ context.Context, providerIDs []uuid.UUID, start time.Time, durationMinutes int) (map[uuid.UUID][]*model.Slot, error) {
	required := durationMinutes / model.SlotMinutes
	out := make(map[uuid.UUID][]*model.Slot)
	for _, pid := range providerIDs {
		var rows []*model.Slot
		for i := 0; i < required; i++ {
			at := start.Add(time.Duration(i*model.SlotMinutes) * time.Minute)
			var found *model.Slot
			for _, s := range f.All() {
				if s.ProviderID != nil && *s.ProviderID == pid && s.Bookable() && s.StartTime.Equal(at) {
					found = s
					break
				}
			}
			if found == nil {
				rows = nil
				break
			}
			rows = append(rows, found)
		}
		if rows != nil {
			out[pid] = rows
		}
	}
	return out, nil
}

func (f *FakeSlots) CountOpenByProvider(_ context.Context, providerIDs []uuid.UUID, from, to time.Time) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int)
	for _, s := range f.All() {
		if s.Bookable() && inProviderSet(s.ProviderID, providerIDs) && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			out[*s.ProviderID]++
		}
	}
	return out, nil
}

func (f *FakeSlots) HasPriorBooking(_ context.Context, patientID, providerID uuid.UUID) (bool, error) {
	for _, s := range f.All() {
		if s.PatientID != nil && *s.PatientID == patientID && s.ProviderID != nil && *s.ProviderID == providerID && s.Status != model.SlotStatusOpen && s.Status != model.SlotStatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeSlots) ListVacant(_ context.Context, from, to time.Time) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, s := range f.All() {
		if s.Vacant() && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeSlots) ListFutureBookedForProvider(_ context.Context, providerID uuid.UUID, from time.Time) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, s := range f.All() {
		if s.ProviderID != nil && *s.ProviderID == providerID && s.Status.Active() && s.StartTime.After(from) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeSlots) InsertOpen(_ context.Context, slots []*model.Slot) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertOpenLocked(slots), nil
}

// insertOpenLocked mirrors the partial unique index: a row colliding with
// an existing non-cancelled row for the same provider and start time is
// skipped.
func (f *FakeSlots) insertOpenLocked(slots []*model.Slot) int64 {
	var inserted int64
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.Status = model.SlotStatusOpen
		if s.ProviderID != nil && f.hasActiveAtLocked(*s.ProviderID, s.StartTime) {
			continue
		}
		cp := *s
		f.slots[cp.ID] = &cp
		inserted++
	}
	return inserted
}

func (f *FakeSlots) hasActiveAtLocked(providerID uuid.UUID, start time.Time) bool {
	for _, s := range f.slots {
		if s.ProviderID != nil && *s.ProviderID == providerID &&
			s.StartTime.Equal(start) && s.Status != model.SlotStatusCancelled {
			return true
		}
	}
	return false
}

func (f *FakeSlots) InsertNoShowLead(_ context.Context, patientID, appointmentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NoShowLeads = append(f.NoShowLeads, appointmentID)
	return nil
}

// WithinTx holds the store lock for the whole callback and restores a
// snapshot when it fails, mimicking rollback.
func (f *FakeSlots) WithinTx(_ context.Context, fn func(tx repository.SlotTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := make(map[uuid.UUID]*model.Slot, len(f.slots))
	for id, s := range f.slots {
		cp := *s
		snapshot[id] = &cp
	}
	encLen := len(f.DeletedEnc)

	if err := fn(&fakeTx{store: f}); err != nil {
		f.slots = snapshot
		f.DeletedEnc = f.DeletedEnc[:encLen]
		return err
	}
	return nil
}

type fakeTx struct {
	store *FakeSlots
}

func (t *fakeTx) ClaimOpenSlot(_ context.Context, id uuid.UUID, claim repository.SlotClaim) (int64, error) {
	s, ok := t.store.slots[id]
	if !ok || !s.Bookable() {
		return 0, nil
	}
	patientID := claim.PatientID
	s.Status = model.SlotStatusBooked
	s.PatientID = &patientID
	s.PaymentMethodID = claim.PaymentMethodID
	s.VisitType = claim.VisitType
	s.Meeting = claim.Meeting
	s.DurationMinutes = claim.DurationMinutes
	return 1, nil
}

func (t *fakeTx) ListOverlapping(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, s := range t.store.slots {
		if s.ProviderID == nil || *s.ProviderID != providerID || s.Status == model.SlotStatusCancelled {
			continue
		}
		if s.StartTime.Before(to) && s.EndTime().After(from) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (t *fakeTx) Freeze(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if s, ok := t.store.slots[id]; ok && s.Bookable() {
			s.Frozen = true
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) Unfreeze(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if s, ok := t.store.slots[id]; ok && s.Frozen {
			s.Frozen = false
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) CancelSlot(_ context.Context, id uuid.UUID, upd repository.CancelUpdate) (int64, error) {
	s, ok := t.store.slots[id]
	if !ok || s.Frozen {
		return 0, nil
	}
	allowed := false
	for _, from := range upd.FromStatus {
		if s.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return 0, nil
	}
	reasonID := upd.ReasonID
	cancelledBy := upd.CancelledBy
	cancelledAt := upd.CancelledAt
	s.Status = model.SlotStatusCancelled
	s.CancelReasonID = &reasonID
	s.CancelledBy = &cancelledBy
	s.CancelledAt = &cancelledAt
	return 1, nil
}

func (t *fakeTx) InsertOpen(_ context.Context, slots []*model.Slot) error {
	t.store.insertOpenLocked(slots)
	return nil
}

func (t *fakeTx) InsertBooked(_ context.Context, slot *model.Slot) error {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	cp := *slot
	t.store.slots[cp.ID] = &cp
	return nil
}

func (t *fakeTx) DeleteOpen(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if s, ok := t.store.slots[id]; ok && s.Status == model.SlotStatusOpen {
			delete(t.store.slots, id)
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) AssignProvider(_ context.Context, id uuid.UUID, providerID uuid.UUID, status model.SlotStatus, meeting *model.Meeting) (int64, error) {
	s, ok := t.store.slots[id]
	if !ok || s.ProviderID != nil || !s.Status.Active() {
		return 0, nil
	}
	pid := providerID
	s.ProviderID = &pid
	s.Status = status
	if meeting != nil {
		s.Meeting = meeting
	}
	return 1, nil
}

func (t *fakeTx) DetachProvider(_ context.Context, id uuid.UUID, meeting *model.Meeting) (int64, error) {
	s, ok := t.store.slots[id]
	if !ok || s.ProviderID == nil || !s.Status.Active() {
		return 0, nil
	}
	s.ProviderID = nil
	s.Meeting = meeting
	return 1, nil
}

func (t *fakeTx) UpdateMeeting(_ context.Context, id uuid.UUID, meeting *model.Meeting) (int64, error) {
	s, ok := t.store.slots[id]
	if !ok || !s.Status.Active() {
		return 0, nil
	}
	s.Meeting = meeting
	return 1, nil
}

func (t *fakeTx) SoftDeleteEncounter(_ context.Context, appointmentID uuid.UUID) error {
	t.store.DeletedEnc = append(t.store.DeletedEnc, appointmentID)
	return nil
}

// FakeProviders serves a fixed provider set.
type FakeProviders struct {
	Providers []*model.Provider
}

func (f *FakeProviders) Get(_ context.Context, id uuid.UUID) (*model.Provider, error) {
	for _, p := range f.Providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.NotFound("provider", nil)
}

func (f *FakeProviders) ListCandidates(_ context.Context, filter model.ProviderFilter) ([]*model.Provider, error) {
	var out []*model.Provider
	for _, p := range f.Providers {
		if p.AdminExcluded {
			continue
		}
		if filter.OnlyActive && !p.Active {
			continue
		}
		if filter.OnlyW2 && !p.IsW2() {
			continue
		}
		if !filter.IncludePendingLicense && p.LicenseStatus != model.LicenseActive {
			continue
		}
		if len(filter.ProviderIDs) > 0 {
			match := false
			for _, id := range filter.ProviderIDs {
				if id == p.ID {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *FakeProviders) ListTerminating(_ context.Context, from, to time.Time) ([]*model.Provider, error) {
	var out []*model.Provider
	for _, p := range f.Providers {
		if p.EmploymentEnd != nil && !p.EmploymentEnd.Before(from) && p.EmploymentEnd.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

// FakePatients serves a fixed patient set.
type FakePatients struct {
	Patients []*model.Patient
}

func (f *FakePatients) Get(_ context.Context, id uuid.UUID) (*model.Patient, error) {
	for _, p := range f.Patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.NotFound("patient", nil)
}

// FakePolicies maps payer ids to policies.
type FakePolicies struct {
	Policies map[uuid.UUID]*model.PayerPolicy
}

func (f *FakePolicies) GetForPayer(_ context.Context, payerID uuid.UUID) (*model.PayerPolicy, error) {
	if p, ok := f.Policies[payerID]; ok {
		return p, nil
	}
	return &model.PayerPolicy{}, nil
}
