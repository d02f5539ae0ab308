package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository/repositorytest"
	"github.com/jwalitptl/scheduling-api/internal/service/availability"
	"github.com/jwalitptl/scheduling-api/internal/service/cancellation"
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/ranking"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
)

type stubGateway struct {
	remaining int
}

func (g *stubGateway) DefaultPaymentMethod(context.Context, uuid.UUID) (*model.PaymentMethod, error) {
	pm := &model.PaymentMethod{Kind: model.PaymentMethodSelfPay, Valid: true}
	pm.ID = uuid.New()
	return pm, nil
}

func (g *stubGateway) PatientPaymentMethod(context.Context, uuid.UUID, uuid.UUID) (*model.PaymentMethod, error) {
	return g.DefaultPaymentMethod(context.Background(), uuid.Nil)
}

func (g *stubGateway) RemainingVisits(context.Context, *model.PaymentMethod, uuid.UUID) (int, error) {
	return g.remaining, nil
}

func (g *stubGateway) CreateTransaction(context.Context, uuid.UUID, uuid.UUID, int) error {
	return nil
}

func (g *stubGateway) VoidTransactionsByAppointment(context.Context, uuid.UUID) error {
	return nil
}

type stubMeetings struct {
	mu      sync.Mutex
	created int
	deleted []string
}

func (m *stubMeetings) CreateMeeting(context.Context, string, uuid.UUID, uuid.UUID, time.Time, time.Duration) (*meeting.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	id := fmt.Sprintf("ext-%d", m.created)
	return &meeting.Meeting{ExternalID: id, JoinURL: "https://meet.example.com/" + id}, nil
}

func (m *stubMeetings) DeleteMeeting(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, externalID)
	return true, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *stubNotifier) SendEvent(_ context.Context, _ string, event notification.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type fixture struct {
	svc       *Service
	store     *repositorytest.FakeSlots
	gateway   *stubGateway
	meetings  *stubMeetings
	notifier  *stubNotifier
	patients  *repositorytest.FakePatients
	providers *repositorytest.FakeProviders
	now       time.Time
}

func newFixture(t *testing.T, environment string) *fixture {
	t.Helper()

	store := repositorytest.NewFakeSlots()
	gateway := &stubGateway{remaining: 10}
	meetings := &stubMeetings{}
	notifier := &stubNotifier{}
	patients := &repositorytest.FakePatients{}
	providers := &repositorytest.FakeProviders{}
	policies := &repositorytest.FakePolicies{Policies: map[uuid.UUID]*model.PayerPolicy{}}

	cfg := &config.Config{
		Environment: environment,
		Policy: config.PolicyConfig{
			HorizonDays:       90,
			MinLeadHours:      1,
			LowTrustLeadDays:  3,
			LeadMonths:        2,
			LeadLimit:         5,
			PerMonthLimit:     1,
			OverbookingFactor: 1.0,
			BufferNudge:       0.1,
			LastMinuteWindow:  4 * time.Hour,
			CapacityWindow:    30 * 24 * time.Hour,
		},
		Meeting: config.MeetingConfig{WaitingRoomBase: "https://visit.example.com/waiting"},
		Worker:  config.WorkerConfig{PacePerSecond: 1000, MaxInFlight: 20},
	}

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	log := logger.NewLogger(nil)
	eligibilitySvc := eligibility.NewService(patients, providers, policies, store, gateway, cfg.Policy).WithClock(clock)
	availabilitySvc := availability.NewService(store, cfg, nil)
	rankingSvc := ranking.NewService(store, cfg.Policy).WithClock(clock)
	cancellationSvc := cancellation.NewService(store, gateway, meetings, notifier, log, nil, cfg).WithClock(clock)
	svc := NewService(store, eligibilitySvc, availabilitySvc, rankingSvc, cancellationSvc, gateway, meetings, notifier, log, nil, cfg).WithClock(clock)

	return &fixture{
		svc:       svc,
		store:     store,
		gateway:   gateway,
		meetings:  meetings,
		notifier:  notifier,
		patients:  patients,
		providers: providers,
		now:       now,
	}
}

func (f *fixture) addProvider() *model.Provider {
	p := &model.Provider{
		EmploymentType: model.EmploymentW2,
		Active:         true,
		LicenseStatus:  model.LicenseActive,
		Email:          "doc@example.com",
	}
	p.ID = uuid.New()
	f.providers.Providers = append(f.providers.Providers, p)
	return p
}

// addPatient adds a patient with one completed past visit, so the next
// visit is a follow-up and 30-minute bookings are allowed.
func (f *fixture) addPatient(withHistory bool) *model.Patient {
	p := &model.Patient{
		Timezone:    "UTC",
		Email:       "pat@example.com",
		DateOfBirth: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	p.ID = uuid.New()
	f.patients.Patients = append(f.patients.Patients, p)

	if withHistory {
		pid := p.ID
		provider := uuid.New()
		f.store.Seed(&model.Slot{
			ProviderID:      &provider,
			PatientID:       &pid,
			StartTime:       f.now.AddDate(0, -1, 0),
			DurationMinutes: 30,
			Status:          model.SlotStatusCompleted,
		})
	}
	return p
}

func (f *fixture) openSlot(providerID uuid.UUID, start time.Time) *model.Slot {
	s := &model.Slot{
		ProviderID:      &providerID,
		StartTime:       start,
		DurationMinutes: 30,
	}
	f.store.Seed(s)
	return s
}

func TestBookByIDs(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(true)

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	slot := f.openSlot(provider.ID, start)

	booked, err := f.svc.Book(context.Background(), BookRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID, Identifier: "pat"},
		PatientID:      patient.ID,
		AppointmentIDs: []uuid.UUID{slot.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, model.SlotStatusBooked, booked.Status)
	require.NotNil(t, booked.PatientID)
	assert.Equal(t, patient.ID, *booked.PatientID)
	require.NotNil(t, booked.Meeting)
	assert.Equal(t, model.MeetingKindDynamicVideo, booked.Meeting.Kind)

	stored, _ := f.store.Snapshot(slot.ID)
	assert.Equal(t, model.SlotStatusBooked, stored.Status)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, notification.EventBooked, f.notifier.events[0].Type)
}

// Two concurrent claims on the same slot: exactly one commits, the loser
// surfaces a state violation and its meeting is torn down.
func TestBookByIDsConcurrentClaim(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	p1 := f.addPatient(true)
	p2 := f.addPatient(true)

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	slot := f.openSlot(provider.ID, start)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, patient := range []*model.Patient{p1, p2} {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Book(context.Background(), BookRequest{
				Actor:          model.Actor{Type: model.ActorPatient, ID: patientID, Identifier: patientID.String()},
				PatientID:      patientID,
				AppointmentIDs: []uuid.UUID{slot.ID},
			})
			errs <- err
		}(patient.ID)
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		lost++
		code := apperrors.Code(err)
		assert.True(t, code == apperrors.ErrStateViolation || code == apperrors.ErrConflict, "unexpected loser error: %v", err)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	// Depending on where the loser observes the claim it either never
	// provisions a meeting or tears its meeting down; either way exactly
	// one meeting survives.
	f.meetings.mu.Lock()
	defer f.meetings.mu.Unlock()
	assert.Equal(t, 1, f.meetings.created-len(f.meetings.deleted), "exactly one live meeting remains")
}

func TestBook60MinuteMustStartOnTheHour(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(false)

	// 9:30 and 10:00 rows: contiguous but off the hour.
	start := f.now.Add(48 * time.Hour).Truncate(time.Hour).Add(30 * time.Minute)
	first := f.openSlot(provider.ID, start)
	second := f.openSlot(provider.ID, start.Add(30*time.Minute))

	_, err := f.svc.Book(context.Background(), BookRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID},
		PatientID:      patient.ID,
		AppointmentIDs: []uuid.UUID{first.ID, second.ID},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrStateViolation, apperrors.Code(err))
}

func TestBook60MinuteFreezesSecondRow(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(false) // initial visit, 60 minutes required

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	first := f.openSlot(provider.ID, start)
	second := f.openSlot(provider.ID, start.Add(30*time.Minute))

	booked, err := f.svc.Book(context.Background(), BookRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID},
		PatientID:      patient.ID,
		AppointmentIDs: []uuid.UUID{first.ID, second.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 60, booked.DurationMinutes)

	frozen, _ := f.store.Snapshot(second.ID)
	assert.True(t, frozen.Frozen, "second half is frozen, not independently claimable")
	assert.Equal(t, model.SlotStatusOpen, frozen.Status)
}

func TestBookOutsideBookableRange(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(true)

	start := f.now.AddDate(0, 0, 120).Truncate(time.Hour)
	slot := f.openSlot(provider.ID, start)

	_, err := f.svc.Book(context.Background(), BookRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID},
		PatientID:      patient.ID,
		AppointmentIDs: []uuid.UUID{slot.ID},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSlotOutsideBookableRange, apperrors.Code(err))
}

func TestBookExhaustedCoverage(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(true)
	f.gateway.remaining = 0

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	slot := f.openSlot(provider.ID, start)

	_, err := f.svc.Book(context.Background(), BookRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID},
		PatientID:      patient.ID,
		AppointmentIDs: []uuid.UUID{slot.ID},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrPaymentLimitReached, apperrors.Code(err))
}

func TestBookByTimeClaimsRankedProvider(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(true)

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	f.openSlot(provider.ID, start)

	booked, err := f.svc.Book(context.Background(), BookRequest{
		Actor:           model.Actor{Type: model.ActorPatient, ID: patient.ID, Identifier: "pat"},
		PatientID:       patient.ID,
		SyntheticID:     model.SyntheticUnitID(start),
		StartTime:       start,
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	require.NotNil(t, booked.ProviderID)
	assert.Equal(t, provider.ID, *booked.ProviderID)
}

// Outside production the overbooking factor eases by 0.5, so two fully
// claimed calendars still admit one buffered placeholder before the
// bucket closes for good.
func TestBookByTimeOverbooksIntoWaitingPlaceholder(t *testing.T) {
	f := newFixture(t, "test")
	pr1 := f.addProvider()
	pr2 := f.addProvider()

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	f.openSlot(pr1.ID, start)
	f.openSlot(pr2.ID, start)

	book := func() (*model.Slot, error) {
		patient := f.addPatient(true)
		return f.svc.Book(context.Background(), BookRequest{
			Actor:           model.Actor{Type: model.ActorPatient, ID: patient.ID, Identifier: patient.ID.String()},
			PatientID:       patient.ID,
			SyntheticID:     model.SyntheticUnitID(start),
			StartTime:       start,
			DurationMinutes: 30,
		})
	}

	// Two real claims take the physical rows.
	for i := 0; i < 2; i++ {
		booked, err := book()
		require.NoError(t, err)
		assert.NotNil(t, booked.ProviderID)
	}

	// Third booking has no physical row left; the buffer admits it as a
	// provider-less waiting placeholder.
	placeholder, err := book()
	require.NoError(t, err)
	assert.Nil(t, placeholder.ProviderID)
	require.NotNil(t, placeholder.Meeting)
	assert.Equal(t, model.MeetingKindWaitingRoom, placeholder.Meeting.Kind)

	// Fourth exceeds even the buffered capacity.
	_, err = book()
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSlotNotAvailable, apperrors.Code(err))
}

// The buffered fallback must honor the duration policy: an initial-visit
// patient is hour-long only, so a 30-minute request is rejected even when
// the bucket itself still has buffered capacity.
func TestBookByTimeRejectsDurationOutsidePolicy(t *testing.T) {
	f := newFixture(t, "test")
	pr1 := f.addProvider()
	pr2 := f.addProvider()
	patient := f.addPatient(false) // initial visit, 60 minutes required

	// Both calendars fully claimed: no ranked candidate exists, but
	// booked(2) < floor(2 × 1.6) keeps the bucket offerable.
	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	for _, providerID := range []uuid.UUID{pr1.ID, pr2.ID} {
		pid := uuid.New()
		prid := providerID
		f.store.Seed(&model.Slot{
			ProviderID:      &prid,
			PatientID:       &pid,
			StartTime:       start,
			DurationMinutes: 30,
			Status:          model.SlotStatusBooked,
		})
	}
	before := len(f.store.All())

	_, err := f.svc.Book(context.Background(), BookRequest{
		Actor:           model.Actor{Type: model.ActorPatient, ID: patient.ID, Identifier: "pat"},
		PatientID:       patient.ID,
		SyntheticID:     model.SyntheticUnitID(start),
		StartTime:       start,
		DurationMinutes: 30,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrArgument, apperrors.Code(err))
	assert.Len(t, f.store.All(), before, "no placeholder row inserted")
}

// Callers may pass the two half-hour ids in any order; the earliest row is
// the primary regardless.
func TestBook60MinuteAcceptsIDsInAnyOrder(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(false)

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	first := f.openSlot(provider.ID, start)
	second := f.openSlot(provider.ID, start.Add(30*time.Minute))

	booked, err := f.svc.Book(context.Background(), BookRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID},
		PatientID:      patient.ID,
		AppointmentIDs: []uuid.UUID{second.ID, first.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, booked.ID)
	assert.Equal(t, start, booked.StartTime)
	assert.Equal(t, 60, booked.DurationMinutes)

	frozen, _ := f.store.Snapshot(second.ID)
	assert.True(t, frozen.Frozen)
}

func TestRescheduleCancelsOldInSameTransaction(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(true)

	oldStart := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	pid := patient.ID
	old := &model.Slot{
		ProviderID:      &provider.ID,
		PatientID:       &pid,
		StartTime:       oldStart,
		DurationMinutes: 30,
		Status:          model.SlotStatusBooked,
	}
	f.store.Seed(old)

	newSlot := f.openSlot(provider.ID, oldStart.Add(2*time.Hour))

	booked, err := f.svc.Reschedule(context.Background(), RescheduleRequest{
		Actor:          model.Actor{Type: model.ActorPatient, ID: patient.ID, Identifier: "pat"},
		AppointmentID:  old.ID,
		AppointmentIDs: []uuid.UUID{newSlot.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SlotStatusBooked, booked.Status)

	cancelled, _ := f.store.Snapshot(old.ID)
	assert.Equal(t, model.SlotStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReasonID)
	assert.Equal(t, 7, *cancelled.CancelReasonID, "reschedule reason")
}

func TestRescheduleRejectsNonReschedulable(t *testing.T) {
	f := newFixture(t, "production")
	provider := f.addProvider()
	patient := f.addPatient(true)

	pid := patient.ID
	old := &model.Slot{
		ProviderID:      &provider.ID,
		PatientID:       &pid,
		StartTime:       f.now.Add(48 * time.Hour).Truncate(time.Hour),
		DurationMinutes: 30,
		Status:          model.SlotStatusCancelled,
	}
	f.store.Seed(old)

	_, err := f.svc.Reschedule(context.Background(), RescheduleRequest{
		Actor:         model.Actor{Type: model.ActorPatient, ID: patient.ID},
		AppointmentID: old.ID,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrStateViolation, apperrors.Code(err))
}
