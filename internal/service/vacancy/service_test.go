package vacancy

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
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/ranking"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
)

type stubGateway struct{}

func (stubGateway) DefaultPaymentMethod(context.Context, uuid.UUID) (*model.PaymentMethod, error) {
	pm := &model.PaymentMethod{Kind: model.PaymentMethodSelfPay, Valid: true}
	pm.ID = uuid.New()
	return pm, nil
}

func (stubGateway) PatientPaymentMethod(context.Context, uuid.UUID, uuid.UUID) (*model.PaymentMethod, error) {
	return stubGateway{}.DefaultPaymentMethod(context.Background(), uuid.Nil)
}

func (stubGateway) RemainingVisits(context.Context, *model.PaymentMethod, uuid.UUID) (int, error) {
	return 10, nil
}

func (stubGateway) CreateTransaction(context.Context, uuid.UUID, uuid.UUID, int) error {
	return nil
}

func (stubGateway) VoidTransactionsByAppointment(context.Context, uuid.UUID) error {
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

func (m *stubMeetings) deletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
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
	providers *repositorytest.FakeProviders
	patients  *repositorytest.FakePatients
	meetings  *stubMeetings
	notifier  *stubNotifier
	base      string
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repositorytest.NewFakeSlots()
	providers := &repositorytest.FakeProviders{}
	patients := &repositorytest.FakePatients{}
	policies := &repositorytest.FakePolicies{Policies: map[uuid.UUID]*model.PayerPolicy{}}
	meetings := &stubMeetings{}
	notifier := &stubNotifier{}

	cfg := &config.Config{
		Environment: "production",
		Policy: config.PolicyConfig{
			HorizonDays:    90,
			MinLeadHours:   1,
			CapacityWindow: 30 * 24 * time.Hour,
		},
		Meeting: config.MeetingConfig{WaitingRoomBase: "https://visit.example.com/waiting"},
		Worker: config.WorkerConfig{
			TerminationWindowDays: 14,
			VacancyLookaheadFrom:  time.Hour,
			VacancyLookaheadTo:    2 * time.Hour,
			MaxInFlight:           4,
			PacePerSecond:         1000,
		},
	}

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	eligibilitySvc := eligibility.NewService(patients, providers, policies, store, stubGateway{}, cfg.Policy).WithClock(clock)
	rankingSvc := ranking.NewService(store, cfg.Policy).WithClock(clock)
	svc := NewService(store, providers, eligibilitySvc, rankingSvc, meetings, notifier, logger.NewLogger(nil), nil, cfg).WithClock(clock)

	return &fixture{
		svc:       svc,
		store:     store,
		providers: providers,
		patients:  patients,
		meetings:  meetings,
		notifier:  notifier,
		base:      cfg.Meeting.WaitingRoomBase,
		now:       now,
	}
}

func (f *fixture) addProvider(end *time.Time) *model.Provider {
	p := &model.Provider{
		EmploymentType: model.EmploymentW2,
		Active:         true,
		LicenseStatus:  model.LicenseActive,
		EmploymentEnd:  end,
		Email:          "doc@example.com",
	}
	p.ID = uuid.New()
	f.providers.Providers = append(f.providers.Providers, p)
	return p
}

func (f *fixture) addPatient() *model.Patient {
	p := &model.Patient{Timezone: "UTC", Email: "pat@example.com"}
	p.ID = uuid.New()
	f.patients.Patients = append(f.patients.Patients, p)
	return p
}

func (f *fixture) openRow(providerID uuid.UUID, start time.Time) *model.Slot {
	s := &model.Slot{ProviderID: &providerID, StartTime: start, DurationMinutes: 30}
	f.store.Seed(s)
	return s
}

// waitingSlot seeds a booked provider-less placeholder with its expected
// waiting-room link.
func (f *fixture) waitingSlot(patientID uuid.UUID, start time.Time, duration int) *model.Slot {
	s := &model.Slot{
		PatientID:       &patientID,
		StartTime:       start,
		DurationMinutes: duration,
		Status:          model.SlotStatusBooked,
	}
	s.ID = uuid.New()
	s.Meeting = model.NewWaitingRoomMeeting(meeting.WaitingRoomLink(f.base, s.ID))
	f.store.Seed(s)
	return s
}

func TestTransferToProviderConsumesFillerRows(t *testing.T) {
	f := newFixture(t)
	provider := f.addProvider(nil)
	patient := f.addPatient()

	start := f.now.Add(90 * time.Minute)
	vacant := f.waitingSlot(patient.ID, start, 30)
	filler := f.openRow(provider.ID, start)

	err := f.svc.TransferToProvider(context.Background(), vacant, provider)
	require.NoError(t, err)

	attached, ok := f.store.Snapshot(vacant.ID)
	require.True(t, ok)
	require.NotNil(t, attached.ProviderID)
	assert.Equal(t, provider.ID, *attached.ProviderID)
	assert.Equal(t, model.SlotStatusBooked, attached.Status)
	require.NotNil(t, attached.Meeting)
	assert.Equal(t, model.MeetingKindDynamicVideo, attached.Meeting.Kind)

	_, ok = f.store.Snapshot(filler.ID)
	assert.False(t, ok, "filler row is consumed")

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, notification.EventUpdated, f.notifier.events[0].Type)
}

func TestTransferToProviderWithoutCapacity(t *testing.T) {
	f := newFixture(t)
	provider := f.addProvider(nil)
	patient := f.addPatient()

	vacant := f.waitingSlot(patient.ID, f.now.Add(90*time.Minute), 30)

	err := f.svc.TransferToProvider(context.Background(), vacant, provider)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSlotNotAvailable, apperrors.Code(err))

	still, _ := f.store.Snapshot(vacant.ID)
	assert.Nil(t, still.ProviderID, "placeholder untouched")
	assert.Equal(t, []string{"ext-1"}, f.meetings.deletedIDs(), "provisioned meeting torn down")
}

func TestTransferToProviderRejectsNonVacant(t *testing.T) {
	f := newFixture(t)
	provider := f.addProvider(nil)
	patient := f.addPatient()

	pid, prid := patient.ID, provider.ID
	booked := &model.Slot{
		ProviderID:      &prid,
		PatientID:       &pid,
		StartTime:       f.now.Add(90 * time.Minute),
		DurationMinutes: 30,
		Status:          model.SlotStatusBooked,
	}
	f.store.Seed(booked)

	err := f.svc.TransferToProvider(context.Background(), booked, provider)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrStateViolation, apperrors.Code(err))
}

func TestAutoAssignOverbookedFillsVacancies(t *testing.T) {
	f := newFixture(t)
	provider := f.addProvider(nil)

	start := f.now.Add(time.Hour)
	first := f.waitingSlot(f.addPatient().ID, start, 30)
	second := f.waitingSlot(f.addPatient().ID, start.Add(30*time.Minute), 30)
	f.openRow(provider.ID, start)
	f.openRow(provider.ID, start.Add(30*time.Minute))

	report, err := f.svc.AutoAssignOverbooked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Assigned: 2}, report)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		s, _ := f.store.Snapshot(id)
		require.NotNil(t, s.ProviderID)
		assert.Equal(t, provider.ID, *s.ProviderID)
	}

	// Second sweep over the same data finds nothing to do.
	report, err = f.svc.AutoAssignOverbooked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestAutoAssignOverbookedUnableWithoutCapacity(t *testing.T) {
	f := newFixture(t)
	f.addProvider(nil) // no open rows

	vacant := f.waitingSlot(f.addPatient().ID, f.now.Add(90*time.Minute), 30)

	report, err := f.svc.AutoAssignOverbooked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Unable: 1}, report)

	still, _ := f.store.Snapshot(vacant.ID)
	assert.Nil(t, still.ProviderID)
}

// A terminating provider's future appointment moves to a replacement with
// open capacity; the superseded meeting is deleted.
func TestAutoAssignOverbookedDrainsTerminatingProvider(t *testing.T) {
	f := newFixture(t)
	end := f.now.AddDate(0, 0, 7)
	leaving := f.addProvider(&end)
	replacement := f.addProvider(nil)
	patient := f.addPatient()

	start := f.now.Add(48 * time.Hour).Truncate(time.Hour)
	pid := patient.ID
	appointment := &model.Slot{
		ProviderID:      &leaving.ID,
		PatientID:       &pid,
		StartTime:       start,
		DurationMinutes: 30,
		Status:          model.SlotStatusBooked,
		Meeting:         model.NewDynamicVideoMeeting("ext-old", "https://meet.example.com/ext-old", "", ""),
	}
	f.store.Seed(appointment)
	f.openRow(replacement.ID, start)

	report, err := f.svc.AutoAssignOverbooked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Assigned: 1}, report)

	moved, _ := f.store.Snapshot(appointment.ID)
	require.NotNil(t, moved.ProviderID)
	assert.Equal(t, replacement.ID, *moved.ProviderID)
	assert.Equal(t, model.SlotStatusBooked, moved.Status)
	assert.Contains(t, f.meetings.deletedIDs(), "ext-old")
}

// With nobody able to absorb the appointment it is demoted to a waiting
// placeholder: still booked, no provider, fresh waiting-room link.
func TestAutoAssignOverbookedDemotesWhenNoReplacement(t *testing.T) {
	f := newFixture(t)
	end := f.now.AddDate(0, 0, 7)
	leaving := f.addProvider(&end)
	patient := f.addPatient()

	start := f.now.Add(72 * time.Hour).Truncate(time.Hour)
	pid := patient.ID
	appointment := &model.Slot{
		ProviderID:      &leaving.ID,
		PatientID:       &pid,
		StartTime:       start,
		DurationMinutes: 30,
		Status:          model.SlotStatusBooked,
		Meeting:         model.NewDynamicVideoMeeting("ext-old", "https://meet.example.com/ext-old", "", ""),
	}
	f.store.Seed(appointment)

	report, err := f.svc.AutoAssignOverbooked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Unable: 1}, report)

	demoted, _ := f.store.Snapshot(appointment.ID)
	assert.Nil(t, demoted.ProviderID)
	assert.Equal(t, model.SlotStatusBooked, demoted.Status)
	require.NotNil(t, demoted.Meeting)
	assert.Equal(t, model.MeetingKindWaitingRoom, demoted.Meeting.Kind)
	assert.Equal(t, meeting.WaitingRoomLink(f.base, appointment.ID), demoted.Meeting.WaitingRoom.Link)
	assert.Contains(t, f.meetings.deletedIDs(), "ext-old")
}

func TestRemapWaitingLinks(t *testing.T) {
	f := newFixture(t)

	start := f.now.Add(2 * time.Hour)
	current := f.waitingSlot(f.addPatient().ID, start, 30)

	stale := f.waitingSlot(f.addPatient().ID, start.Add(time.Hour), 30)
	stale.Meeting = model.NewWaitingRoomMeeting("https://old.example.com/waiting/" + stale.ID.String())
	f.store.Seed(stale)

	report, err := f.svc.RemapWaitingLinks(context.Background(), f.now, f.now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, RemapReport{Success: 1}, report)

	repaired, _ := f.store.Snapshot(stale.ID)
	assert.Equal(t, meeting.WaitingRoomLink(f.base, stale.ID), repaired.Meeting.WaitingRoom.Link)

	untouched, _ := f.store.Snapshot(current.ID)
	assert.Equal(t, meeting.WaitingRoomLink(f.base, current.ID), untouched.Meeting.WaitingRoom.Link)
}

func TestProvidersForVacantExcludesBusyProviders(t *testing.T) {
	f := newFixture(t)
	free := f.addProvider(nil)
	f.addProvider(nil) // no open rows at the time
	patient := f.addPatient()

	start := f.now.Add(90 * time.Minute)
	vacant := f.waitingSlot(patient.ID, start, 30)
	f.openRow(free.ID, start)

	candidates, err := f.svc.ProvidersForVacant(context.Background(), vacant)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, free.ID, candidates[0].Provider.ID)
}
