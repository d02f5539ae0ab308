package cancellation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository/repositorytest"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
)

type stubGateway struct {
	mu     sync.Mutex
	voided []uuid.UUID
}

func (g *stubGateway) DefaultPaymentMethod(context.Context, uuid.UUID) (*model.PaymentMethod, error) {
	return &model.PaymentMethod{Kind: model.PaymentMethodSelfPay, Valid: true}, nil
}

func (g *stubGateway) PatientPaymentMethod(context.Context, uuid.UUID, uuid.UUID) (*model.PaymentMethod, error) {
	return &model.PaymentMethod{Kind: model.PaymentMethodSelfPay, Valid: true}, nil
}

func (g *stubGateway) RemainingVisits(context.Context, *model.PaymentMethod, uuid.UUID) (int, error) {
	return 10, nil
}

func (g *stubGateway) CreateTransaction(context.Context, uuid.UUID, uuid.UUID, int) error {
	return nil
}

func (g *stubGateway) VoidTransactionsByAppointment(_ context.Context, id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voided = append(g.voided, id)
	return nil
}

type stubMeetings struct {
	mu      sync.Mutex
	deleted []string
}

func (m *stubMeetings) CreateMeeting(context.Context, string, uuid.UUID, uuid.UUID, time.Time, time.Duration) (*meeting.Meeting, error) {
	return &meeting.Meeting{ExternalID: "ext-1", JoinURL: "https://meet.example.com/ext-1"}, nil
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
	svc      *Service
	store    *repositorytest.FakeSlots
	gateway  *stubGateway
	meetings *stubMeetings
	notifier *stubNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositorytest.NewFakeSlots()
	gateway := &stubGateway{}
	meetings := &stubMeetings{}
	notifier := &stubNotifier{}
	cfg := &config.Config{
		Policy: config.PolicyConfig{LastMinuteWindow: 4 * time.Hour},
		Worker: config.WorkerConfig{PacePerSecond: 1000},
	}

	svc := NewService(store, gateway, meetings, notifier, logger.NewLogger(nil), nil, cfg)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	return &fixture{svc: svc, store: store, gateway: gateway, meetings: meetings, notifier: notifier, now: now}
}

func bookedSlot(patientID, providerID uuid.UUID, start time.Time, duration int) *model.Slot {
	s := &model.Slot{
		ProviderID:      &providerID,
		PatientID:       &patientID,
		StartTime:       start,
		DurationMinutes: duration,
		Status:          model.SlotStatusBooked,
		Meeting:         model.NewDynamicVideoMeeting("ext-1", "https://meet.example.com/ext-1", "", ""),
	}
	s.ID = uuid.New()
	return s
}

func TestCancelRegeneratesOpenSlots(t *testing.T) {
	f := newFixture(t)
	patientID, providerID := uuid.New(), uuid.New()
	slot := bookedSlot(patientID, providerID, f.now.Add(48*time.Hour), 60)
	f.store.Seed(slot)

	err := f.svc.Cancel(context.Background(), CancelRequest{
		Actor:         model.Actor{Type: model.ActorPatient, ID: patientID},
		AppointmentID: slot.ID,
		ReasonKey:     model.CancelReasonPatientRequest,
	})
	require.NoError(t, err)

	cancelled, _ := f.store.Snapshot(slot.ID)
	assert.Equal(t, model.SlotStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReasonID)
	assert.Equal(t, 1, *cancelled.CancelReasonID)

	// A 60-minute cancellation regenerates two 30-minute open rows.
	var regenerated []*model.Slot
	for _, s := range f.store.All() {
		if s.Status == model.SlotStatusOpen {
			regenerated = append(regenerated, s)
		}
	}
	require.Len(t, regenerated, 2)
	assert.Equal(t, slot.StartTime, regenerated[0].StartTime)
	assert.Equal(t, slot.StartTime.Add(30*time.Minute), regenerated[1].StartTime)

	assert.Equal(t, []uuid.UUID{slot.ID}, f.gateway.voided)
	assert.Equal(t, []uuid.UUID{slot.ID}, f.store.DeletedEnc)
	assert.Equal(t, []string{"ext-1"}, f.meetings.deleted)
}

// Inside the last-minute window the patient's reason is reclassified and
// the calendar is not reopened.
func TestCancelLastMinuteReclassification(t *testing.T) {
	f := newFixture(t)
	patientID, providerID := uuid.New(), uuid.New()
	slot := bookedSlot(patientID, providerID, f.now.Add(2*time.Hour), 30)
	f.store.Seed(slot)

	err := f.svc.Cancel(context.Background(), CancelRequest{
		Actor:         model.Actor{Type: model.ActorPatient, ID: patientID},
		AppointmentID: slot.ID,
		ReasonKey:     model.CancelReasonPatientRequest,
	})
	require.NoError(t, err)

	cancelled, _ := f.store.Snapshot(slot.ID)
	require.NotNil(t, cancelled.CancelReasonID)
	assert.Equal(t, 2, *cancelled.CancelReasonID, "reclassified to last_minute")

	for _, s := range f.store.All() {
		assert.NotEqual(t, model.SlotStatusOpen, s.Status, "no slot regenerated")
	}
}

func TestCancelPermissionMatrix(t *testing.T) {
	f := newFixture(t)
	patientID, providerID := uuid.New(), uuid.New()
	future := f.now.Add(48 * time.Hour)

	cases := []struct {
		name   string
		actor  model.Actor
		slot   *model.Slot
		reason string
		code   apperrors.ErrorCode
	}{
		{
			name:   "patient cannot cancel another patient's appointment",
			actor:  model.Actor{Type: model.ActorPatient, ID: uuid.New()},
			slot:   bookedSlot(patientID, providerID, future, 30),
			reason: model.CancelReasonPatientRequest,
			code:   apperrors.ErrForbidden,
		},
		{
			name:   "patient cannot cancel a started appointment",
			actor:  model.Actor{Type: model.ActorPatient, ID: patientID},
			slot:   bookedSlot(patientID, providerID, f.now.Add(-time.Hour), 30),
			reason: model.CancelReasonPatientRequest,
			code:   apperrors.ErrStateViolation,
		},
		{
			name:   "provider cannot cancel another provider's appointment",
			actor:  model.Actor{Type: model.ActorProvider, ID: uuid.New()},
			slot:   bookedSlot(patientID, providerID, future, 30),
			reason: model.CancelReasonProviderUnavailable,
			code:   apperrors.ErrForbidden,
		},
		{
			name:   "no-show requires the appointment to have started",
			actor:  model.Actor{Type: model.ActorEmployee, ID: uuid.New()},
			slot:   bookedSlot(patientID, providerID, future, 30),
			reason: model.CancelReasonNoShow,
			code:   apperrors.ErrStateViolation,
		},
		{
			name:   "unknown reason",
			actor:  model.Actor{Type: model.ActorEmployee, ID: uuid.New()},
			slot:   bookedSlot(patientID, providerID, future, 30),
			reason: "bogus",
			code:   apperrors.ErrArgument,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Validate(tc.actor, tc.slot, tc.reason)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperrors.Code(err))
		})
	}
}

func TestCancelNoShowRecordsLead(t *testing.T) {
	f := newFixture(t)
	patientID, providerID := uuid.New(), uuid.New()
	slot := bookedSlot(patientID, providerID, f.now.Add(-2*time.Hour), 30)
	f.store.Seed(slot)

	err := f.svc.Cancel(context.Background(), CancelRequest{
		Actor:         model.Actor{Type: model.ActorEmployee, ID: uuid.New()},
		AppointmentID: slot.ID,
		ReasonKey:     model.CancelReasonNoShow,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{slot.ID}, f.store.NoShowLeads)
}

func TestCancelLosesRaceToConcurrentTransition(t *testing.T) {
	f := newFixture(t)
	patientID, providerID := uuid.New(), uuid.New()
	slot := bookedSlot(patientID, providerID, f.now.Add(48*time.Hour), 30)
	slot.Status = model.SlotStatusCancelled
	f.store.Seed(slot)

	err := f.svc.Cancel(context.Background(), CancelRequest{
		Actor:         model.Actor{Type: model.ActorEmployee, ID: uuid.New()},
		AppointmentID: slot.ID,
		ReasonKey:     model.CancelReasonAdmin,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrStateViolation, apperrors.Code(err))
}

func TestBulkCancelReportsPerItemFailures(t *testing.T) {
	f := newFixture(t)
	patientID, providerID := uuid.New(), uuid.New()

	good := bookedSlot(patientID, providerID, f.now.Add(48*time.Hour), 30)
	f.store.Seed(good)
	missing := uuid.New()

	failures := f.svc.BulkCancel(context.Background(),
		model.Actor{Type: model.ActorEmployee, ID: uuid.New()},
		[]uuid.UUID{good.ID, missing},
		model.CancelReasonAdmin,
	)

	require.Len(t, failures, 1)
	assert.Equal(t, missing, failures[0].AppointmentID)

	cancelled, _ := f.store.Snapshot(good.ID)
	assert.Equal(t, model.SlotStatusCancelled, cancelled.Status)
}
