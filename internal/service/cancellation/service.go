package cancellation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/payment"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
	"github.com/jwalitptl/scheduling-api/pkg/metrics"
)

const bulkCancelInFlight = 40

// Service coordinates the cancellation transition: permission checks
// before any mutation, a conditional UPDATE into cancelled, side effects
// in the same unit of work, and best-effort cleanup afterwards.
type Service struct {
	slots    repository.SlotRepository
	payments payment.Gateway
	meetings meeting.Provider
	notifier notification.Service
	logger   *logger.Logger
	metrics  *metrics.Metrics
	cfg      *config.Config
	now      func() time.Time
}

func NewService(
	slots repository.SlotRepository,
	payments payment.Gateway,
	meetings meeting.Provider,
	notifier notification.Service,
	log *logger.Logger,
	m *metrics.Metrics,
	cfg *config.Config,
) *Service {
	return &Service{
		slots:    slots,
		payments: payments,
		meetings: meetings,
		notifier: notifier,
		logger:   log,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock substitutes the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CancelRequest struct {
	Actor         model.Actor
	AppointmentID uuid.UUID
	ReasonKey     string
}

// Validate applies the permission matrix and reason policy without
// mutating anything. It returns the effective reason, which may differ
// from the requested one: a patient cancelling inside the last-minute
// window is reclassified regardless of the reason supplied.
func (s *Service) Validate(actor model.Actor, slot *model.Slot, reasonKey string) (model.CancelReason, error) {
	reason, ok := model.LookupCancelReason(reasonKey)
	if !ok {
		return model.CancelReason{}, apperrors.Argument("unknown cancel reason: " + reasonKey)
	}

	now := s.now()
	if reason.NoShow && slot.StartTime.After(now) {
		return model.CancelReason{}, apperrors.StateViolation("cannot mark a future appointment as no-show")
	}

	switch actor.Type {
	case model.ActorPatient:
		if slot.PatientID == nil || *slot.PatientID != actor.ID {
			return model.CancelReason{}, apperrors.Forbidden("patients may only cancel their own appointments")
		}
		if slot.Status != model.SlotStatusBooked {
			return model.CancelReason{}, apperrors.StateViolation("appointment is not cancellable in its current state")
		}
		if !slot.StartTime.After(now) {
			return model.CancelReason{}, apperrors.StateViolation("appointment has already started")
		}
		if slot.StartTime.Sub(now) < s.cfg.Policy.LastMinuteWindow {
			reason, _ = model.LookupCancelReason(model.CancelReasonLastMinute)
		}
	case model.ActorProvider:
		if slot.ProviderID == nil || *slot.ProviderID != actor.ID {
			return model.CancelReason{}, apperrors.Forbidden("providers may only cancel their own appointments")
		}
		if !slot.Status.Active() {
			return model.CancelReason{}, apperrors.StateViolation("appointment is not cancellable in its current state")
		}
	case model.ActorEmployee:
		if !slot.Status.Active() && !slot.ResponseRequired {
			return model.CancelReason{}, apperrors.StateViolation("appointment is not cancellable in its current state")
		}
	default:
		return model.CancelReason{}, apperrors.Forbidden("unknown actor type")
	}

	return reason, nil
}

// allowedFromStatuses is the compare-and-swap precondition per actor:
// patients transition only from booked, staff additionally from intake.
func allowedFromStatuses(actor model.Actor) []model.SlotStatus {
	if actor.Type == model.ActorPatient {
		return []model.SlotStatus{model.SlotStatusBooked}
	}
	return []model.SlotStatus{model.SlotStatusBooked, model.SlotStatusIntake}
}

func (s *Service) Cancel(ctx context.Context, req CancelRequest) error {
	slot, err := s.slots.Get(ctx, req.AppointmentID)
	if err != nil {
		return apperrors.NotFound("appointment", err)
	}

	reason, err := s.Validate(req.Actor, slot, req.ReasonKey)
	if err != nil {
		return err
	}

	err = s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
		rows, err := tx.CancelSlot(ctx, slot.ID, repository.CancelUpdate{
			ReasonID:    reason.ID,
			CancelledBy: req.Actor.ID,
			CancelledAt: s.now(),
			FromStatus:  allowedFromStatuses(req.Actor),
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return apperrors.StateViolation("appointment is no longer cancellable")
		}

		if err := tx.SoftDeleteEncounter(ctx, slot.ID); err != nil {
			return err
		}
		if err := s.payments.VoidTransactionsByAppointment(ctx, slot.ID); err != nil {
			return err
		}

		if reason.SlotAvailable && slot.ProviderID != nil {
			regen := make([]*model.Slot, 0, slot.DurationMinutes/model.SlotMinutes)
			for i := 0; i < slot.DurationMinutes/model.SlotMinutes; i++ {
				regen = append(regen, &model.Slot{
					ProviderID:      slot.ProviderID,
					DepartmentID:    slot.DepartmentID,
					StartTime:       slot.StartTime.Add(time.Duration(i*model.SlotMinutes) * time.Minute),
					DurationMinutes: model.SlotMinutes,
					VisitType:       slot.VisitType,
				})
			}
			if err := tx.InsertOpen(ctx, regen); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.afterCancel(ctx, slot, reason)
	if s.metrics != nil {
		s.metrics.CancellationsTotal.WithLabelValues(reason.Key).Inc()
	}
	return nil
}

// afterCancel runs the best-effort side effects outside the transaction:
// external meeting teardown, the no-show lead record, and the
// cancellation event. Failures here are logged, never surfaced.
func (s *Service) afterCancel(ctx context.Context, slot *model.Slot, reason model.CancelReason) {
	if slot.Meeting != nil && slot.Meeting.Kind == model.MeetingKindDynamicVideo {
		if _, err := s.meetings.DeleteMeeting(ctx, slot.Meeting.DynamicVideo.ExternalID); err != nil {
			s.logger.Error(err, "failed to delete meeting after cancellation", "appointment_id", slot.ID)
		}
	}

	if reason.NoShow && slot.PatientID != nil {
		if err := s.slots.InsertNoShowLead(ctx, *slot.PatientID, slot.ID); err != nil {
			s.logger.Error(err, "failed to record no-show lead", "appointment_id", slot.ID)
		}
	}

	s.notifier.SendEvent(ctx, "", notification.Event{
		Type:          notification.EventCancelled,
		AppointmentID: slot.ID,
		PatientID:     slot.PatientID,
		ProviderID:    slot.ProviderID,
		StartTime:     slot.StartTime,
	})
}

// ItemError is one failed entry of a bulk cancellation.
type ItemError struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Err           string    `json:"error"`
}

// BulkCancel processes the ids with bounded concurrency and pacing so one
// failing item never aborts the batch. Pacing respects the external
// meeting and messaging providers' rate limits.
func (s *Service) BulkCancel(ctx context.Context, actor model.Actor, appointmentIDs []uuid.UUID, reasonKey string) []ItemError {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Worker.PacePerSecond), 1)
	sem := make(chan struct{}, bulkCancelInFlight)

	var mu sync.Mutex
	var failures []ItemError
	var wg sync.WaitGroup

	for _, id := range appointmentIDs {
		if err := limiter.Wait(ctx); err != nil {
			mu.Lock()
			failures = append(failures, ItemError{AppointmentID: id, Err: err.Error()})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.Cancel(ctx, CancelRequest{Actor: actor, AppointmentID: id, ReasonKey: reasonKey}); err != nil {
				mu.Lock()
				failures = append(failures, ItemError{AppointmentID: id, Err: err.Error()})
				mu.Unlock()
			}
		}(id)
	}

	wg.Wait()
	return failures
}
