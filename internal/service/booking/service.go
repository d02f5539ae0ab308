package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	"github.com/jwalitptl/scheduling-api/internal/service/availability"
	"github.com/jwalitptl/scheduling-api/internal/service/cancellation"
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/payment"
	"github.com/jwalitptl/scheduling-api/internal/service/ranking"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
	"github.com/jwalitptl/scheduling-api/pkg/metrics"
)

const (
	SourceBooking    = "booking"
	SourceReschedule = "reschedule"
	SourceSwap       = "swap"
)

// Service is the booking transaction manager. Claims are compare-and-swap
// conditional updates inside one serializable transaction; the loser of a
// race observes zero affected rows or an already-claimed overlap, never a
// silent double booking.
type Service struct {
	slots        repository.SlotRepository
	eligibility  *eligibility.Service
	availability *availability.Service
	ranking      *ranking.Service
	cancellation *cancellation.Service
	payments     payment.Gateway
	meetings     meeting.Provider
	notifier     notification.Service
	logger       *logger.Logger
	metrics      *metrics.Metrics
	cfg          *config.Config
	now          func() time.Time
}

func NewService(
	slots repository.SlotRepository,
	elig *eligibility.Service,
	avail *availability.Service,
	rank *ranking.Service,
	cancel *cancellation.Service,
	payments payment.Gateway,
	meetings meeting.Provider,
	notifier notification.Service,
	log *logger.Logger,
	m *metrics.Metrics,
	cfg *config.Config,
) *Service {
	return &Service{
		slots:        slots,
		eligibility:  elig,
		availability: avail,
		ranking:      rank,
		cancellation: cancel,
		payments:     payments,
		meetings:     meetings,
		notifier:     notifier,
		logger:       log,
		metrics:      m,
		cfg:          cfg,
		now:          time.Now,
	}
}

// WithClock substitutes the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BookRequest books either explicit physical rows (AppointmentIDs) or a
// synthetic buffered-mode offer (negative SyntheticID plus StartTime).
// CancelAppointment composes a reschedule: the old appointment's
// cancellation runs inside the same transaction as the new claim.
type BookRequest struct {
	Actor             model.Actor
	PatientID         uuid.UUID
	PaymentMethodID   *uuid.UUID
	AppointmentIDs    []uuid.UUID
	SyntheticID       int64
	StartTime         time.Time
	DurationMinutes   int
	ProviderIDs       []uuid.UUID
	CancelAppointment *model.Slot
	Source            string
}

// Book dispatches on the id shape: negative synthetic ids book by time,
// physical ids book by row.
func (s *Service) Book(ctx context.Context, req BookRequest) (*model.Slot, error) {
	if req.Source == "" {
		req.Source = SourceBooking
	}
	if req.SyntheticID < 0 {
		return s.bookByTime(ctx, req)
	}
	return s.bookByIDs(ctx, req)
}

func (s *Service) bookByIDs(ctx context.Context, req BookRequest) (*model.Slot, error) {
	if len(req.AppointmentIDs) == 0 {
		return nil, apperrors.Argument("at least one appointment id is required")
	}

	slots, err := s.slots.GetMany(ctx, req.AppointmentIDs)
	if err != nil || len(slots) != len(req.AppointmentIDs) {
		return nil, apperrors.NotFound("appointment slot", err)
	}

	primary := slots[0]
	if primary.ProviderID == nil {
		return nil, apperrors.StateViolation("slot has no provider")
	}
	providerID := *primary.ProviderID

	duration := 0
	for _, slot := range slots {
		if slot.ProviderID == nil || *slot.ProviderID != providerID {
			return nil, apperrors.Argument("all slots must belong to one provider")
		}
		if !slot.Bookable() {
			return nil, apperrors.StateViolation("slot is not open for booking")
		}
		duration += slot.DurationMinutes
	}
	if req.DurationMinutes != 0 && req.DurationMinutes != duration {
		return nil, apperrors.Argument("requested duration does not match the selected slots")
	}
	if err := validateSlotTime(primary.StartTime, duration); err != nil {
		return nil, err
	}

	params, err := s.eligibility.BuildParams(ctx, eligibility.BuildParamsInput{
		PatientID:       req.PatientID,
		PaymentMethodID: req.PaymentMethodID,
		ProviderIDs:     []uuid.UUID{providerID},
		NoLeadTime:      req.Actor.IsProviderSelf(&providerID),
		RescheduleFrom:  req.CancelAppointment,
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkBookable(ctx, params, providerID, primary.StartTime, duration); err != nil {
		return nil, err
	}

	provider := params.Providers[providerID]
	m, err := s.meetings.CreateMeeting(ctx, provider.Email, params.Patient.ID, primary.ID, primary.StartTime, time.Duration(duration)*time.Minute)
	if err != nil {
		return nil, apperrors.Service("failed to provision meeting", err)
	}
	meetingInfo := model.NewDynamicVideoMeeting(m.ExternalID, m.JoinURL, m.ShortURL, m.DialInPhone)

	start := s.metricsTimer()
	err = s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
		if err := s.claimWithin(ctx, tx, primary, providerID, duration, params, meetingInfo, req); err != nil {
			return err
		}
		return s.cancelOldWithin(ctx, tx, req)
	})
	s.observeBooking(start, err)
	if err != nil {
		s.cleanupMeeting(ctx, m.ExternalID)
		return nil, err
	}

	booked := *primary
	booked.Status = model.SlotStatusBooked
	booked.PatientID = &params.Patient.ID
	booked.PaymentMethodID = &params.PaymentMethod.ID
	booked.DurationMinutes = duration
	booked.Meeting = meetingInfo

	s.afterBooking(ctx, &booked, params, req.Source, m.JoinURL)
	return &booked, nil
}

// claimWithin performs the primary compare-and-swap and the overlap
// resolution: any non-open overlapping row is a genuine CONFLICT; too few
// open overlapping rows to cover the duration is a STATE_VIOLATION; the
// surviving open overlap rows are frozen so nobody claims them
// independently.
func (s *Service) claimWithin(ctx context.Context, tx repository.SlotTx, primary *model.Slot, providerID uuid.UUID, duration int, params *model.SchedulingParams, meetingInfo *model.Meeting, req BookRequest) error {
	rows, err := tx.ClaimOpenSlot(ctx, primary.ID, repository.SlotClaim{
		PatientID:       params.Patient.ID,
		PaymentMethodID: &params.PaymentMethod.ID,
		VisitType:       params.VisitType,
		Meeting:         meetingInfo,
		DurationMinutes: duration,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.StateViolation("slot was claimed by a concurrent booking")
	}

	end := primary.StartTime.Add(time.Duration(duration) * time.Minute)
	overlapping, err := tx.ListOverlapping(ctx, providerID, primary.StartTime, end)
	if err != nil {
		return err
	}

	var freeze []uuid.UUID
	for _, slot := range overlapping {
		if slot.ID == primary.ID {
			continue
		}
		if slot.Status != model.SlotStatusOpen {
			return apperrors.Conflict("an overlapping appointment already exists")
		}
		freeze = append(freeze, slot.ID)
	}

	required := duration/model.SlotMinutes - 1
	if len(freeze) < required {
		return apperrors.StateViolation("not enough contiguous capacity for the requested duration")
	}
	if len(freeze) > 0 {
		frozen, err := tx.Freeze(ctx, freeze)
		if err != nil {
			return err
		}
		if frozen != int64(len(freeze)) {
			return apperrors.StateViolation("supplemental slot was claimed by a concurrent booking")
		}
	}
	return nil
}

// cancelOldWithin executes the reschedule side instruction inside the
// booking transaction so both transitions commit or abort together.
func (s *Service) cancelOldWithin(ctx context.Context, tx repository.SlotTx, req BookRequest) error {
	if req.CancelAppointment == nil {
		return nil
	}
	reason, _ := model.LookupCancelReason(model.CancelReasonReschedule)
	rows, err := tx.CancelSlot(ctx, req.CancelAppointment.ID, repository.CancelUpdate{
		ReasonID:    reason.ID,
		CancelledBy: req.Actor.ID,
		CancelledAt: s.now(),
		FromStatus:  []model.SlotStatus{model.SlotStatusBooked, model.SlotStatusIntake},
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.StateViolation("appointment is no longer reschedulable")
	}
	return nil
}

func (s *Service) bookByTime(ctx context.Context, req BookRequest) (*model.Slot, error) {
	if err := validateSlotTime(req.StartTime, req.DurationMinutes); err != nil {
		return nil, err
	}

	params, err := s.eligibility.BuildParams(ctx, eligibility.BuildParamsInput{
		PatientID:       req.PatientID,
		PaymentMethodID: req.PaymentMethodID,
		ProviderIDs:     req.ProviderIDs,
		RescheduleFrom:  req.CancelAppointment,
	})
	if err != nil {
		return nil, err
	}
	// The ranked path re-checks the policy inside bookByIDs, but the
	// buffered placeholder fallback inserts directly, so the duration has
	// to be policed here too.
	if !params.DurationPolicy.Allows(req.DurationMinutes) {
		return nil, apperrors.Argument("requested duration is not allowed for this payer")
	}
	if err := s.checkCoverage(ctx, params); err != nil {
		return nil, err
	}
	if err := s.checkTime(params, req.StartTime); err != nil {
		return nil, err
	}

	candidates, err := s.ranking.RankProviders(ctx, params, req.StartTime, req.DurationMinutes, ranking.SeedFromIdentity(req.Actor.Identifier))
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		ids := make([]uuid.UUID, len(candidate.Slots))
		for i, slot := range candidate.Slots {
			ids[i] = slot.ID
		}
		booked, err := s.bookByIDs(ctx, BookRequest{
			Actor:             req.Actor,
			PatientID:         req.PatientID,
			PaymentMethodID:   req.PaymentMethodID,
			AppointmentIDs:    ids,
			DurationMinutes:   req.DurationMinutes,
			CancelAppointment: req.CancelAppointment,
			Source:            req.Source,
		})
		if err == nil {
			return booked, nil
		}
		// A lost race against another claim moves on to the next ranked
		// provider; anything else is the caller's problem.
		if apperrors.Is(err, apperrors.ErrStateViolation) || apperrors.Is(err, apperrors.ErrConflict) {
			continue
		}
		return nil, err
	}

	// No ranked slot survived. Re-check the buffered availability with the
	// overbooking buffer before giving up; success books a provider-less
	// waiting placeholder for the vacancy engine to fill.
	available, err := s.availability.CheckBuffered(ctx, params, req.StartTime, req.DurationMinutes, true)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, apperrors.SlotNotAvailable("no capacity at the requested time")
	}
	return s.bookWaitingPlaceholder(ctx, req, params)
}

func (s *Service) bookWaitingPlaceholder(ctx context.Context, req BookRequest, params *model.SchedulingParams) (*model.Slot, error) {
	placeholder := &model.Slot{
		PatientID:       &params.Patient.ID,
		DepartmentID:    params.Patient.DepartmentID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          model.SlotStatusBooked,
		PaymentMethodID: &params.PaymentMethod.ID,
		VisitType:       params.VisitType,
	}
	placeholder.ID = uuid.New()
	placeholder.Meeting = model.NewWaitingRoomMeeting(meeting.WaitingRoomLink(s.cfg.Meeting.WaitingRoomBase, placeholder.ID))

	err := s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
		if err := tx.InsertBooked(ctx, placeholder); err != nil {
			return err
		}
		return s.cancelOldWithin(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}

	s.afterBooking(ctx, placeholder, params, req.Source, placeholder.Meeting.WaitingRoom.Link)
	return placeholder, nil
}

type RescheduleRequest struct {
	Actor           model.Actor
	AppointmentID   uuid.UUID
	PaymentMethodID *uuid.UUID
	AppointmentIDs  []uuid.UUID
	SyntheticID     int64
	StartTime       time.Time
	DurationMinutes int
}

// Reschedule composes cancel-old and book-new into one logical operation.
// The old appointment's cancellation is validated up front and executed
// inside the new booking's transaction. A provider moving their own
// patient is labelled a swap for downstream notification wording.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*model.Slot, error) {
	old, err := s.slots.Get(ctx, req.AppointmentID)
	if err != nil {
		return nil, apperrors.NotFound("appointment", err)
	}
	if old.PatientID == nil {
		return nil, apperrors.StateViolation("appointment has no patient")
	}
	if _, err := s.cancellation.Validate(req.Actor, old, model.CancelReasonReschedule); err != nil {
		return nil, err
	}

	source := SourceReschedule
	if req.Actor.Type == model.ActorProvider {
		source = SourceSwap
	}

	return s.Book(ctx, BookRequest{
		Actor:             req.Actor,
		PatientID:         *old.PatientID,
		PaymentMethodID:   req.PaymentMethodID,
		AppointmentIDs:    req.AppointmentIDs,
		SyntheticID:       req.SyntheticID,
		StartTime:         req.StartTime,
		DurationMinutes:   req.DurationMinutes,
		CancelAppointment: old,
		Source:            source,
	})
}

// checkBookable verifies eligibility, coverage, and the time predicate for
// a provider-scoped booking.
func (s *Service) checkBookable(ctx context.Context, params *model.SchedulingParams, providerID uuid.UUID, start time.Time, duration int) error {
	if !params.EligibleProvider(providerID) {
		return apperrors.Forbidden("provider is not eligible for this patient")
	}
	if !params.DurationPolicy.Allows(duration) {
		return apperrors.Argument("requested duration is not allowed for this payer")
	}
	if err := s.checkCoverage(ctx, params); err != nil {
		return err
	}
	return s.checkTime(params, start)
}

func (s *Service) checkCoverage(ctx context.Context, params *model.SchedulingParams) error {
	remaining, err := s.payments.RemainingVisits(ctx, params.PaymentMethod, params.Patient.ID)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return apperrors.PaymentLimitReached("payment method has no remaining covered visits")
	}
	return nil
}

// checkTime maps each predicate failure to its own error kind: range
// violations and week exclusions surface as out-of-range, month caps as
// visit frequency.
func (s *Service) checkTime(params *model.SchedulingParams, start time.Time) error {
	if start.Before(params.From) || start.After(params.To) {
		return apperrors.SlotOutsideBookableRange("requested time is outside the bookable range")
	}
	if _, ok := params.ExcludedMonths[params.MonthKey(start)]; ok {
		return apperrors.VisitFrequencyReached("visit frequency limit reached for this month")
	}
	if _, ok := params.ExcludedDates[params.DateKey(start)]; ok {
		return apperrors.SlotOutsideBookableRange("requested date is not bookable for this patient")
	}
	return nil
}

func validateSlotTime(start time.Time, duration int) error {
	if !model.AlignedToSlot(start) {
		return apperrors.Argument("start time must align to a 30-minute boundary")
	}
	if duration != 30 && duration != 60 {
		return apperrors.Argument("duration must be 30 or 60 minutes")
	}
	if duration == 60 && !model.TopOfHour(start) {
		return apperrors.StateViolation("60-minute visits must start on the hour")
	}
	return nil
}

// afterBooking runs the fire-and-forget side effects: the payment
// transaction record and the booked event. Failures are logged, never
// propagated as a booking failure.
func (s *Service) afterBooking(ctx context.Context, booked *model.Slot, params *model.SchedulingParams, source, joinURL string) {
	if err := s.payments.CreateTransaction(ctx, booked.ID, params.PaymentMethod.ID, 0); err != nil {
		s.logger.Error(err, "failed to record payment transaction", "appointment_id", booked.ID)
	}

	s.notifier.SendEvent(ctx, params.Patient.Email, notification.Event{
		Type:          notification.EventBooked,
		AppointmentID: booked.ID,
		PatientID:     booked.PatientID,
		ProviderID:    booked.ProviderID,
		StartTime:     booked.StartTime,
		Source:        source,
		JoinURL:       joinURL,
	})

	if s.metrics != nil {
		s.metrics.BookingsTotal.WithLabelValues("success").Inc()
	}
}

func (s *Service) cleanupMeeting(ctx context.Context, externalID string) {
	if _, err := s.meetings.DeleteMeeting(ctx, externalID); err != nil {
		s.logger.Error(err, "failed to clean up meeting after aborted booking", "external_id", externalID)
	}
	if s.metrics != nil {
		s.metrics.BookingConflicts.Inc()
	}
}

func (s *Service) metricsTimer() time.Time {
	return time.Now()
}

func (s *Service) observeBooking(start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.BookingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.BookingsTotal.WithLabelValues("failed").Inc()
	}
}
