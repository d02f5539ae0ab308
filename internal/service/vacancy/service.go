package vacancy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
	"github.com/jwalitptl/scheduling-api/internal/service/notification"
	"github.com/jwalitptl/scheduling-api/internal/service/ranking"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/meeting"
	"github.com/jwalitptl/scheduling-api/pkg/metrics"
)

// Service is the reassignment engine behind overbooking. Placeholder
// bookings carry a patient but no provider; the sweep attaches real
// providers to them before the visit starts, and drains the calendars of
// providers whose employment is ending.
type Service struct {
	slots       repository.SlotRepository
	providers   repository.ProviderRepository
	eligibility *eligibility.Service
	ranking     *ranking.Service
	meetings    meeting.Provider
	notifier    notification.Service
	logger      *logger.Logger
	metrics     *metrics.Metrics
	cfg         *config.Config
	now         func() time.Time
}

func NewService(
	slots repository.SlotRepository,
	providers repository.ProviderRepository,
	elig *eligibility.Service,
	rank *ranking.Service,
	meetings meeting.Provider,
	notifier notification.Service,
	log *logger.Logger,
	m *metrics.Metrics,
	cfg *config.Config,
) *Service {
	return &Service{
		slots:       slots,
		providers:   providers,
		eligibility: elig,
		ranking:     rank,
		meetings:    meetings,
		notifier:    notifier,
		logger:      log,
		metrics:     m,
		cfg:         cfg,
		now:         time.Now,
	}
}

// WithClock substitutes the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SweepReport summarizes one reassignment pass. A re-run over the same
// data produces zeroes: every transition is a conditional update that
// only fires once.
type SweepReport struct {
	Assigned int `json:"assigned"`
	Unable   int `json:"unable"`
	Errored  int `json:"errored"`
}

// ProvidersForVacant ranks the providers able to absorb the given
// provider-less appointment: eligible for the patient, with contiguous
// open capacity at the appointment time.
func (s *Service) ProvidersForVacant(ctx context.Context, slot *model.Slot) ([]ranking.Candidate, error) {
	if slot.PatientID == nil {
		return nil, apperrors.StateViolation("appointment has no patient")
	}
	params, err := s.eligibility.BuildParams(ctx, eligibility.BuildParamsInput{
		PatientID:       *slot.PatientID,
		PaymentMethodID: slot.PaymentMethodID,
		RescheduleFrom:  slot,
		NoLeadTime:      true,
		OnlyActive:      true,
	})
	if err != nil {
		return nil, err
	}
	return s.ranking.RankProviders(ctx, params, slot.StartTime, slot.DurationMinutes, ranking.SeedFromIdentity(slot.ID.String()))
}

// TransferToProvider attaches a provider to a vacant appointment. The
// provider's open rows covering the window are consumed in the same
// transaction; a short count or a lost attach race surfaces as
// SLOT_NOT_AVAILABLE so the sweep moves to the next candidate.
func (s *Service) TransferToProvider(ctx context.Context, slot *model.Slot, provider *model.Provider) error {
	if !slot.Vacant() {
		return apperrors.StateViolation("appointment is not awaiting a provider")
	}

	m, err := s.meetings.CreateMeeting(ctx, provider.Email, *slot.PatientID, slot.ID, slot.StartTime, time.Duration(slot.DurationMinutes)*time.Minute)
	if err != nil {
		return apperrors.Service("failed to provision meeting for transfer", err)
	}
	meetingInfo := model.NewDynamicVideoMeeting(m.ExternalID, m.JoinURL, m.ShortURL, m.DialInPhone)

	err = s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
		return s.attachWithin(ctx, tx, slot, provider.ID, meetingInfo)
	})
	if err != nil {
		if _, delErr := s.meetings.DeleteMeeting(ctx, m.ExternalID); delErr != nil {
			s.logger.Error(delErr, "failed to clean up meeting after aborted transfer", "appointment_id", slot.ID)
		}
		return err
	}

	s.notifier.SendEvent(ctx, "", notification.Event{
		Type:          notification.EventUpdated,
		AppointmentID: slot.ID,
		PatientID:     slot.PatientID,
		ProviderID:    &provider.ID,
		StartTime:     slot.StartTime,
		JoinURL:       m.JoinURL,
	})
	return nil
}

// attachWithin consumes the provider's open rows covering the window and
// CAS-attaches the provider to the vacant row. All-or-nothing: a missing
// filler row or a lost race rolls the whole transfer back.
func (s *Service) attachWithin(ctx context.Context, tx repository.SlotTx, slot *model.Slot, providerID uuid.UUID, meetingInfo *model.Meeting) error {
	overlapping, err := tx.ListOverlapping(ctx, providerID, slot.StartTime, slot.EndTime())
	if err != nil {
		return err
	}
	var fillers []uuid.UUID
	for _, row := range overlapping {
		if !row.Bookable() {
			return apperrors.SlotNotAvailable("provider calendar is no longer free at the appointment time")
		}
		fillers = append(fillers, row.ID)
	}
	required := slot.DurationMinutes / model.SlotMinutes
	if len(fillers) < required {
		return apperrors.SlotNotAvailable("provider lacks contiguous open capacity at the appointment time")
	}

	deleted, err := tx.DeleteOpen(ctx, fillers)
	if err != nil {
		return err
	}
	if deleted != int64(len(fillers)) {
		return apperrors.SlotNotAvailable("provider slot was claimed by a concurrent booking")
	}

	rows, err := tx.AssignProvider(ctx, slot.ID, providerID, model.SlotStatusBooked, meetingInfo)
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.StateViolation("appointment was reassigned concurrently")
	}
	return nil
}

// AutoAssignOverbooked is the periodic sweep. Pass one drains providers
// whose employment ends inside the termination window: their future booked
// appointments are transferred, or demoted to waiting placeholders when no
// candidate can absorb them. Pass two fills provider-less appointments
// starting one to two hours out, in ascending start-then-id order.
func (s *Service) AutoAssignOverbooked(ctx context.Context) (SweepReport, error) {
	started := time.Now()
	var (
		report SweepReport
		mu     sync.Mutex
	)
	record := func(o outcome) {
		mu.Lock()
		s.record(&report, o)
		mu.Unlock()
	}

	now := s.now()
	terminating, err := s.providers.ListTerminating(ctx, now, now.AddDate(0, 0, s.cfg.Worker.TerminationWindowDays))
	if err != nil {
		return report, apperrors.Service("failed to list terminating providers", err)
	}
	for _, provider := range terminating {
		s.drainProvider(ctx, provider, record)
	}

	vacant, err := s.slots.ListVacant(ctx, now.Add(s.cfg.Worker.VacancyLookaheadFrom), now.Add(s.cfg.Worker.VacancyLookaheadTo))
	if err != nil {
		return report, apperrors.Service("failed to list vacant appointments", err)
	}
	sort.Slice(vacant, func(i, j int) bool {
		if !vacant[i].StartTime.Equal(vacant[j].StartTime) {
			return vacant[i].StartTime.Before(vacant[j].StartTime)
		}
		return vacant[i].ID.String() < vacant[j].ID.String()
	})

	s.forEachPaced(ctx, vacant, func(slot *model.Slot) {
		record(s.assignOne(ctx, slot))
	})

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}
	s.logger.Info("reassignment sweep finished",
		"assigned", report.Assigned, "unable", report.Unable, "errored", report.Errored)
	return report, nil
}

type outcome int

const (
	outcomeAssigned outcome = iota
	outcomeUnable
	outcomeErrored
)

// assignOne walks the ranked candidates until one transfer commits.
func (s *Service) assignOne(ctx context.Context, slot *model.Slot) outcome {
	candidates, err := s.ProvidersForVacant(ctx, slot)
	if err != nil {
		s.logger.Error(err, "failed to rank providers for vacant appointment", "appointment_id", slot.ID)
		return outcomeErrored
	}
	for _, candidate := range candidates {
		err := s.TransferToProvider(ctx, slot, candidate.Provider)
		if err == nil {
			return outcomeAssigned
		}
		if apperrors.Is(err, apperrors.ErrSlotNotAvailable) {
			continue
		}
		if apperrors.Is(err, apperrors.ErrStateViolation) {
			// Another sweep or a manual transfer got there first.
			return outcomeAssigned
		}
		s.logger.Error(err, "transfer failed", "appointment_id", slot.ID, "provider_id", candidate.Provider.ID)
		return outcomeErrored
	}
	return outcomeUnable
}

// drainProvider moves every future booked appointment off a terminating
// provider. An appointment no candidate can absorb is demoted to a
// provider-less waiting placeholder so the vacancy pass keeps retrying it.
func (s *Service) drainProvider(ctx context.Context, provider *model.Provider, record func(outcome)) {
	appointments, err := s.slots.ListFutureBookedForProvider(ctx, provider.ID, s.now())
	if err != nil {
		s.logger.Error(err, "failed to list appointments for terminating provider", "provider_id", provider.ID)
		record(outcomeErrored)
		return
	}

	s.forEachPaced(ctx, appointments, func(slot *model.Slot) {
		candidates, err := s.ProvidersForVacant(ctx, slot)
		if err != nil {
			s.logger.Error(err, "failed to rank replacements", "appointment_id", slot.ID)
			record(outcomeErrored)
			return
		}

		for _, candidate := range candidates {
			if candidate.Provider.ID == provider.ID {
				continue
			}
			if err := s.reassignBooked(ctx, slot, candidate.Provider); err != nil {
				if apperrors.Is(err, apperrors.ErrSlotNotAvailable) {
					continue
				}
				s.logger.Error(err, "reassignment failed", "appointment_id", slot.ID, "provider_id", candidate.Provider.ID)
				record(outcomeErrored)
				return
			}
			record(outcomeAssigned)
			return
		}

		if err := s.demoteToWaiting(ctx, slot); err != nil {
			s.logger.Error(err, "failed to demote appointment to waiting", "appointment_id", slot.ID)
			record(outcomeErrored)
			return
		}
		record(outcomeUnable)
	})
}

// reassignBooked swaps the provider on a booked appointment in one
// transaction: detach the old provider, then run the vacant-attach path
// against the new one.
func (s *Service) reassignBooked(ctx context.Context, slot *model.Slot, newProvider *model.Provider) error {
	m, err := s.meetings.CreateMeeting(ctx, newProvider.Email, *slot.PatientID, slot.ID, slot.StartTime, time.Duration(slot.DurationMinutes)*time.Minute)
	if err != nil {
		return apperrors.Service("failed to provision meeting for reassignment", err)
	}
	meetingInfo := model.NewDynamicVideoMeeting(m.ExternalID, m.JoinURL, m.ShortURL, m.DialInPhone)

	oldMeeting := slot.Meeting
	err = s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
		rows, err := tx.DetachProvider(ctx, slot.ID, nil)
		if err != nil {
			return err
		}
		if rows == 0 {
			return apperrors.StateViolation("appointment changed concurrently")
		}
		detached := *slot
		detached.ProviderID = nil
		return s.attachWithin(ctx, tx, &detached, newProvider.ID, meetingInfo)
	})
	if err != nil {
		if _, delErr := s.meetings.DeleteMeeting(ctx, m.ExternalID); delErr != nil {
			s.logger.Error(delErr, "failed to clean up meeting after aborted reassignment", "appointment_id", slot.ID)
		}
		return err
	}

	if oldMeeting != nil && oldMeeting.Kind == model.MeetingKindDynamicVideo {
		if _, err := s.meetings.DeleteMeeting(ctx, oldMeeting.DynamicVideo.ExternalID); err != nil {
			s.logger.Error(err, "failed to delete superseded meeting", "appointment_id", slot.ID)
		}
	}

	s.notifier.SendEvent(ctx, "", notification.Event{
		Type:          notification.EventUpdated,
		AppointmentID: slot.ID,
		PatientID:     slot.PatientID,
		ProviderID:    &newProvider.ID,
		StartTime:     slot.StartTime,
		JoinURL:       m.JoinURL,
	})
	return nil
}

// demoteToWaiting detaches the provider and hands the patient a freshly
// generated waiting-room link. The appointment stays booked; the vacancy
// pass keeps looking for a replacement.
func (s *Service) demoteToWaiting(ctx context.Context, slot *model.Slot) error {
	waiting := model.NewWaitingRoomMeeting(meeting.WaitingRoomLink(s.cfg.Meeting.WaitingRoomBase, slot.ID))
	err := s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
		rows, err := tx.DetachProvider(ctx, slot.ID, waiting)
		if err != nil {
			return err
		}
		if rows == 0 {
			return apperrors.StateViolation("appointment changed concurrently")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if slot.Meeting != nil && slot.Meeting.Kind == model.MeetingKindDynamicVideo {
		if _, err := s.meetings.DeleteMeeting(ctx, slot.Meeting.DynamicVideo.ExternalID); err != nil {
			s.logger.Error(err, "failed to delete meeting after demotion", "appointment_id", slot.ID)
		}
	}

	s.notifier.SendEvent(ctx, "", notification.Event{
		Type:          notification.EventUpdated,
		AppointmentID: slot.ID,
		PatientID:     slot.PatientID,
		StartTime:     slot.StartTime,
		JoinURL:       waiting.WaitingRoom.Link,
	})
	return nil
}

// RemapReport summarizes one waiting-link remap pass.
type RemapReport struct {
	Success int `json:"success"`
	Error   int `json:"error"`
}

// RemapWaitingLinks repairs waiting placeholders whose link does not match
// the current waiting-room base, typically after a base URL rotation.
func (s *Service) RemapWaitingLinks(ctx context.Context, from, to time.Time) (RemapReport, error) {
	var report RemapReport

	vacant, err := s.slots.ListVacant(ctx, from, to)
	if err != nil {
		return report, apperrors.Service("failed to list vacant appointments", err)
	}

	for _, slot := range vacant {
		expected := meeting.WaitingRoomLink(s.cfg.Meeting.WaitingRoomBase, slot.ID)
		if slot.Meeting != nil && slot.Meeting.Kind == model.MeetingKindWaitingRoom && slot.Meeting.WaitingRoom.Link == expected {
			continue
		}

		err := s.slots.WithinTx(ctx, func(tx repository.SlotTx) error {
			rows, err := tx.UpdateMeeting(ctx, slot.ID, model.NewWaitingRoomMeeting(expected))
			if err != nil {
				return err
			}
			if rows == 0 {
				return apperrors.StateViolation("appointment changed concurrently")
			}
			return nil
		})
		if err != nil {
			s.logger.Error(err, "failed to remap waiting link", "appointment_id", slot.ID)
			report.Error++
			continue
		}
		report.Success++
	}
	return report, nil
}

// forEachPaced runs fn over the slots with the sweep's bounded concurrency
// and pacing.
func (s *Service) forEachPaced(ctx context.Context, slots []*model.Slot, fn func(*model.Slot)) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Worker.PacePerSecond), 1)
	sem := make(chan struct{}, s.cfg.Worker.MaxInFlight)
	var wg sync.WaitGroup

	for _, slot := range slots {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(slot *model.Slot) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(slot)
		}(slot)
	}
	wg.Wait()
}

func (s *Service) record(report *SweepReport, o outcome) {
	switch o {
	case outcomeAssigned:
		report.Assigned++
		if s.metrics != nil {
			s.metrics.SweepAssigned.Inc()
		}
	case outcomeUnable:
		report.Unable++
		if s.metrics != nil {
			s.metrics.SweepUnable.Inc()
		}
	case outcomeErrored:
		report.Errored++
		if s.metrics != nil {
			s.metrics.SweepErrored.Inc()
		}
	}
}
