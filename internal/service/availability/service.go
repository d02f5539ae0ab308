package availability

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
	"github.com/jwalitptl/scheduling-api/pkg/metrics"
)

// Service is the slot discovery engine. Exact mode scans real open rows
// for the patient-facing calendar; buffered mode computes an
// overbooking-aware availability set at booking time, returning synthetic
// units because no physical row is claimed yet.
type Service struct {
	slots   repository.SlotRepository
	cfg     *config.Config
	metrics *metrics.Metrics
}

func NewService(slots repository.SlotRepository, cfg *config.Config, m *metrics.Metrics) *Service {
	return &Service{slots: slots, cfg: cfg, metrics: m}
}

// FindOpenUnits is exact mode: open, non-frozen slots for the eligible
// providers, filtered by the params predicate, rolled into segments,
// merged per the duration policy, and grouped day-then-provider.
func (s *Service) FindOpenUnits(ctx context.Context, params *model.SchedulingParams) ([]model.DayUnits, error) {
	if len(params.ProviderIDs) == 0 {
		return nil, nil
	}

	slots, err := s.slots.ListOpen(ctx, params.ProviderIDs, params.From, params.To)
	if err != nil {
		return nil, apperrors.Service("failed to list open slots", err)
	}

	byProviderDay := make(map[uuid.UUID]map[string][]*model.Slot)
	for _, slot := range slots {
		if slot.ProviderID == nil || !params.TimeAllowed(slot.StartTime) {
			continue
		}
		day := params.DateKey(slot.StartTime)
		if byProviderDay[*slot.ProviderID] == nil {
			byProviderDay[*slot.ProviderID] = make(map[string][]*model.Slot)
		}
		byProviderDay[*slot.ProviderID][day] = append(byProviderDay[*slot.ProviderID][day], slot)
	}

	byDay := make(map[string]map[uuid.UUID][]model.BookableUnit)
	total := 0
	for providerID, days := range byProviderDay {
		for day, daySlots := range days {
			sort.Slice(daySlots, func(i, j int) bool { return daySlots[i].StartTime.Before(daySlots[j].StartTime) })
			units := mergeByDuration(rollUpIntoSegments(daySlots), params.DurationPolicy)
			if len(units) == 0 {
				continue
			}
			if byDay[day] == nil {
				byDay[day] = make(map[uuid.UUID][]model.BookableUnit)
			}
			byDay[day][providerID] = units
			total += len(units)
		}
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	result := make([]model.DayUnits, 0, len(days))
	for _, day := range days {
		result = append(result, model.DayUnits{Day: day, Units: byDay[day]})
	}

	if s.metrics != nil {
		s.metrics.AvailabilityQueries.WithLabelValues("exact").Inc()
		s.metrics.OpenSlotsOffered.Set(float64(total))
	}
	return result, nil
}

// CheckBuffered is the time-of-booking availability check. A bucket stays
// offerable while booked < floor((open + providerBooked) × factor). The
// factor eases outside production and nudges up when the caller explicitly
// asks for the overbooking buffer.
func (s *Service) CheckBuffered(ctx context.Context, params *model.SchedulingParams, start time.Time, durationMinutes int, withBuffer bool) (bool, error) {
	units, err := s.BufferedUnits(ctx, params, start, start.Add(time.Duration(durationMinutes)*time.Minute), durationMinutes, withBuffer)
	if err != nil {
		return false, err
	}
	for _, u := range units {
		if u.StartTime.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

// BufferedUnits returns the synthetic offers for every offerable bucket in
// [from, to).
func (s *Service) BufferedUnits(ctx context.Context, params *model.SchedulingParams, from, to time.Time, durationMinutes int, withBuffer bool) ([]model.BookableUnit, error) {
	if durationMinutes != 30 && durationMinutes != 60 {
		return nil, apperrors.Argument("duration must be 30 or 60 minutes")
	}
	if len(params.ProviderIDs) == 0 {
		return nil, nil
	}

	buckets, err := s.slots.CountByBucket(ctx, params.ProviderIDs, from, to, durationMinutes)
	if err != nil {
		return nil, apperrors.Service("failed to count availability buckets", err)
	}

	factor := s.cfg.EffectiveOverbookingFactor(withBuffer)
	var units []model.BookableUnit
	for _, bucket := range buckets {
		if !params.TimeAllowed(bucket.Start) {
			continue
		}
		allowed := int(math.Floor(float64(bucket.Open+bucket.ProviderBooked) * factor))
		if bucket.Booked >= allowed {
			continue
		}
		units = append(units, model.BookableUnit{
			SyntheticID:     model.SyntheticUnitID(bucket.Start),
			StartTime:       bucket.Start,
			DurationMinutes: durationMinutes,
		})
	}

	if s.metrics != nil {
		s.metrics.AvailabilityQueries.WithLabelValues("buffered").Inc()
	}
	return units, nil
}
