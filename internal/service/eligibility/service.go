package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	"github.com/jwalitptl/scheduling-api/internal/service/payment"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

const (
	policyCacheTTL = 5 * time.Minute
	visitLookback  = 365 * 24 * time.Hour
)

// Service computes the request-scoped scheduling parameters: eligible
// providers, allowed durations, the bookable range, and the date/month
// exclusion sets.
type Service struct {
	patients  repository.PatientRepository
	providers repository.ProviderRepository
	policies  repository.PayerPolicyRepository
	slots     repository.SlotRepository
	payments  payment.Gateway
	cache     *gocache.Cache
	policy    config.PolicyConfig
	now       func() time.Time
}

func NewService(
	patients repository.PatientRepository,
	providers repository.ProviderRepository,
	policies repository.PayerPolicyRepository,
	slots repository.SlotRepository,
	payments payment.Gateway,
	policy config.PolicyConfig,
) *Service {
	return &Service{
		patients:  patients,
		providers: providers,
		policies:  policies,
		slots:     slots,
		payments:  payments,
		cache:     gocache.New(policyCacheTTL, 2*policyCacheTTL),
		policy:    policy,
		now:       time.Now,
	}
}

// WithClock substitutes the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BuildParamsInput selects either a fresh booking attempt
// ({PatientID, PaymentMethodID?}) or a reschedule of an existing
// appointment (RescheduleFrom).
type BuildParamsInput struct {
	PatientID       uuid.UUID
	PaymentMethodID *uuid.UUID
	RescheduleFrom  *model.Slot
	ProviderIDs     []uuid.UUID
	From            *time.Time
	To              *time.Time
	OnlyW2          bool
	OnlyActive      bool
	NoLeadTime      bool
}

func (s *Service) BuildParams(ctx context.Context, input BuildParamsInput) (*model.SchedulingParams, error) {
	patientID := input.PatientID
	if input.RescheduleFrom != nil && input.RescheduleFrom.PatientID != nil {
		patientID = *input.RescheduleFrom.PatientID
	}
	if patientID == uuid.Nil {
		return nil, apperrors.Argument("patient id is required")
	}

	patient, err := s.patients.Get(ctx, patientID)
	if err != nil {
		return nil, apperrors.NotFound("patient", err)
	}

	pm, err := s.resolvePaymentMethod(ctx, patient, input)
	if err != nil {
		return nil, err
	}

	payerPolicy, err := s.payerPolicy(ctx, pm)
	if err != nil {
		return nil, err
	}

	now := s.now()
	visits, err := s.slots.ListNonCancelledForPatient(ctx, patient.ID, now.Add(-visitLookback), now.Add(time.Duration(s.policy.HorizonDays)*24*time.Hour))
	if err != nil {
		return nil, apperrors.Service("failed to load visit history", err)
	}

	providers, err := s.resolveProviders(ctx, patient, pm, payerPolicy, input)
	if err != nil {
		return nil, err
	}

	from, to, err := s.bookableRange(now, patient, payerPolicy, input)
	if err != nil {
		return nil, err
	}

	params := &model.SchedulingParams{
		Patient:        patient,
		PaymentMethod:  pm,
		VisitType:      nextVisitType(visits, now),
		DurationPolicy: s.durationPolicy(payerPolicy, nextVisitType(visits, now)),
		Providers:      providers,
		From:           from,
		To:             to,
		ExcludedDates:  s.excludedDates(patient, visits, input.RescheduleFrom, now),
		ExcludedMonths: s.excludedMonths(patient, payerPolicy, visits, now),
	}
	for id := range providers {
		params.ProviderIDs = append(params.ProviderIDs, id)
	}
	return params, nil
}

func (s *Service) resolvePaymentMethod(ctx context.Context, patient *model.Patient, input BuildParamsInput) (*model.PaymentMethod, error) {
	if input.PaymentMethodID != nil {
		return s.payments.PatientPaymentMethod(ctx, patient.ID, *input.PaymentMethodID)
	}
	if input.RescheduleFrom != nil && input.RescheduleFrom.PaymentMethodID != nil {
		return s.payments.PatientPaymentMethod(ctx, patient.ID, *input.RescheduleFrom.PaymentMethodID)
	}
	return s.payments.DefaultPaymentMethod(ctx, patient.ID)
}

func (s *Service) payerPolicy(ctx context.Context, pm *model.PaymentMethod) (*model.PayerPolicy, error) {
	if pm.PayerID == nil {
		return nil, nil
	}
	key := "payer_policy:" + pm.PayerID.String()
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*model.PayerPolicy), nil
	}
	policy, err := s.policies.GetForPayer(ctx, *pm.PayerID)
	if err != nil {
		return nil, apperrors.Service("failed to load payer policy", err)
	}
	s.cache.Set(key, policy, gocache.DefaultExpiration)
	return policy, nil
}

// resolveProviders intersects department licensing, insurer enrollment,
// admin exclusions, the payer whitelist, the minimum-patient-age
// preference, and the caller's employment/active filters.
func (s *Service) resolveProviders(ctx context.Context, patient *model.Patient, pm *model.PaymentMethod, payerPolicy *model.PayerPolicy, input BuildParamsInput) (map[uuid.UUID]*model.Provider, error) {
	filter := model.ProviderFilter{
		DepartmentID: patient.DepartmentID,
		ProviderIDs:  input.ProviderIDs,
		OnlyW2:       input.OnlyW2,
		OnlyActive:   input.OnlyActive,
	}
	if payerPolicy != nil {
		filter.IncludePendingLicense = payerPolicy.AllowPendingLicense
	}
	if pm.Kind == model.PaymentMethodInsurance {
		filter.InsurerID = patient.InsurerID
	}

	candidates, err := s.providers.ListCandidates(ctx, filter)
	if err != nil {
		return nil, apperrors.Service("failed to list candidate providers", err)
	}

	var whitelist map[uuid.UUID]struct{}
	if payerPolicy != nil && len(payerPolicy.ProviderWhitelist) > 0 {
		whitelist = make(map[uuid.UUID]struct{}, len(payerPolicy.ProviderWhitelist))
		for _, id := range payerPolicy.ProviderWhitelist {
			whitelist[id] = struct{}{}
		}
	}

	age := patient.Age(s.now())
	eligible := make(map[uuid.UUID]*model.Provider)
	for _, p := range candidates {
		if whitelist != nil {
			if _, ok := whitelist[p.ID]; !ok {
				continue
			}
		}
		if age < p.MinPatientAge {
			continue
		}
		eligible[p.ID] = p
	}
	return eligible, nil
}

// excludedDates blocks the entire calendar week (patient timezone, weeks
// starting Monday) of every active appointment, except the appointment
// currently being rescheduled. This discourages same-week re-booking.
func (s *Service) excludedDates(patient *model.Patient, visits []*model.Slot, rescheduleFrom *model.Slot, now time.Time) map[string]struct{} {
	excluded := make(map[string]struct{})
	loc := patient.Location()
	for _, visit := range visits {
		if !visit.Status.Active() {
			continue
		}
		if rescheduleFrom != nil && visit.ID == rescheduleFrom.ID {
			continue
		}
		if visit.EndTime().Before(now) {
			continue
		}
		monday := startOfWeek(visit.StartTime.In(loc))
		for d := 0; d < 7; d++ {
			excluded[monday.AddDate(0, 0, d).Format("2006-01-02")] = struct{}{}
		}
	}
	return excluded
}

// excludedMonths applies the payer frequency cap: a month is closed once
// its non-cancelled visit count reaches the per-month limit, and the first
// lead months close entirely when the visits inside the lead window reach
// the lead limit.
func (s *Service) excludedMonths(patient *model.Patient, payerPolicy *model.PayerPolicy, visits []*model.Slot, now time.Time) map[string]struct{} {
	excluded := make(map[string]struct{})
	if payerPolicy == nil || !payerPolicy.FrequencyCapped {
		return excluded
	}

	loc := patient.Location()
	byMonth := make(map[string]int)
	leadEnd := now.AddDate(0, s.policy.LeadMonths, 0)
	leadCount := 0
	for _, visit := range visits {
		key := visit.StartTime.In(loc).Format("2006-01")
		byMonth[key]++
		// The lead window is the first LeadMonths of the future only;
		// past visits never count against it.
		if !visit.StartTime.Before(now) && visit.StartTime.Before(leadEnd) {
			leadCount++
		}
	}

	for key, count := range byMonth {
		if count >= s.policy.PerMonthLimit {
			excluded[key] = struct{}{}
		}
	}

	if leadCount >= s.policy.LeadLimit {
		for m := 0; m < s.policy.LeadMonths; m++ {
			excluded[now.In(loc).AddDate(0, m, 0).Format("2006-01")] = struct{}{}
		}
	}
	return excluded
}

func (s *Service) bookableRange(now time.Time, patient *model.Patient, payerPolicy *model.PayerPolicy, input BuildParamsInput) (time.Time, time.Time, error) {
	lead := time.Duration(s.policy.MinLeadHours) * time.Hour
	if payerPolicy != nil && payerPolicy.LowTrust {
		lead = time.Duration(s.policy.LowTrustLeadDays) * 24 * time.Hour
	}
	if input.NoLeadTime {
		lead = 0
	}

	from := now.Add(lead)
	if input.From != nil && input.From.After(from) {
		from = *input.From
	}

	to := now.Add(time.Duration(s.policy.HorizonDays) * 24 * time.Hour)
	if input.To != nil && input.To.Before(to) {
		to = *input.To
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, apperrors.Service(
			fmt.Sprintf("bookable range is empty: %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339)), nil)
	}
	return from, to, nil
}

func (s *Service) durationPolicy(payerPolicy *model.PayerPolicy, visitType model.VisitType) model.DurationPolicy {
	if visitType == model.VisitTypeInitial {
		return model.Durations60
	}
	if payerPolicy != nil && payerPolicy.DurationPolicy != "" {
		return payerPolicy.DurationPolicy
	}
	return model.Durations30or60
}

// nextVisitType is initial when the patient has no non-cancelled visit on
// record, follow-up otherwise.
func nextVisitType(visits []*model.Slot, _ time.Time) model.VisitType {
	if len(visits) == 0 {
		return model.VisitTypeInitial
	}
	return model.VisitTypeFollowUp
}

func startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return day.AddDate(0, 0, -(weekday - 1))
}
