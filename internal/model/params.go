package model

import (
	"time"

	"github.com/google/uuid"
)

// DurationPolicy selects which merged visit lengths a payer/visit-type pair
// may be offered.
type DurationPolicy string

const (
	Durations30     DurationPolicy = "30"
	Durations60     DurationPolicy = "60"
	Durations30or60 DurationPolicy = "30_or_60"
)

// Allows reports whether the policy admits a visit of the given length.
func (p DurationPolicy) Allows(minutes int) bool {
	switch p {
	case Durations30:
		return minutes == 30
	case Durations60:
		return minutes == 60
	case Durations30or60:
		return minutes == 30 || minutes == 60
	}
	return false
}

// SchedulingParams is the derived, request-scoped constraint set governing
// one booking or availability query. Recomputed on every request, never
// persisted.
type SchedulingParams struct {
	Patient        *Patient
	PaymentMethod  *PaymentMethod
	VisitType      VisitType
	DurationPolicy DurationPolicy

	ProviderIDs []uuid.UUID
	Providers   map[uuid.UUID]*Provider

	From time.Time
	To   time.Time

	// ExcludedDates holds YYYY-MM-DD keys in the patient's timezone;
	// ExcludedMonths holds YYYY-MM keys.
	ExcludedDates  map[string]struct{}
	ExcludedMonths map[string]struct{}
}

const (
	dateKeyLayout  = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// DateKey formats t as an exclusion-set key in the patient's timezone.
func (p *SchedulingParams) DateKey(t time.Time) string {
	return t.In(p.Patient.Location()).Format(dateKeyLayout)
}

// MonthKey formats t as a month-exclusion key in the patient's timezone.
func (p *SchedulingParams) MonthKey(t time.Time) string {
	return t.In(p.Patient.Location()).Format(monthKeyLayout)
}

// TimeAllowed is the composed predicate applied to every candidate slot
// time: inside the bookable range, not on an excluded date, not in an
// excluded month.
func (p *SchedulingParams) TimeAllowed(t time.Time) bool {
	if t.Before(p.From) || t.After(p.To) {
		return false
	}
	if _, ok := p.ExcludedDates[p.DateKey(t)]; ok {
		return false
	}
	if _, ok := p.ExcludedMonths[p.MonthKey(t)]; ok {
		return false
	}
	return true
}

// EligibleProvider reports whether id survived the eligibility filters.
func (p *SchedulingParams) EligibleProvider(id uuid.UUID) bool {
	_, ok := p.Providers[id]
	return ok
}
