package model

import (
	"time"

	"github.com/google/uuid"
)

type EmploymentType string

const (
	EmploymentW2         EmploymentType = "w2"
	EmploymentContractor EmploymentType = "contractor"
)

type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "active"
	LicensePending LicenseStatus = "pending"
)

type Provider struct {
	Base
	Name            string         `db:"name" json:"name"`
	Email           string         `db:"email" json:"email"`
	EmploymentType  EmploymentType `db:"employment_type" json:"employment_type"`
	Active          bool           `db:"active" json:"active"`
	MinPatientAge   int            `db:"min_patient_age" json:"min_patient_age"`
	EmploymentEnd   *time.Time     `db:"employment_end" json:"employment_end,omitempty"`
	LicenseStatus   LicenseStatus  `db:"license_status" json:"license_status"`
	AdminExcluded   bool           `db:"admin_excluded" json:"admin_excluded"`
}

// IsW2 reports whether the provider is a staff employee. W2 providers are
// preferred by the ranking engine.
func (p *Provider) IsW2() bool {
	return p.EmploymentType == EmploymentW2
}

// TerminatingWithin reports whether the provider's employment ends inside
// the window [now, now+d).
func (p *Provider) TerminatingWithin(now time.Time, d time.Duration) bool {
	if p.EmploymentEnd == nil {
		return false
	}
	return !p.EmploymentEnd.Before(now) && p.EmploymentEnd.Before(now.Add(d))
}

// ProviderFilter composes the optional predicates of the candidate-provider
// query. Zero values leave the corresponding predicate off.
type ProviderFilter struct {
	DepartmentID          uuid.UUID
	IncludePendingLicense bool
	InsurerID             *uuid.UUID
	ProviderIDs           []uuid.UUID
	OnlyW2                bool
	OnlyActive            bool
}
