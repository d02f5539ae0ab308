package model

import (
	"time"

	"github.com/google/uuid"
)

type Patient struct {
	Base
	Name                   string     `db:"name" json:"name"`
	Email                  string     `db:"email" json:"email"`
	DateOfBirth            time.Time  `db:"date_of_birth" json:"date_of_birth"`
	DepartmentID           uuid.UUID  `db:"department_id" json:"department_id"`
	Timezone               string     `db:"timezone" json:"timezone"`
	InsurerID              *uuid.UUID `db:"insurer_id" json:"insurer_id,omitempty"`
	DefaultPaymentMethodID *uuid.UUID `db:"default_payment_method_id" json:"default_payment_method_id,omitempty"`
}

// Age in whole years at time t.
func (p *Patient) Age(t time.Time) int {
	years := t.Year() - p.DateOfBirth.Year()
	anniversary := p.DateOfBirth.AddDate(years, 0, 0)
	if anniversary.After(t) {
		years--
	}
	return years
}

// Location resolves the patient's IANA timezone, falling back to UTC.
func (p *Patient) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}
