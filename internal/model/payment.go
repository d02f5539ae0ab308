package model

import (
	"github.com/google/uuid"
)

type PaymentMethodKind string

const (
	PaymentMethodInsurance PaymentMethodKind = "insurance"
	PaymentMethodSelfPay   PaymentMethodKind = "self_pay"
)

type PaymentMethod struct {
	Base
	PatientID uuid.UUID         `db:"patient_id" json:"patient_id"`
	Kind      PaymentMethodKind `db:"kind" json:"kind"`
	PayerID   *uuid.UUID        `db:"payer_id" json:"payer_id,omitempty"`
	Valid     bool              `db:"valid" json:"valid"`
}

// PayerPolicy carries the payer-specific scheduling policy consulted by the
// eligibility builder. Read-mostly reference data; cached in front of the
// store.
type PayerPolicy struct {
	PayerID            uuid.UUID   `db:"payer_id" json:"payer_id"`
	FrequencyCapped    bool        `db:"frequency_capped" json:"frequency_capped"`
	ProviderWhitelist  []uuid.UUID `json:"provider_whitelist,omitempty"`
	AllowPendingLicense bool       `db:"allow_pending_license" json:"allow_pending_license"`
	LowTrust           bool        `db:"low_trust" json:"low_trust"`
	DurationPolicy     DurationPolicy `db:"duration_policy" json:"duration_policy"`
}
