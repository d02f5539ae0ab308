package model

// CancelReason maps a symbolic cancellation reason to its numeric id and
// the policy flags that drive the coordinator's side effects.
type CancelReason struct {
	Key                 string `json:"key"`
	ID                  int    `json:"id"`
	SlotAvailable       bool   `json:"slot_available"`
	NoShow              bool   `json:"no_show"`
	ProviderUnavailable bool   `json:"provider_unavailable"`
}

const (
	CancelReasonPatientRequest      = "patient_request"
	CancelReasonLastMinute          = "last_minute"
	CancelReasonNoShow              = "no_show"
	CancelReasonProviderUnavailable = "provider_unavailable"
	CancelReasonProviderTerminated  = "provider_terminated"
	CancelReasonAdmin               = "admin"
	CancelReasonReschedule          = "reschedule"
)

var cancelReasons = map[string]CancelReason{
	CancelReasonPatientRequest:      {Key: CancelReasonPatientRequest, ID: 1, SlotAvailable: true},
	CancelReasonLastMinute:          {Key: CancelReasonLastMinute, ID: 2, SlotAvailable: false},
	CancelReasonNoShow:              {Key: CancelReasonNoShow, ID: 3, SlotAvailable: false, NoShow: true},
	CancelReasonProviderUnavailable: {Key: CancelReasonProviderUnavailable, ID: 4, SlotAvailable: false, ProviderUnavailable: true},
	CancelReasonProviderTerminated:  {Key: CancelReasonProviderTerminated, ID: 5, SlotAvailable: false, ProviderUnavailable: true},
	CancelReasonAdmin:               {Key: CancelReasonAdmin, ID: 6, SlotAvailable: true},
	CancelReasonReschedule:          {Key: CancelReasonReschedule, ID: 7, SlotAvailable: true},
}

// LookupCancelReason resolves a symbolic reason key. The second return is
// false for unknown keys.
func LookupCancelReason(key string) (CancelReason, bool) {
	r, ok := cancelReasons[key]
	return r, ok
}
