package meeting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Meeting is the provisioned external video meeting returned by the
// collaborator.
type Meeting struct {
	ExternalID  string `json:"id"`
	JoinURL     string `json:"join_url"`
	ShortURL    string `json:"short_url,omitempty"`
	DialInPhone string `json:"phone,omitempty"`
}

// Provider provisions and tears down video meetings. Booking treats a
// provisioning failure as a SERVICE error; cancellation treats deletion as
// best-effort cleanup.
type Provider interface {
	CreateMeeting(ctx context.Context, hostEmail string, patientID, appointmentID uuid.UUID, start time.Time, duration time.Duration) (*Meeting, error)
	DeleteMeeting(ctx context.Context, externalID string) (bool, error)
}

// WaitingRoomLink builds the static link used by placeholder bookings that
// have no assigned provider yet.
func WaitingRoomLink(base string, appointmentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", base, appointmentID)
}
