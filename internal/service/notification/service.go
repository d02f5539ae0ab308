package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/email"
	"github.com/jwalitptl/scheduling-api/pkg/logger"
	"github.com/jwalitptl/scheduling-api/pkg/messaging"
)

const (
	EventBooked    = "appointment_booked"
	EventCancelled = "appointment_cancelled"
	EventUpdated   = "appointment_updated"
	EventReminder  = "appointment_reminder"

	channel = "scheduling.events"
)

// Event is the domain notification emitted after a committed slot
// transition. Source distinguishes a provider-initiated swap from a
// patient-initiated reschedule for downstream wording.
type Event struct {
	Type          string     `json:"type"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	PatientID     *uuid.UUID `json:"patient_id,omitempty"`
	ProviderID    *uuid.UUID `json:"provider_id,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	Source        string     `json:"source,omitempty"`
	JoinURL       string     `json:"join_url,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Service delivers domain events. Every send is fire-and-forget from the
// caller's point of view: failures are logged, never propagated into the
// booking or cancellation result.
type Service interface {
	SendEvent(ctx context.Context, identifier string, event Event)
}

type service struct {
	broker messaging.Broker
	email  email.Sender
	logger *logger.Logger
}

func NewService(broker messaging.Broker, sender email.Sender, log *logger.Logger) Service {
	return &service{broker: broker, email: sender, logger: log}
}

func (s *service) SendEvent(ctx context.Context, identifier string, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := s.broker.Publish(ctx, channel, messaging.Message{Type: event.Type, Payload: event}); err != nil {
		s.logger.Error(err, "failed to publish scheduling event",
			"type", event.Type, "appointment_id", event.AppointmentID, "identifier", identifier)
	}

	if event.Type == EventBooked && s.email != nil && identifier != "" && event.JoinURL != "" {
		if err := s.email.SendBookingConfirmation(ctx, identifier, "", event.JoinURL); err != nil {
			s.logger.Error(err, "failed to send booking confirmation email",
				"appointment_id", event.AppointmentID)
		}
	}
}
