package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/pkg/circuitbreaker"
)

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the external meeting-provisioning service over HTTP,
// behind a circuit breaker.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	cb   *circuitbreaker.CircuitBreaker
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "meeting-provider",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
	}
}

type createMeetingRequest struct {
	HostEmail       string    `json:"host_email"`
	PatientID       uuid.UUID `json:"patient_id"`
	AppointmentID   uuid.UUID `json:"appointment_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (c *Client) CreateMeeting(ctx context.Context, hostEmail string, patientID, appointmentID uuid.UUID, start time.Time, duration time.Duration) (*Meeting, error) {
	body, err := json.Marshal(createMeetingRequest{
		HostEmail:       hostEmail,
		PatientID:       patientID,
		AppointmentID:   appointmentID,
		StartTime:       start,
		DurationMinutes: int(duration.Minutes()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meeting request: %w", err)
	}

	var meeting Meeting
	err = c.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/meetings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("meeting create request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("meeting create returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&meeting)
	})
	if err != nil {
		return nil, err
	}
	return &meeting, nil
}

func (c *Client) DeleteMeeting(ctx context.Context, externalID string) (bool, error) {
	var deleted bool
	err := c.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/meetings/"+externalID, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("meeting delete request failed: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			deleted = true
			return nil
		case http.StatusNotFound:
			deleted = false
			return nil
		default:
			return fmt.Errorf("meeting delete returned status %d", resp.StatusCode)
		}
	})
	return deleted, err
}
