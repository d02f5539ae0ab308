package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type MeetingKind string

const (
	MeetingKindDynamicVideo MeetingKind = "dynamic_video"
	MeetingKindWaitingRoom  MeetingKind = "waiting_room"
)

// DynamicVideoMeeting is a provisioned external video meeting.
type DynamicVideoMeeting struct {
	ExternalID  string `json:"external_id"`
	JoinURL     string `json:"join_url"`
	ShortURL    string `json:"short_url,omitempty"`
	DialInPhone string `json:"dial_in_phone,omitempty"`
}

// WaitingRoomMeeting is a static link used by placeholder bookings that do
// not yet have an assigned provider.
type WaitingRoomMeeting struct {
	Link string `json:"link"`
}

// Meeting is the tagged union stored in the slot's JSONB meeting column.
// Exactly one payload matches Kind.
type Meeting struct {
	Kind         MeetingKind          `json:"kind"`
	DynamicVideo *DynamicVideoMeeting `json:"dynamic_video,omitempty"`
	WaitingRoom  *WaitingRoomMeeting  `json:"waiting_room,omitempty"`
}

func NewDynamicVideoMeeting(externalID, joinURL, shortURL, phone string) *Meeting {
	return &Meeting{
		Kind: MeetingKindDynamicVideo,
		DynamicVideo: &DynamicVideoMeeting{
			ExternalID:  externalID,
			JoinURL:     joinURL,
			ShortURL:    shortURL,
			DialInPhone: phone,
		},
	}
}

func NewWaitingRoomMeeting(link string) *Meeting {
	return &Meeting{
		Kind:        MeetingKindWaitingRoom,
		WaitingRoom: &WaitingRoomMeeting{Link: link},
	}
}

func (m *Meeting) Validate() error {
	switch m.Kind {
	case MeetingKindDynamicVideo:
		if m.DynamicVideo == nil || m.WaitingRoom != nil {
			return fmt.Errorf("dynamic_video meeting requires exactly the dynamic_video payload")
		}
	case MeetingKindWaitingRoom:
		if m.WaitingRoom == nil || m.DynamicVideo != nil {
			return fmt.Errorf("waiting_room meeting requires exactly the waiting_room payload")
		}
	default:
		return fmt.Errorf("unknown meeting kind %q", m.Kind)
	}
	return nil
}

// Value implements driver.Valuer for the JSONB column.
func (m *Meeting) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for the JSONB column.
func (m *Meeting) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported meeting column type %T", src)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to unmarshal meeting: %w", err)
	}
	return m.Validate()
}
