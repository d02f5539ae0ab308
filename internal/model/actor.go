package model

import (
	"github.com/google/uuid"
)

type ActorType string

const (
	ActorPatient  ActorType = "patient"
	ActorProvider ActorType = "provider"
	ActorEmployee ActorType = "employee"
)

// Actor is the authenticated identity performing a scheduling operation.
// Identifier is the stable caller/session string used to seed the ranking
// shuffle and to address confirmation messages.
type Actor struct {
	Type       ActorType `json:"type"`
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier"`
}

func (a Actor) IsEmployee() bool { return a.Type == ActorEmployee }

// IsProviderSelf reports whether the actor is the provider owning the
// given calendar row.
func (a Actor) IsProviderSelf(providerID *uuid.UUID) bool {
	return a.Type == ActorProvider && providerID != nil && *providerID == a.ID
}
