package models

import (
	"time"

	"github.com/google/uuid"
)

// Player represents a battle participant as the coordination engine sees it.
// Identity and profile data live in the identity provider; only the fields
// the engine needs are carried here.
type Player struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Tier        string    `json:"tier"`
	Connected   bool      `json:"connected"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
