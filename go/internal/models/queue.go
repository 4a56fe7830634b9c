package models

import (
	"github.com/google/uuid"
	"time"
)

// QueueEntry is a player waiting to be paired. A player has at most one
// active entry at a time; pairing destroys both entries atomically with the
// room creation.
type QueueEntry struct {
	ID         uuid.UUID `json:"id"`
	PlayerID   uuid.UUID `json:"player_id"`
	Tier       string    `json:"tier"`
	BetAmount  int64     `json:"bet_amount"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
