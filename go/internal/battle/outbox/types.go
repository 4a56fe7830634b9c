package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a pending or sent change-feed notification. Events are inserted
// in the same transaction as the room mutation they describe, so a committed
// state change always has its notification queued.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	RoomID    uuid.UUID       `json:"room_id"`
	EventType string          `json:"event_type"`
	Version   int64           `json:"version"` // room version after the mutation
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Envelope is the wire format published to the feed. Subscribers gate on
// Version and treat every delivery as a re-read signal.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	RoomID    string          `json:"room_id"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
