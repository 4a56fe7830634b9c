package models

import (
	"github.com/google/uuid"
	"time"
)

// Move is a single appended answer record. (RoomID, PlayerID, QuestionIndex)
// is the unique key; a second write for the same key is rejected, never
// merged. A nil ChosenOption records a timeout.
type Move struct {
	RoomID        uuid.UUID `json:"room_id"`
	PlayerID      uuid.UUID `json:"player_id"`
	QuestionIndex int       `json:"question_index"`
	ChosenOption  *int      `json:"chosen_option,omitempty"`
	Correct       bool      `json:"correct"` // derived against the question set at write time
	SubmittedAt   time.Time `json:"submitted_at"`
}
