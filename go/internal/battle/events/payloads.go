package events

import (
	"time"

	"github.com/google/uuid"
)

// Event payload types shared between the battle packages and the gateway.
// Payloads are notification material only: clients must treat any event as a
// "something changed, re-read if newer" signal gated on Version, never as an
// authoritative delta.

// Event types carried in the outbox/feed envelope.
const (
	TypeRoomCreated   = "RoomCreated"
	TypeRoomUpdated   = "RoomUpdated"
	TypeRoomStarted   = "RoomStarted"
	TypeMoveSubmitted = "MoveSubmitted"
	TypeRoomFinished  = "RoomFinished"
	TypeRoomAbandoned = "RoomAbandoned"
)

// RoomCreatedPayload announces a freshly paired room in CONFIRMING.
type RoomCreatedPayload struct {
	RoomID          string    `json:"room_id"`
	Tier            string    `json:"tier"`
	BetAmount       int64     `json:"bet_amount"`
	PlayerA         string    `json:"player_a"`
	PlayerB         string    `json:"player_b"`
	QuestionCount   int       `json:"question_count"`
	ConfirmDeadline time.Time `json:"confirm_deadline"`
}

// RoomUpdatedPayload announces a room mutation that did not change status
// (e.g. a single player confirming).
type RoomUpdatedPayload struct {
	RoomID    string    `json:"room_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomStartedPayload announces the CONFIRMING -> PLAYING transition.
type RoomStartedPayload struct {
	RoomID          string    `json:"room_id"`
	StartedAt       time.Time `json:"started_at"`
	PlayDeadline    time.Time `json:"play_deadline"`
	QuestionCount   int       `json:"question_count"`
	TimePerQuestion int       `json:"time_per_question_sec"`
}

// MoveSubmittedPayload announces a committed move. It deliberately carries no
// correctness or score data; sessions recount from the move log.
type MoveSubmittedPayload struct {
	RoomID        string    `json:"room_id"`
	PlayerID      string    `json:"player_id"`
	QuestionIndex int       `json:"question_index"`
	TimedOut      bool      `json:"timed_out"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// RoomFinishedPayload announces the terminal FINISHED commit.
type RoomFinishedPayload struct {
	RoomID      string     `json:"room_id"`
	Winner      *uuid.UUID `json:"winner,omitempty"`
	ScoreA      int        `json:"score_a"`
	ScoreB      int        `json:"score_b"`
	FinalizedAt time.Time  `json:"finalized_at"`
}

// RoomAbandonedPayload announces a CONFIRMING/PLAYING room going ABANDONED,
// either by confirmation timeout or by forfeit.
type RoomAbandonedPayload struct {
	RoomID      string     `json:"room_id"`
	Winner      *uuid.UUID `json:"winner,omitempty"` // survivor on forfeit, nil otherwise
	Reason      string     `json:"reason"`
	AbandonedAt time.Time  `json:"abandoned_at"`
}
