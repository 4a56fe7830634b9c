package models

import (
	"github.com/google/uuid"
	"time"
)

// RoomStatus defines the lifecycle status of a battle room.
type RoomStatus string

const (
	RoomStatusWaiting    RoomStatus = "WAITING"
	RoomStatusConfirming RoomStatus = "CONFIRMING"
	RoomStatusPlaying    RoomStatus = "PLAYING"
	RoomStatusFinished   RoomStatus = "FINISHED"
	RoomStatusAbandoned  RoomStatus = "ABANDONED"
)

// Question is a single entry in a room's ordered question set.
// CorrectIndex is never exposed through the gateway; it is only consulted
// server-side when a move is appended.
type Question struct {
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
}

// FinalScores holds the per-player scores committed at finalization.
type FinalScores struct {
	PlayerA int `json:"player_a"`
	PlayerB int `json:"player_b"`
}

// Room represents one two-player match and its authoritative state.
// Version increments on every write; status/winner/score-bearing writes only
// ever happen through conditional updates guarded by (status, version).
type Room struct {
	ID                   uuid.UUID    `json:"id"`
	Version              int64        `json:"version"`
	Status               RoomStatus   `json:"status"`
	Tier                 string       `json:"tier"`
	BetAmount            int64        `json:"bet_amount"`
	PlayerA              uuid.UUID    `json:"player_a"`
	PlayerB              uuid.UUID    `json:"player_b"`
	Questions            []Question   `json:"questions"`
	CurrentQuestionIndex int          `json:"current_question_index"`
	ConfirmedA           bool         `json:"confirmed_a"`
	ConfirmedB           bool         `json:"confirmed_b"`
	ConfirmDeadline      time.Time    `json:"confirm_deadline"`
	PlayDeadline         *time.Time   `json:"play_deadline,omitempty"` // set when PLAYING starts
	Winner               *uuid.UUID   `json:"winner,omitempty"`        // nil until finalized; nil on a draw
	FinalScores          *FinalScores `json:"final_scores,omitempty"`
	LastActivityAt       time.Time    `json:"last_activity_at"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// HasPlayer reports whether the given player is one of the room's two seats.
func (r *Room) HasPlayer(playerID uuid.UUID) bool {
	return r.PlayerA == playerID || r.PlayerB == playerID
}

// Opponent returns the other seat of the room.
func (r *Room) Opponent(playerID uuid.UUID) uuid.UUID {
	if r.PlayerA == playerID {
		return r.PlayerB
	}
	return r.PlayerA
}

// Confirmed reports whether the given player has confirmed the match.
func (r *Room) Confirmed(playerID uuid.UUID) bool {
	if r.PlayerA == playerID {
		return r.ConfirmedA
	}
	return r.ConfirmedB
}

// Terminal reports whether the room is logically closed.
func (r *Room) Terminal() bool {
	return r.Status == RoomStatusFinished || r.Status == RoomStatusAbandoned
}

// ScoreOf returns the committed final score for a player, if finalized.
func (r *Room) ScoreOf(playerID uuid.UUID) int {
	if r.FinalScores == nil {
		return 0
	}
	if r.PlayerA == playerID {
		return r.FinalScores.PlayerA
	}
	return r.FinalScores.PlayerB
}
