package room

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

// ErrConflict is returned when a conditional update matched no row: the
// stored status or version moved under the caller. Callers resolve it by
// re-reading, never by overwriting.
var ErrConflict = errors.New("room state conflict")

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("room not found")

// CreateRoomRequest carries everything needed to create a room in CONFIRMING.
type CreateRoomRequest struct {
	ID              uuid.UUID
	Tier            string
	BetAmount       int64
	PlayerA         uuid.UUID
	PlayerB         uuid.UUID
	Questions       []models.Question
	ConfirmDeadline time.Time
}

// Patch is the set of fields a conditional update may change. Nil fields are
// left untouched. Status, Winner and FinalScores can only ever be written
// through a conditional update; there is no unconditional write path for
// them.
type Patch struct {
	Status               *models.RoomStatus
	ConfirmedA           *bool
	ConfirmedB           *bool
	PlayDeadline         *time.Time
	Winner               *uuid.UUID
	FinalScores          *models.FinalScores
	CurrentQuestionIndex *int
}

// Deadline is the next actionable server-side deadline across open rooms.
type Deadline struct {
	RoomID uuid.UUID
	Due    *time.Time
}
