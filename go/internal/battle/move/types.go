package move

import (
	"errors"

	"github.com/google/uuid"
)

// ErrAlreadyAnswered is returned when a move for the same
// (room, player, question_index) key is already committed. The uniqueness
// key is the sole arbiter between a manual answer and its racing timeout
// twin: whichever write lands first wins, the loser discards its attempt.
var ErrAlreadyAnswered = errors.New("question already answered")

// ErrRoomNotPlaying is returned when a move targets a room outside PLAYING.
var ErrRoomNotPlaying = errors.New("room is not playing")

// ErrInvalidIndex is returned for a question index outside the room's
// question set, or an option index outside the question's option list.
var ErrInvalidIndex = errors.New("invalid index")

// ErrNotParticipant is returned when the submitting player has no seat in
// the room.
var ErrNotParticipant = errors.New("player is not in this room")

// AppendMoveRequest carries a single answer submission. A nil OptionIndex
// records a timeout; timeouts and manual answers travel the same path.
type AppendMoveRequest struct {
	RoomID        uuid.UUID
	PlayerID      uuid.UUID
	QuestionIndex int
	OptionIndex   *int
}
