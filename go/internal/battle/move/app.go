package move

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/battle/events"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Log defines what the app layer needs from the move repository.
type Log interface {
	Append(ctx context.Context, m models.Move) (int64, error)
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error)
	CountCorrect(ctx context.Context, roomID, playerID uuid.UUID) (int, error)
}

// RoomReader defines what the app layer needs from the room store.
type RoomReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Room, error)
}

// OutboxApp defines what the app layer needs from the outbox.
type OutboxApp interface {
	InsertRoomEvent(ctx context.Context, roomID uuid.UUID, eventType string, version int64, payload []byte) error
}

// App validates and appends moves. Correctness is derived here, at write
// time, against the room's question set; it is never recomputed or amended
// afterwards.
type App struct {
	moves  Log
	rooms  RoomReader
	outbox OutboxApp
}

func NewApp(moves Log, rooms RoomReader, outbox OutboxApp) *App {
	return &App{moves: moves, rooms: rooms, outbox: outbox}
}

// Append commits one answer. Timeout submissions (nil option) and manual
// submissions share this path end to end, so the move log's uniqueness key
// is the only arbiter between them.
func (a *App) Append(ctx context.Context, req AppendMoveRequest) (*models.Move, error) {
	rm, err := a.rooms.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if !rm.HasPlayer(req.PlayerID) {
		return nil, ErrNotParticipant
	}
	if rm.Status != models.RoomStatusPlaying {
		return nil, ErrRoomNotPlaying
	}
	if req.QuestionIndex < 0 || req.QuestionIndex >= len(rm.Questions) {
		return nil, ErrInvalidIndex
	}

	question := rm.Questions[req.QuestionIndex]
	correct := false
	if req.OptionIndex != nil {
		if *req.OptionIndex < 0 || *req.OptionIndex >= len(question.Options) {
			return nil, ErrInvalidIndex
		}
		correct = *req.OptionIndex == question.CorrectIndex
	}

	m := models.Move{
		RoomID:        req.RoomID,
		PlayerID:      req.PlayerID,
		QuestionIndex: req.QuestionIndex,
		ChosenOption:  req.OptionIndex,
		Correct:       correct,
	}

	version, err := a.moves.Append(ctx, m)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(events.MoveSubmittedPayload{
		RoomID:        req.RoomID.String(),
		PlayerID:      req.PlayerID.String(),
		QuestionIndex: req.QuestionIndex,
		TimedOut:      req.OptionIndex == nil,
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", req.RoomID.String()).Msg("failed to marshal move event payload")
		return &m, nil
	}
	if err := a.outbox.InsertRoomEvent(ctx, req.RoomID, events.TypeMoveSubmitted, version, payload); err != nil {
		log.Error().Err(err).Str("room_id", req.RoomID.String()).Msg("failed to insert move event")
	}
	return &m, nil
}

func (a *App) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error) {
	return a.moves.ListByRoom(ctx, roomID)
}

func (a *App) CountCorrect(ctx context.Context, roomID, playerID uuid.UUID) (int, error) {
	return a.moves.CountCorrect(ctx, roomID, playerID)
}
