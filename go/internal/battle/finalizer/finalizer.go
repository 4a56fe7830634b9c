package finalizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/battle/settlement"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrNotEligible is returned when a room is still playable: not every
// question is answered by both players and the play deadline has not passed.
var ErrNotEligible = errors.New("room not eligible for finalization")

// RoomApp defines what the finalizer needs from the room app.
type RoomApp interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch room.Patch) (*models.Room, error)
}

// MoveLog defines what the finalizer needs from the move log.
type MoveLog interface {
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error)
}

// Ledger issues account credits. Credit is expected to be idempotent per
// (player, room) on the wallet side; we still only call it from the one
// writer that committed the terminal transition.
type Ledger interface {
	Credit(ctx context.Context, playerID uuid.UUID, amount int64, roomID uuid.UUID) error
}

// SettlementLog records settlement outcomes and guards against double credit.
type SettlementLog interface {
	Claim(ctx context.Context, roomID uuid.UUID, playerID *uuid.UUID, amount int64) (bool, error)
	Resolve(ctx context.Context, roomID uuid.UUID, status string, errMsg *string) error
}

// Finalizer closes rooms. Any number of callers may race to finalize the same
// room: the (status, version) guard on the terminal write picks exactly one
// committing writer, and only that writer settles the bet. Losers of the race
// re-read and adopt the committed result.
type Finalizer struct {
	rooms       RoomApp
	moves       MoveLog
	ledger      Ledger
	settlements SettlementLog
	clock       clockwork.Clock
}

func New(rooms RoomApp, moves MoveLog, ledger Ledger, settlements SettlementLog) *Finalizer {
	return &Finalizer{
		rooms:       rooms,
		moves:       moves,
		ledger:      ledger,
		settlements: settlements,
		clock:       clockwork.NewRealClock(),
	}
}

// WithClock swaps the clock, for tests.
func (f *Finalizer) WithClock(clock clockwork.Clock) *Finalizer {
	f.clock = clock
	return f
}

// Finalize drives a PLAYING room to FINISHED. It is idempotent: calling it on
// an already-terminal room returns that room without side effects. It returns
// ErrNotEligible while the room can still be played out.
func (f *Finalizer) Finalize(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	for {
		rm, err := f.rooms.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if rm.Terminal() {
			return rm, nil
		}
		if rm.Status != models.RoomStatusPlaying {
			return nil, fmt.Errorf("room %s is %s: %w", rm.ID, rm.Status, ErrNotEligible)
		}

		moves, err := f.moves.ListByRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !f.eligible(rm, moves) {
			return nil, ErrNotEligible
		}

		scores := scoreMoves(rm, moves)
		winner := pickWinner(rm, scores)
		status := models.RoomStatusFinished
		updated, err := f.rooms.ConditionalUpdate(ctx, rm.ID, models.RoomStatusPlaying, rm.Version, room.Patch{
			Status:      &status,
			Winner:      winner,
			FinalScores: &scores,
		})
		if errors.Is(err, room.ErrConflict) {
			// Someone else moved the room; re-read and either adopt their
			// terminal result or recompute against the new state.
			continue
		}
		if err != nil {
			return nil, err
		}

		f.settle(ctx, updated)
		return updated, nil
	}
}

// Forfeit drives a PLAYING room to ABANDONED with the surviving player as
// winner. Like Finalize, it adopts an existing terminal result instead of
// failing.
func (f *Finalizer) Forfeit(ctx context.Context, roomID, survivor uuid.UUID) (*models.Room, error) {
	for {
		rm, err := f.rooms.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if rm.Terminal() {
			return rm, nil
		}
		if rm.Status != models.RoomStatusPlaying {
			return nil, fmt.Errorf("room %s is %s: %w", rm.ID, rm.Status, ErrNotEligible)
		}
		if !rm.HasPlayer(survivor) {
			return nil, fmt.Errorf("player %s is not in room %s", survivor, rm.ID)
		}

		moves, err := f.moves.ListByRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		scores := scoreMoves(rm, moves)
		status := models.RoomStatusAbandoned
		winner := survivor
		updated, err := f.rooms.ConditionalUpdate(ctx, rm.ID, models.RoomStatusPlaying, rm.Version, room.Patch{
			Status:      &status,
			Winner:      &winner,
			FinalScores: &scores,
		})
		if errors.Is(err, room.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		f.settle(ctx, updated)
		return updated, nil
	}
}

// eligible reports whether the room can be closed: every question index has a
// move from both players, or the play deadline has elapsed.
func (f *Finalizer) eligible(rm *models.Room, moves []models.Move) bool {
	if rm.PlayDeadline != nil && !f.clock.Now().Before(*rm.PlayDeadline) {
		return true
	}
	answered := make(map[uuid.UUID]map[int]bool, 2)
	for _, m := range moves {
		if answered[m.PlayerID] == nil {
			answered[m.PlayerID] = make(map[int]bool, len(rm.Questions))
		}
		answered[m.PlayerID][m.QuestionIndex] = true
	}
	for _, player := range []uuid.UUID{rm.PlayerA, rm.PlayerB} {
		for i := range rm.Questions {
			if !answered[player][i] {
				return false
			}
		}
	}
	return true
}

// scoreMoves counts correct moves per seat from the move log. The log is the
// only source of truth for scores; nothing cached elsewhere is consulted.
func scoreMoves(rm *models.Room, moves []models.Move) models.FinalScores {
	var scores models.FinalScores
	for _, m := range moves {
		if !m.Correct {
			continue
		}
		switch m.PlayerID {
		case rm.PlayerA:
			scores.PlayerA++
		case rm.PlayerB:
			scores.PlayerB++
		}
	}
	return scores
}

// pickWinner returns nil on a draw.
func pickWinner(rm *models.Room, scores models.FinalScores) *uuid.UUID {
	switch {
	case scores.PlayerA > scores.PlayerB:
		return &rm.PlayerA
	case scores.PlayerB > scores.PlayerA:
		return &rm.PlayerB
	default:
		return nil
	}
}

// settle runs only on the writer that committed the terminal transition.
// A credit failure is recorded for manual reconciliation and never retried
// automatically; the room stays terminal either way.
func (f *Finalizer) settle(ctx context.Context, rm *models.Room) {
	pot := 2 * rm.BetAmount
	if rm.Winner == nil {
		claimed, err := f.settlements.Claim(ctx, rm.ID, nil, 0)
		if err != nil {
			log.Error().Err(err).Str("room_id", rm.ID.String()).Msg("failed to record draw settlement")
			return
		}
		if !claimed {
			log.Warn().Str("room_id", rm.ID.String()).Msg("room already settled")
			return
		}
		if err := f.settlements.Resolve(ctx, rm.ID, settlement.StatusSkipped, nil); err != nil {
			log.Error().Err(err).Str("room_id", rm.ID.String()).Msg("failed to resolve draw settlement")
		}
		return
	}

	claimed, err := f.settlements.Claim(ctx, rm.ID, rm.Winner, pot)
	if err != nil {
		log.Error().Err(err).Str("room_id", rm.ID.String()).Msg("failed to claim settlement")
		return
	}
	if !claimed {
		log.Warn().Str("room_id", rm.ID.String()).Msg("room already settled")
		return
	}

	if err := f.ledger.Credit(ctx, *rm.Winner, pot, rm.ID); err != nil {
		log.Error().Err(err).
			Str("room_id", rm.ID.String()).
			Str("winner", rm.Winner.String()).
			Int64("amount", pot).
			Msg("credit failed, settlement queued for manual reconciliation")
		msg := err.Error()
		if rerr := f.settlements.Resolve(ctx, rm.ID, settlement.StatusFailed, &msg); rerr != nil {
			log.Error().Err(rerr).Str("room_id", rm.ID.String()).Msg("failed to record settlement failure")
		}
		return
	}

	if err := f.settlements.Resolve(ctx, rm.ID, settlement.StatusCredited, nil); err != nil {
		log.Error().Err(err).Str("room_id", rm.ID.String()).Msg("failed to mark settlement credited")
	}
	log.Info().
		Str("room_id", rm.ID.String()).
		Str("winner", rm.Winner.String()).
		Int64("amount", pot).
		Msg("settled room")
}
