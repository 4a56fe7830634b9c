package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/battle/events"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Store defines what the app layer needs from the room repository.
type Store interface {
	Create(ctx context.Context, req CreateRoomRequest) (*models.Room, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch Patch) (*models.Room, error)
	FindActiveRoomForPlayer(ctx context.Context, playerID uuid.UUID) (*models.Room, error)
	FetchNextDeadline(ctx context.Context, grace time.Duration) (*Deadline, error)
	FetchRoomsDue(ctx context.Context, now time.Time, grace time.Duration, limit int32) ([]uuid.UUID, error)
}

// OutboxApp defines what the app layer needs from the outbox.
type OutboxApp interface {
	InsertRoomEvent(ctx context.Context, roomID uuid.UUID, eventType string, version int64, payload []byte) error
}

// App wraps the room store and emits a change-feed event for every committed
// write. Event emission failures are logged, not surfaced: the store row is
// authoritative and the outbox fallback poller will not see an event that was
// never inserted, but subscribers also reconcile on periodic polls.
type App struct {
	store  Store
	outbox OutboxApp
}

func NewApp(store Store, outbox OutboxApp) *App {
	return &App{store: store, outbox: outbox}
}

func (a *App) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	created, err := a.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	a.emit(ctx, created, events.TypeRoomCreated, events.RoomCreatedPayload{
		RoomID:          created.ID.String(),
		Tier:            created.Tier,
		BetAmount:       created.BetAmount,
		PlayerA:         created.PlayerA.String(),
		PlayerB:         created.PlayerB.String(),
		QuestionCount:   len(created.Questions),
		ConfirmDeadline: created.ConfirmDeadline,
	})
	return created, nil
}

func (a *App) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	return a.store.Get(ctx, id)
}

func (a *App) FindActiveRoomForPlayer(ctx context.Context, playerID uuid.UUID) (*models.Room, error) {
	return a.store.FindActiveRoomForPlayer(ctx, playerID)
}

func (a *App) FetchNextDeadline(ctx context.Context, grace time.Duration) (*Deadline, error) {
	return a.store.FetchNextDeadline(ctx, grace)
}

func (a *App) FetchRoomsDue(ctx context.Context, now time.Time, grace time.Duration, limit int32) ([]uuid.UUID, error) {
	return a.store.FetchRoomsDue(ctx, now, grace, limit)
}

// ConditionalUpdate commits patch behind the (status, version) guard and
// emits the event matching the transition that actually happened.
func (a *App) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch Patch) (*models.Room, error) {
	updated, err := a.store.ConditionalUpdate(ctx, id, expectedStatus, expectedVersion, patch)
	if err != nil {
		return nil, err
	}

	switch {
	case patch.Status == nil || *patch.Status == expectedStatus:
		a.emit(ctx, updated, events.TypeRoomUpdated, events.RoomUpdatedPayload{
			RoomID:    updated.ID.String(),
			Status:    string(updated.Status),
			UpdatedAt: updated.UpdatedAt,
		})
	case *patch.Status == models.RoomStatusPlaying:
		var deadline time.Time
		if updated.PlayDeadline != nil {
			deadline = *updated.PlayDeadline
		}
		a.emit(ctx, updated, events.TypeRoomStarted, events.RoomStartedPayload{
			RoomID:        updated.ID.String(),
			StartedAt:     updated.UpdatedAt,
			PlayDeadline:  deadline,
			QuestionCount: len(updated.Questions),
		})
	case *patch.Status == models.RoomStatusFinished:
		payload := events.RoomFinishedPayload{
			RoomID:      updated.ID.String(),
			Winner:      updated.Winner,
			FinalizedAt: updated.UpdatedAt,
		}
		if updated.FinalScores != nil {
			payload.ScoreA = updated.FinalScores.PlayerA
			payload.ScoreB = updated.FinalScores.PlayerB
		}
		a.emit(ctx, updated, events.TypeRoomFinished, payload)
	case *patch.Status == models.RoomStatusAbandoned:
		reason := "confirmation timeout"
		if updated.Winner != nil {
			reason = "forfeit"
		}
		a.emit(ctx, updated, events.TypeRoomAbandoned, events.RoomAbandonedPayload{
			RoomID:      updated.ID.String(),
			Winner:      updated.Winner,
			Reason:      reason,
			AbandonedAt: updated.UpdatedAt,
		})
	default:
		a.emit(ctx, updated, events.TypeRoomUpdated, events.RoomUpdatedPayload{
			RoomID:    updated.ID.String(),
			Status:    string(updated.Status),
			UpdatedAt: updated.UpdatedAt,
		})
	}

	return updated, nil
}

func (a *App) emit(ctx context.Context, rm *models.Room, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", rm.ID.String()).Str("event_type", eventType).Msg("failed to marshal room event payload")
		return
	}
	if err := a.outbox.InsertRoomEvent(ctx, rm.ID, eventType, rm.Version, raw); err != nil {
		log.Error().Err(err).Str("room_id", rm.ID.String()).Str("event_type", eventType).Msg("failed to insert room event")
	}
}
