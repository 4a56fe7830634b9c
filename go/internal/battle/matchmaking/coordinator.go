package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/queue"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyInMatch is returned when the player already has an open room.
var ErrAlreadyInMatch = errors.New("player already in a match")

// ErrInvalidTier is returned for an unknown tier or a bet outside its bounds.
var ErrInvalidTier = errors.New("invalid tier or bet")

// ErrDeadlinePassed is returned when a confirmation arrives after the
// confirm window closed.
var ErrDeadlinePassed = errors.New("confirmation deadline passed")

// ErrNotParticipant is returned when the player has no seat in the room.
var ErrNotParticipant = errors.New("player is not in this room")

// TierRule bounds the bets a tier accepts.
type TierRule struct {
	Name   string `yaml:"name"`
	MinBet int64  `yaml:"min_bet"`
	MaxBet int64  `yaml:"max_bet"`
}

// Config holds the matchmaking timing windows and tier rules.
type Config struct {
	PassInterval  time.Duration `yaml:"pass_interval"`
	ConfirmWindow time.Duration `yaml:"confirm_window"`
	PlayWindow    time.Duration `yaml:"play_window"`
	Tiers         []TierRule    `yaml:"tiers"`
}

func DefaultConfig() Config {
	return Config{
		PassInterval:  5 * time.Second,
		ConfirmWindow: 30 * time.Second,
		PlayWindow:    5 * time.Minute,
		Tiers: []TierRule{
			{Name: "casual", MinBet: 0, MaxBet: 100},
			{Name: "ranked", MinBet: 10, MaxBet: 1000},
		},
	}
}

func (c Config) tier(name string) (TierRule, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierRule{}, false
}

// QueueStore defines what the coordinator needs from the queue repository.
type QueueStore interface {
	Insert(ctx context.Context, entry models.QueueEntry) error
	Delete(ctx context.Context, playerID uuid.UUID) error
	ListWaiting(ctx context.Context) ([]models.QueueEntry, error)
	ClaimPair(ctx context.Context, a, b models.QueueEntry, req room.CreateRoomRequest) (*models.Room, error)
}

// RoomApp defines what the coordinator needs from the room app.
type RoomApp interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	FindActiveRoomForPlayer(ctx context.Context, playerID uuid.UUID) (*models.Room, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch room.Patch) (*models.Room, error)
}

// QuestionProvider supplies each new room's ordered question set.
type QuestionProvider interface {
	QuestionSet(ctx context.Context, tier string) ([]models.Question, error)
}

// Coordinator pairs waiting players into rooms. The matching pass runs both
// on a timer and synchronously on every join; the queue claim is what makes
// the two invocation styles safe to overlap.
type Coordinator struct {
	queue     QueueStore
	rooms     RoomApp
	questions QuestionProvider
	cfg       Config
	clock     clockwork.Clock
	wakeCh    chan struct{}

	passMu sync.Mutex // one pass per process at a time; cross-process safety is the claim's job
}

func NewCoordinator(q QueueStore, rooms RoomApp, questions QuestionProvider, cfg Config) *Coordinator {
	return &Coordinator{
		queue:     q,
		rooms:     rooms,
		questions: questions,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		wakeCh:    make(chan struct{}, 1),
	}
}

// WithClock swaps the clock; tests inject a fake.
func (c *Coordinator) WithClock(clock clockwork.Clock) *Coordinator {
	c.clock = clock
	return c
}

// JoinQueue enqueues a player and immediately attempts a matching pass.
func (c *Coordinator) JoinQueue(ctx context.Context, playerID uuid.UUID, tier string, bet int64) (*models.QueueEntry, error) {
	rule, ok := c.cfg.tier(tier)
	if !ok || bet < rule.MinBet || bet > rule.MaxBet {
		return nil, ErrInvalidTier
	}

	if _, err := c.rooms.FindActiveRoomForPlayer(ctx, playerID); err == nil {
		return nil, ErrAlreadyInMatch
	} else if !errors.Is(err, room.ErrNotFound) {
		return nil, fmt.Errorf("failed to check active room: %w", err)
	}

	entry := models.QueueEntry{
		ID:         uuid.New(),
		PlayerID:   playerID,
		Tier:       tier,
		BetAmount:  bet,
		EnqueuedAt: c.clock.Now(),
	}
	if err := c.queue.Insert(ctx, entry); err != nil {
		return nil, err
	}

	log.Info().
		Str("player_id", playerID.String()).
		Str("tier", tier).
		Int64("bet", bet).
		Msg("player joined queue")

	if err := c.RunMatchingPass(ctx); err != nil {
		// The entry is safely queued; the timer-driven pass will retry.
		log.Error().Err(err).Msg("matching pass after join failed")
	}
	c.wake()

	return &entry, nil
}

// LeaveQueue removes the player's entry. Idempotent.
func (c *Coordinator) LeaveQueue(ctx context.Context, playerID uuid.UUID) error {
	return c.queue.Delete(ctx, playerID)
}

// RunMatchingPass scans the queue grouped by tier and bet and pairs
// oldest-first. Each pair goes through one atomic claim; losing a claim to a
// concurrent pass just skips the pair.
func (c *Coordinator) RunMatchingPass(ctx context.Context) error {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	entries, err := c.queue.ListWaiting(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	type bucket struct {
		tier string
		bet  int64
	}
	grouped := make(map[bucket][]models.QueueEntry)
	var order []bucket
	for _, e := range entries {
		b := bucket{tier: e.Tier, bet: e.BetAmount}
		if _, seen := grouped[b]; !seen {
			order = append(order, b)
		}
		grouped[b] = append(grouped[b], e)
	}

	for _, b := range order {
		waiting := grouped[b]
		for len(waiting) >= 2 {
			a, opponent := waiting[0], waiting[1]
			waiting = waiting[2:]
			if err := c.pair(ctx, a, opponent); err != nil {
				if errors.Is(err, queue.ErrClaimLost) {
					log.Debug().
						Str("tier", b.tier).
						Msg("claim lost to concurrent pass, skipping pair")
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) pair(ctx context.Context, a, b models.QueueEntry) error {
	questions, err := c.questions.QuestionSet(ctx, a.Tier)
	if err != nil {
		return fmt.Errorf("failed to fetch question set: %w", err)
	}

	req := room.CreateRoomRequest{
		ID:              uuid.New(),
		Tier:            a.Tier,
		BetAmount:       a.BetAmount,
		PlayerA:         a.PlayerID,
		PlayerB:         b.PlayerID,
		Questions:       questions,
		ConfirmDeadline: c.clock.Now().Add(c.cfg.ConfirmWindow),
	}

	created, err := c.queue.ClaimPair(ctx, a, b, req)
	if err != nil {
		return err
	}

	log.Info().
		Str("room_id", created.ID.String()).
		Str("player_a", created.PlayerA.String()).
		Str("player_b", created.PlayerB.String()).
		Str("tier", created.Tier).
		Msg("players paired")
	return nil
}

// ConfirmMatch records a player's confirmation; the second confirmation
// flips the room to PLAYING and stamps the total-match deadline. Conflicts
// are resolved by re-reading and retrying.
func (c *Coordinator) ConfirmMatch(ctx context.Context, roomID, playerID uuid.UUID) (*models.Room, error) {
	for {
		rm, err := c.rooms.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !rm.HasPlayer(playerID) {
			return nil, ErrNotParticipant
		}
		if rm.Status == models.RoomStatusPlaying && rm.Confirmed(playerID) {
			// Lost the update race to our opponent's confirm; the intent is
			// already satisfied.
			return rm, nil
		}
		if rm.Status != models.RoomStatusConfirming {
			return nil, ErrDeadlinePassed
		}
		if c.clock.Now().After(rm.ConfirmDeadline) {
			return nil, ErrDeadlinePassed
		}

		confirmed := true
		patch := room.Patch{}
		other := false
		if rm.PlayerA == playerID {
			patch.ConfirmedA = &confirmed
			other = rm.ConfirmedB
		} else {
			patch.ConfirmedB = &confirmed
			other = rm.ConfirmedA
		}
		if other {
			playing := models.RoomStatusPlaying
			deadline := c.clock.Now().Add(c.cfg.PlayWindow)
			patch.Status = &playing
			patch.PlayDeadline = &deadline
		}

		updated, err := c.rooms.ConditionalUpdate(ctx, rm.ID, models.RoomStatusConfirming, rm.Version, patch)
		if err != nil {
			if errors.Is(err, room.ErrConflict) {
				continue
			}
			return nil, err
		}

		log.Info().
			Str("room_id", roomID.String()).
			Str("player_id", playerID.String()).
			Str("status", string(updated.Status)).
			Msg("match confirmed")
		return updated, nil
	}
}

// Run loops the matching pass on a ticker, waking early on joins.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().Dur("pass_interval", c.cfg.PassInterval).Msg("matchmaking coordinator started")

	ticker := c.clock.NewTicker(c.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("matchmaking coordinator shutting down")
			return nil
		case <-ticker.Chan():
		case <-c.wakeCh:
		}
		if err := c.RunMatchingPass(ctx); err != nil {
			log.Error().Err(err).Msg("matching pass failed")
		}
	}
}

func (c *Coordinator) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}
