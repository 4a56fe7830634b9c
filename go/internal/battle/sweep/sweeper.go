package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// RoomApp defines what the sweeper needs from the room app.
type RoomApp interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch room.Patch) (*models.Room, error)
	FetchNextDeadline(ctx context.Context, grace time.Duration) (*room.Deadline, error)
	FetchRoomsDue(ctx context.Context, now time.Time, grace time.Duration, limit int32) ([]uuid.UUID, error)
}

// MoveLog defines what the sweeper needs from the move log.
type MoveLog interface {
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error)
}

// Closer finalizes or forfeits rooms on the sweeper's behalf.
type Closer interface {
	Finalize(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
	Forfeit(ctx context.Context, roomID, survivor uuid.UUID) (*models.Room, error)
}

// Ledger returns stakes for rooms abandoned before play started.
type Ledger interface {
	Refund(ctx context.Context, playerID uuid.UUID, roomID uuid.UUID) error
}

// QueueStore re-enqueues a player whose match died through no fault of theirs.
type QueueStore interface {
	Insert(ctx context.Context, entry models.QueueEntry) error
}

// Sweeper is the server-side safety net behind client-local timers. It sleeps
// until the earliest actionable deadline across open rooms, then drives due
// rooms through a worker pool: confirmation timeouts are abandoned, elapsed
// play deadlines are finalized, and stalled rooms are forfeited. Everything it
// does goes through the same conditional updates as live traffic, so racing a
// client is safe.
type Sweeper struct {
	rooms      RoomApp
	moves      MoveLog
	closer     Closer
	ledger     Ledger
	queue      QueueStore
	grace      time.Duration
	batchSize  int32
	clock      clockwork.Clock
	wakeCh     chan struct{}
	instanceID string

	numWorkers int
	workCh     chan uuid.UUID

	// Track in-flight rooms to prevent duplicate processing.
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex
}

func NewSweeper(rooms RoomApp, moves MoveLog, closer Closer, ledger Ledger, queue QueueStore, grace time.Duration, batchSize int32) *Sweeper {
	numWorkers := 10
	return &Sweeper{
		rooms:      rooms,
		moves:      moves,
		closer:     closer,
		ledger:     ledger,
		queue:      queue,
		grace:      grace,
		batchSize:  batchSize,
		clock:      clockwork.NewRealClock(),
		wakeCh:     make(chan struct{}, 1),
		instanceID: uuid.New().String()[:8],

		numWorkers: numWorkers,
		workCh:     make(chan uuid.UUID, numWorkers*2),
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// WithClock swaps the clock, for tests.
func (s *Sweeper) WithClock(clock clockwork.Clock) *Sweeper {
	s.clock = clock
	return s
}

// Wake nudges the sweeper to re-fetch the next deadline. Called after writes
// that may have produced a sooner deadline.
func (s *Sweeper) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops forever, sleeping until the next deadline and sweeping due rooms.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Info().Str("instance", s.instanceID).Int("workers", s.numWorkers).Msg("sweeper started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < s.numWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}

	defer func() {
		log.Info().Str("instance", s.instanceID).Msg("shutting down sweep workers")
		cancelWorkers()
		close(s.workCh)
		wg.Wait()
		log.Info().Str("instance", s.instanceID).Msg("all sweep workers shut down")
	}()

	timer := s.clock.NewTimer(0)
	defer timer.Stop()

	const idlePollDuration = 5 * time.Second
	retryCount := 0
	const maxRetries = 3

	for {
		select {
		case <-s.wakeCh:
			log.Debug().Str("instance", s.instanceID).Msg("drained wake channel")
		default:
		}

		nd, err := s.rooms.FetchNextDeadline(ctx, s.grace)
		if err != nil {
			retryCount++
			if retryCount <= maxRetries {
				log.Error().
					Err(err).
					Int("retry", retryCount).
					Str("instance", s.instanceID).
					Msg("error fetching next deadline, retrying")
				timer.Reset(time.Second * time.Duration(retryCount))
				select {
				case <-timer.Chan():
					continue
				case <-ctx.Done():
					return nil
				}
			}
			log.Error().Err(err).Str("instance", s.instanceID).Msg("error fetching next deadline after retries")
			return err
		}
		retryCount = 0

		if nd == nil || nd.Due == nil {
			// No open rooms; idle with timer reuse.
			timer.Reset(idlePollDuration)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				log.Info().Str("instance", s.instanceID).Msg("shutdown during idle")
				return nil
			case <-s.wakeCh:
				log.Debug().Str("instance", s.instanceID).Msg("woken up from idle")
				continue
			}
		}

		wait := nd.Due.Sub(s.clock.Now())
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
				log.Debug().Str("instance", s.instanceID).Msg("timer fired, fetching due rooms")
			case <-ctx.Done():
				log.Info().Str("instance", s.instanceID).Msg("shutdown during wait")
				return nil
			case <-s.wakeCh:
				log.Debug().Str("instance", s.instanceID).Msg("woken up early, new sooner deadline")
				continue
			}
		}

		due, err := s.rooms.FetchRoomsDue(ctx, s.clock.Now(), s.grace, s.batchSize)
		if err != nil {
			log.Error().Err(err).Str("instance", s.instanceID).Msg("error fetching due rooms")
			timer.Reset(time.Second)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if len(due) == 0 {
			continue
		}

		log.Info().
			Int("count_due", len(due)).
			Int32("batch_size", s.batchSize).
			Str("instance", s.instanceID).
			Msg("sweeping due rooms")

		for _, roomID := range due {
			s.inFlightMu.Lock()
			if s.inFlight[roomID] {
				log.Debug().Str("room_id", roomID.String()).Str("instance", s.instanceID).Msg("skipping room already in flight")
				s.inFlightMu.Unlock()
				continue
			}
			s.inFlight[roomID] = true
			s.inFlightMu.Unlock()

			select {
			case <-ctx.Done():
				s.inFlightMu.Lock()
				delete(s.inFlight, roomID)
				s.inFlightMu.Unlock()
				log.Info().Str("instance", s.instanceID).Msg("shutdown while queueing sweeps")
				return nil
			case s.workCh <- roomID:
				log.Debug().Str("room_id", roomID.String()).Str("instance", s.instanceID).Msg("queued room for sweep worker")
			}
		}
	}
}

// worker processes due rooms from the work channel.
func (s *Sweeper) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case roomID, ok := <-s.workCh:
			if !ok {
				return
			}

			if err := s.handleDue(ctx, roomID); err != nil {
				log.Error().
					Err(err).
					Str("room_id", roomID.String()).
					Str("instance", s.instanceID).
					Int("worker_id", workerID).
					Msg("sweep failed")
			}

			s.inFlightMu.Lock()
			delete(s.inFlight, roomID)
			s.inFlightMu.Unlock()
		}
	}
}

// handleDue decides what a due room needs. A room can show up here and need
// nothing: a client's write may have landed between the fetch and the read.
func (s *Sweeper) handleDue(ctx context.Context, roomID uuid.UUID) error {
	rm, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			return nil
		}
		return err
	}
	if rm.Terminal() {
		return nil
	}

	now := s.clock.Now()
	switch rm.Status {
	case models.RoomStatusConfirming:
		if now.Before(rm.ConfirmDeadline) {
			return nil
		}
		return s.abandonUnconfirmed(ctx, rm)

	case models.RoomStatusPlaying:
		if rm.PlayDeadline != nil && !now.Before(*rm.PlayDeadline) {
			_, err := s.closer.Finalize(ctx, roomID)
			return err
		}
		if now.Sub(rm.LastActivityAt) >= s.grace {
			return s.handleStall(ctx, rm)
		}
		return nil

	default:
		return nil
	}
}

// abandonUnconfirmed closes a room whose confirmation window elapsed. Only a
// player who confirmed gets their stake back and a fresh queue entry; a
// no-show forfeits the stake.
func (s *Sweeper) abandonUnconfirmed(ctx context.Context, rm *models.Room) error {
	status := models.RoomStatusAbandoned
	updated, err := s.rooms.ConditionalUpdate(ctx, rm.ID, models.RoomStatusConfirming, rm.Version, room.Patch{
		Status: &status,
	})
	if errors.Is(err, room.ErrConflict) {
		// The second confirmation or another sweeper got there first.
		log.Debug().Str("room_id", rm.ID.String()).Msg("confirmation sweep lost race, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	var confirmer *uuid.UUID
	switch {
	case updated.ConfirmedA && !updated.ConfirmedB:
		confirmer = &updated.PlayerA
	case updated.ConfirmedB && !updated.ConfirmedA:
		confirmer = &updated.PlayerB
	}
	if confirmer != nil {
		if err := s.ledger.Refund(ctx, *confirmer, updated.ID); err != nil {
			log.Error().
				Err(err).
				Str("room_id", updated.ID.String()).
				Str("player_id", confirmer.String()).
				Msg("stake refund failed")
		}
		entry := models.QueueEntry{
			ID:        uuid.New(),
			PlayerID:  *confirmer,
			Tier:      updated.Tier,
			BetAmount: updated.BetAmount,
		}
		if err := s.queue.Insert(ctx, entry); err != nil {
			log.Error().
				Err(err).
				Str("room_id", updated.ID.String()).
				Str("player_id", confirmer.String()).
				Msg("failed to requeue confirmed player")
		}
	}

	log.Info().
		Str("room_id", updated.ID.String()).
		Msg("abandoned unconfirmed room")
	return nil
}

// handleStall closes a PLAYING room that has seen no writes for the grace
// window. A live session keeps writing even for an idle player, since local
// timers submit timeout moves, so silence means the client is gone. The seat
// with fewer moves is the one that stopped; if both stopped at the same point
// the room is abandoned as a stalemate with both stakes refunded.
func (s *Sweeper) handleStall(ctx context.Context, rm *models.Room) error {
	moves, err := s.moves.ListByRoom(ctx, rm.ID)
	if err != nil {
		return err
	}

	countA, countB := 0, 0
	for _, m := range moves {
		switch m.PlayerID {
		case rm.PlayerA:
			countA++
		case rm.PlayerB:
			countB++
		}
	}

	switch {
	case countA > countB:
		_, err := s.closer.Forfeit(ctx, rm.ID, rm.PlayerA)
		return err
	case countB > countA:
		_, err := s.closer.Forfeit(ctx, rm.ID, rm.PlayerB)
		return err
	}

	// Stalemate: neither seat is ahead, so neither wins.
	status := models.RoomStatusAbandoned
	updated, err := s.rooms.ConditionalUpdate(ctx, rm.ID, models.RoomStatusPlaying, rm.Version, room.Patch{
		Status: &status,
	})
	if errors.Is(err, room.ErrConflict) {
		log.Debug().Str("room_id", rm.ID.String()).Msg("stall sweep lost race, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	for _, playerID := range []uuid.UUID{updated.PlayerA, updated.PlayerB} {
		if err := s.ledger.Refund(ctx, playerID, updated.ID); err != nil {
			log.Error().
				Err(err).
				Str("room_id", updated.ID.String()).
				Str("player_id", playerID.String()).
				Msg("stake refund failed")
		}
	}

	log.Info().Str("room_id", updated.ID.String()).Msg("abandoned stalemate room")
	return nil
}
