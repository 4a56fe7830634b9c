package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/feed"
	"github.com/mcdev12/arena/go/internal/battle/finalizer"
	"github.com/mcdev12/arena/go/internal/battle/move"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// State is the session-local view of where this player is in the match.
type State string

const (
	StateIdle State = "IDLE"
	// StateQueued is the leg between JoinQueue and room creation. There is no
	// room to attach to yet, so a session only reports it; Start moves past it
	// the moment a room exists.
	StateQueued     State = "QUEUED"
	StateConfirming State = "CONFIRMING"
	StatePlaying    State = "PLAYING"
	StateFinished   State = "FINISHED"
)

// ErrNotPlaying is returned for submissions while the session is not in play.
var ErrNotPlaying = errors.New("session is not playing")

// ErrWrongQuestion is returned when a submission targets anything but the
// session's current question.
var ErrWrongQuestion = errors.New("submission is not for the current question")

// RoomApp defines what the session needs from the room app.
type RoomApp interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
}

// MoveApp defines what the session needs from the move app.
type MoveApp interface {
	Append(ctx context.Context, req move.AppendMoveRequest) (*models.Move, error)
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error)
}

// Closer finalizes the room once this player has answered everything.
type Closer interface {
	Finalize(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
}

// Update is a snapshot pushed to the session owner after every reconciliation.
type Update struct {
	RoomID        uuid.UUID    `json:"room_id"`
	State         State        `json:"state"`
	Reconnecting  bool         `json:"reconnecting"`
	QuestionIndex int          `json:"question_index"`
	QuestionCount int          `json:"question_count"`
	YourScore     int          `json:"your_score"`
	OpponentScore int          `json:"opponent_score"`
	Winner        *uuid.UUID   `json:"winner,omitempty"`
	RoomStatus    models.RoomStatus `json:"room_status"`
}

// Session is one player's live attachment to a room. Both players run their
// own session and advance through the question set independently; the only
// coupling between them is the shared move log and the room row. The session's
// local timer submits a timeout move when the player does not answer in time,
// through the exact same path as a manual answer, so whichever write lands
// first wins and the other resolves to the same recorded move.
type Session struct {
	playerID        uuid.UUID
	rooms           RoomApp
	moves           MoveApp
	closer          Closer
	feed            feed.Feed
	questionTimeout time.Duration
	clock           clockwork.Clock

	mu           sync.Mutex
	state        State
	reconnecting bool
	roomID       uuid.UUID
	rm           *models.Room
	answered     map[int]bool
	localIndex   int
	myScore      int
	oppScore     int
	pending      []move.AppendMoveRequest
	timer        clockwork.Timer
	timerIndex   int
	sub          feed.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	updates chan Update
}

func New(playerID uuid.UUID, rooms RoomApp, moves MoveApp, closer Closer, fd feed.Feed, questionTimeout time.Duration) *Session {
	return &Session{
		playerID:        playerID,
		rooms:           rooms,
		moves:           moves,
		closer:          closer,
		feed:            fd,
		questionTimeout: questionTimeout,
		clock:           clockwork.NewRealClock(),
		state:           StateIdle,
		answered:        make(map[int]bool),
		timerIndex:      -1,
		updates:         make(chan Update, 16),
	}
}

// WithClock swaps the clock, for tests.
func (s *Session) WithClock(clock clockwork.Clock) *Session {
	s.clock = clock
	return s
}

// MarkQueued records that the player entered the matchmaking queue. There is
// no room yet, so this only affects the reported state; Start supersedes it
// once a room exists.
func (s *Session) MarkQueued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		s.state = StateQueued
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates is the stream of snapshots for the session owner. Sends are
// non-blocking; a slow consumer misses intermediate snapshots, never the
// mechanism.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Start attaches the session to a room: reads the room, rebuilds local
// position from the move log, and subscribes to the room's change feed. Safe
// to call on a room already in progress, which is also how a fresh process
// resumes a match.
func (s *Session) Start(ctx context.Context, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("session already started for room %s", s.roomID)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.roomID = roomID

	if err := s.attachLocked(ctx); err != nil {
		s.cancel()
		s.cancel = nil
		return err
	}
	s.emitLocked()
	return nil
}

// Stop detaches from the room without affecting its state.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SubmitAnswer records the player's answer to the current question. An answer
// that races the local timeout, or a duplicate delivery of the same answer,
// resolves as success against whatever move was recorded first.
func (s *Session) SubmitAnswer(ctx context.Context, optionIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying {
		return ErrNotPlaying
	}
	opt := optionIndex
	return s.submitLocked(ctx, s.localIndex, &opt)
}

// Reconnect rebuilds the session after connectivity loss: the feed
// subscription is torn down, cached state is dropped, the room and move log
// are re-read, buffered submissions are replayed, and a fresh subscription is
// attached. Replayed moves that were already recorded resolve as successes.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return errors.New("session not started")
	}

	log.Info().
		Str("room_id", s.roomID.String()).
		Str("player_id", s.playerID.String()).
		Int("buffered", len(s.pending)).
		Msg("reconnecting session")

	s.teardownLocked()
	if err := s.attachLocked(ctx); err != nil {
		return err
	}
	s.reconnecting = false

	pending := s.pending
	s.pending = nil
	for _, req := range pending {
		if s.answered[req.QuestionIndex] {
			continue
		}
		if err := s.submitLocked(ctx, req.QuestionIndex, req.OptionIndex); err != nil &&
			!errors.Is(err, ErrWrongQuestion) && !errors.Is(err, ErrNotPlaying) {
			return fmt.Errorf("failed to replay buffered move: %w", err)
		}
	}

	s.emitLocked()
	return nil
}

// attachLocked loads the room, rebuilds local position from the move log and
// subscribes to the feed. Cached state is rebuilt from scratch.
func (s *Session) attachLocked(ctx context.Context) error {
	rm, err := s.rooms.GetRoom(ctx, s.roomID)
	if err != nil {
		return err
	}
	if !rm.HasPlayer(s.playerID) {
		return fmt.Errorf("player %s is not in room %s", s.playerID, s.roomID)
	}

	s.rm = rm
	s.answered = make(map[int]bool)
	s.localIndex = 0
	s.myScore, s.oppScore = 0, 0

	moves, err := s.moves.ListByRoom(ctx, s.roomID)
	if err != nil {
		return err
	}
	s.applyMovesLocked(moves)

	switch {
	case rm.Terminal():
		s.state = StateFinished
		s.adoptFinalLocked(rm)
	case rm.Status == models.RoomStatusPlaying:
		s.state = StatePlaying
		if s.localIndex < len(rm.Questions) {
			s.startTimerLocked(s.localIndex)
		}
	default:
		s.state = StateConfirming
	}

	sub, err := s.feed.Subscribe(s.ctx, s.roomID, s.handleEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe to room feed: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Session) teardownLocked() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.stopTimerLocked()
}

// submitLocked is the single write path for answers, manual or timed out.
// The move log's uniqueness key is the arbiter: ErrAlreadyAnswered means a
// racing write for the same slot already landed, which is a success here.
func (s *Session) submitLocked(ctx context.Context, questionIndex int, optionIndex *int) error {
	if s.state != StatePlaying {
		return ErrNotPlaying
	}
	if questionIndex != s.localIndex {
		return ErrWrongQuestion
	}
	if s.answered[questionIndex] {
		return nil
	}

	req := move.AppendMoveRequest{
		RoomID:        s.roomID,
		PlayerID:      s.playerID,
		QuestionIndex: questionIndex,
		OptionIndex:   optionIndex,
	}

	if s.reconnecting {
		// The store is known unreachable; buffer instead of burning a round
		// trip. The first submission buffered for a slot wins the replay, so
		// a manual answer is not overridden by its own later timeout.
		s.bufferLocked(req)
		s.emitLocked()
		return nil
	}

	recorded, err := s.moves.Append(ctx, req)
	switch {
	case err == nil:
		if recorded.Correct {
			s.myScore++
		}
	case errors.Is(err, move.ErrAlreadyAnswered):
		// A racing write for this slot won; the recorded move stands and the
		// next reconciliation picks up its correctness.
	case errors.Is(err, move.ErrRoomNotPlaying):
		// Room moved under us; reconcile will land on the terminal state.
		s.reconcileLocked(ctx)
		return ErrNotPlaying
	case errors.Is(err, move.ErrInvalidIndex), errors.Is(err, move.ErrNotParticipant):
		return err
	default:
		// Infrastructure failure: buffer the move for replay and flag the
		// session as reconnecting. The local timer keeps running; a timeout
		// firing during the outage buffers through the same path and the
		// per-slot dedup keeps the first submission. The server-side sweep
		// backstops a session that never comes back.
		log.Warn().
			Err(err).
			Str("room_id", s.roomID.String()).
			Str("player_id", s.playerID.String()).
			Int("question_index", questionIndex).
			Msg("move submission failed, buffering for replay")
		s.bufferLocked(req)
		s.reconnecting = true
		s.emitLocked()
		return err
	}

	s.answered[questionIndex] = true
	s.stopTimerLocked()
	s.localIndex++

	if s.localIndex >= len(s.rm.Questions) {
		s.finishLocked(ctx)
	} else {
		s.startTimerLocked(s.localIndex)
	}
	s.emitLocked()
	return nil
}

// bufferLocked queues a move for replay after reconnect. At most one
// submission is held per question slot; the first one buffered wins.
func (s *Session) bufferLocked(req move.AppendMoveRequest) {
	for _, p := range s.pending {
		if p.QuestionIndex == req.QuestionIndex {
			return
		}
	}
	s.pending = append(s.pending, req)
}

// finishLocked runs when this player has answered every question. The room
// can only close once the opponent is done too, so a too-early attempt is
// expected and ignored.
func (s *Session) finishLocked(ctx context.Context) {
	rm, err := s.closer.Finalize(ctx, s.roomID)
	if err != nil {
		if errors.Is(err, finalizer.ErrNotEligible) {
			log.Debug().
				Str("room_id", s.roomID.String()).
				Str("player_id", s.playerID.String()).
				Msg("locally done, waiting for opponent")
			return
		}
		log.Error().Err(err).Str("room_id", s.roomID.String()).Msg("finalize attempt failed")
		return
	}
	s.rm = rm
	s.state = StateFinished
	s.adoptFinalLocked(rm)
}

// handleEnvelope is the feed callback. Every admitted envelope is treated
// purely as a re-read signal.
func (s *Session) handleEnvelope(env outbox.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.reconcileLocked(s.ctx)
	s.emitLocked()
}

// reconcileLocked re-reads the room and move log and recomputes everything
// derived: state, scores, and whether the local timer should be running.
// Scores are always recounted from the log, never incrementally trusted.
func (s *Session) reconcileLocked(ctx context.Context) {
	rm, err := s.rooms.GetRoom(ctx, s.roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", s.roomID.String()).Msg("reconcile read failed")
		return
	}
	s.rm = rm

	moves, err := s.moves.ListByRoom(ctx, s.roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", s.roomID.String()).Msg("reconcile move read failed")
		return
	}
	s.answered = make(map[int]bool)
	s.localIndex = 0
	s.applyMovesLocked(moves)

	switch {
	case rm.Terminal():
		s.state = StateFinished
		s.stopTimerLocked()
		s.adoptFinalLocked(rm)
	case rm.Status == models.RoomStatusPlaying:
		if s.state != StatePlaying {
			log.Info().
				Str("room_id", s.roomID.String()).
				Str("player_id", s.playerID.String()).
				Msg("match started")
		}
		s.state = StatePlaying
		if s.localIndex < len(rm.Questions) {
			if s.timerIndex != s.localIndex {
				s.startTimerLocked(s.localIndex)
			}
		} else {
			s.stopTimerLocked()
			s.finishLocked(ctx)
		}
	default:
		s.state = StateConfirming
	}
}

// applyMovesLocked rebuilds answered/localIndex/scores from the move log.
func (s *Session) applyMovesLocked(moves []models.Move) {
	s.myScore, s.oppScore = 0, 0
	for _, m := range moves {
		if m.PlayerID == s.playerID {
			s.answered[m.QuestionIndex] = true
			if m.Correct {
				s.myScore++
			}
		} else if m.Correct {
			s.oppScore++
		}
	}
	for s.answered[s.localIndex] {
		s.localIndex++
	}
}

// adoptFinalLocked prefers the committed final scores over locally counted
// ones once the room is terminal.
func (s *Session) adoptFinalLocked(rm *models.Room) {
	if rm.FinalScores == nil {
		return
	}
	s.myScore = rm.ScoreOf(s.playerID)
	s.oppScore = rm.ScoreOf(rm.Opponent(s.playerID))
}

// startTimerLocked arms the local timeout for one question. The fire path
// goes through submitLocked with a nil option, same as a manual answer.
func (s *Session) startTimerLocked(questionIndex int) {
	s.stopTimerLocked()
	timer := s.clock.NewTimer(s.questionTimeout)
	s.timer = timer
	s.timerIndex = questionIndex

	go func(idx int, t clockwork.Timer, ctx context.Context) {
		select {
		case <-t.Chan():
			s.timeoutFired(ctx, idx)
		case <-ctx.Done():
			stopAndDrainTimer(t)
		}
	}(questionIndex, timer, s.ctx)
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		stopAndDrainTimer(s.timer)
		s.timer = nil
	}
	s.timerIndex = -1
}

// timeoutFired submits a timeout move for the question the timer was armed
// for, unless the player's answer already landed.
func (s *Session) timeoutFired(ctx context.Context, questionIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying || s.localIndex != questionIndex || s.answered[questionIndex] {
		return
	}
	log.Debug().
		Str("room_id", s.roomID.String()).
		Str("player_id", s.playerID.String()).
		Int("question_index", questionIndex).
		Msg("question timed out")
	if err := s.submitLocked(ctx, questionIndex, nil); err != nil {
		log.Warn().Err(err).Str("room_id", s.roomID.String()).Msg("timeout submission failed")
	}
}

func (s *Session) emitLocked() {
	if s.rm == nil {
		return
	}
	u := Update{
		RoomID:        s.roomID,
		State:         s.state,
		Reconnecting:  s.reconnecting,
		QuestionIndex: s.localIndex,
		QuestionCount: len(s.rm.Questions),
		YourScore:     s.myScore,
		OpponentScore: s.oppScore,
		Winner:        s.rm.Winner,
		RoomStatus:    s.rm.Status,
	}
	select {
	case s.updates <- u:
	default:
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks, per the time.Timer.Stop() documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
