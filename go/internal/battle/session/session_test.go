package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/feed"
	"github.com/mcdev12/arena/go/internal/battle/finalizer"
	"github.com/mcdev12/arena/go/internal/battle/memstore"
	"github.com/mcdev12/arena/go/internal/battle/move"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
)

type nopLedger struct{}

func (nopLedger) Credit(ctx context.Context, playerID uuid.UUID, amount int64, roomID uuid.UUID) error {
	return nil
}

type nopSettlements struct{}

func (nopSettlements) Claim(ctx context.Context, roomID uuid.UUID, playerID *uuid.UUID, amount int64) (bool, error) {
	return true, nil
}

func (nopSettlements) Resolve(ctx context.Context, roomID uuid.UUID, status string, errMsg *string) error {
	return nil
}

// flakyMoves wraps the real move app with an injectable append failure, to
// exercise the buffer-and-replay path.
type flakyMoves struct {
	app *move.App

	mu   sync.Mutex
	fail bool
}

func (f *flakyMoves) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *flakyMoves) Append(ctx context.Context, req move.AppendMoveRequest) (*models.Move, error) {
	f.mu.Lock()
	failing := f.fail
	f.mu.Unlock()
	if failing {
		return nil, errors.New("connection reset")
	}
	return f.app.Append(ctx, req)
}

func (f *flakyMoves) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error) {
	return f.app.ListByRoom(ctx, roomID)
}

type sessionEnv struct {
	clock   *clockwork.FakeClock
	store   *memstore.Store
	rooms   *room.App
	moves   *flakyMoves
	fd      *feed.MemoryFeed
	fin     *finalizer.Finalizer
	roomID  uuid.UUID
	playerA uuid.UUID
	playerB uuid.UUID
}

func newSessionEnv(t *testing.T, playing bool) *sessionEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := memstore.NewStore(clock)
	ob := memstore.NewOutbox(clock, nil)
	rooms := room.NewApp(store, ob)
	moves := &flakyMoves{app: move.NewApp(store, store, ob)}

	e := &sessionEnv{
		clock:   clock,
		store:   store,
		rooms:   rooms,
		moves:   moves,
		fd:      feed.NewMemoryFeed(),
		roomID:  uuid.New(),
		playerA: uuid.New(),
		playerB: uuid.New(),
	}
	e.fin = finalizer.New(rooms, store, nopLedger{}, nopSettlements{}).WithClock(clock)

	ctx := context.Background()
	created, err := store.Create(ctx, room.CreateRoomRequest{
		ID:        e.roomID,
		Tier:      "casual",
		BetAmount: 25,
		PlayerA:   e.playerA,
		PlayerB:   e.playerB,
		Questions: []models.Question{
			{Prompt: "q0", Options: []string{"a", "b"}, CorrectIndex: 0},
			{Prompt: "q1", Options: []string{"a", "b"}, CorrectIndex: 0},
			{Prompt: "q2", Options: []string{"a", "b"}, CorrectIndex: 1},
		},
		ConfirmDeadline: clock.Now().Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if playing {
		status := models.RoomStatusPlaying
		deadline := clock.Now().Add(5 * time.Minute)
		if _, err := store.ConditionalUpdate(ctx, e.roomID, models.RoomStatusConfirming, created.Version, room.Patch{
			Status:       &status,
			PlayDeadline: &deadline,
		}); err != nil {
			t.Fatalf("start room: %v", err)
		}
	}
	return e
}

func (e *sessionEnv) newSession(t *testing.T, playerID uuid.UUID) *Session {
	t.Helper()
	sess := New(playerID, e.rooms, e.moves, e.fin, e.fd, 10*time.Second).WithClock(e.clock)
	if err := sess.Start(context.Background(), e.roomID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(sess.Stop)
	return sess
}

// latestUpdate drains everything buffered on the updates channel and returns
// the last snapshot.
func latestUpdate(t *testing.T, sess *Session) Update {
	t.Helper()
	var u Update
	got := false
	for {
		select {
		case u = <-sess.Updates():
			got = true
		default:
			if !got {
				t.Fatal("no update available")
			}
			return u
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartOnConfirmingRoom(t *testing.T) {
	e := newSessionEnv(t, false)
	sess := e.newSession(t, e.playerA)

	u := latestUpdate(t, sess)
	if u.State != StateConfirming {
		t.Fatalf("expected CONFIRMING, got %s", u.State)
	}
	if err := sess.SubmitAnswer(context.Background(), 0); !errors.Is(err, ErrNotPlaying) {
		t.Fatalf("expected ErrNotPlaying before the match starts, got %v", err)
	}
}

func TestPlayersAdvanceIndependently(t *testing.T) {
	e := newSessionEnv(t, true)
	sessA := e.newSession(t, e.playerA)
	sessB := e.newSession(t, e.playerB)

	// Player A races ahead through all three questions while B sits on the
	// first one.
	for i := 0; i < 3; i++ {
		if err := sessA.SubmitAnswer(context.Background(), 0); err != nil {
			t.Fatalf("submit answer %d: %v", i, err)
		}
	}
	uA := latestUpdate(t, sessA)
	if uA.QuestionIndex != 3 {
		t.Fatalf("expected player A at index 3, got %d", uA.QuestionIndex)
	}
	if uA.State != StatePlaying {
		t.Fatalf("room should stay open until B finishes, got %s", uA.State)
	}

	if err := sessB.SubmitAnswer(context.Background(), 1); err != nil {
		t.Fatalf("B submit: %v", err)
	}
	uB := latestUpdate(t, sessB)
	if uB.QuestionIndex != 1 {
		t.Fatalf("expected player B at index 1, got %d", uB.QuestionIndex)
	}
}

func TestFinishWhenBothPlayersDone(t *testing.T) {
	e := newSessionEnv(t, true)
	sessB := e.newSession(t, e.playerB)
	for i := 0; i < 3; i++ {
		if err := sessB.SubmitAnswer(context.Background(), 0); err != nil {
			t.Fatalf("B submit %d: %v", i, err)
		}
	}

	sessA := e.newSession(t, e.playerA)
	for i := 0; i < 3; i++ {
		if err := sessA.SubmitAnswer(context.Background(), 1); err != nil {
			t.Fatalf("A submit %d: %v", i, err)
		}
	}

	// A was the last to finish, so their session drove the finalization.
	u := latestUpdate(t, sessA)
	if u.State != StateFinished {
		t.Fatalf("expected FINISHED, got %s", u.State)
	}
	if u.Winner == nil || *u.Winner != e.playerB {
		t.Fatalf("expected B to win 2-1, got %v", u.Winner)
	}
	if u.YourScore != 1 || u.OpponentScore != 2 {
		t.Fatalf("unexpected scores: you=%d opp=%d", u.YourScore, u.OpponentScore)
	}

	rm, err := e.rooms.GetRoom(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if rm.Status != models.RoomStatusFinished {
		t.Fatalf("expected room FINISHED, got %s", rm.Status)
	}
}

func TestManualAnswerAfterRacingWriteResolvesAsSuccess(t *testing.T) {
	e := newSessionEnv(t, true)
	sess := e.newSession(t, e.playerA)

	// A racing write for the same slot lands first, as a timeout submission
	// would.
	if _, err := e.moves.Append(context.Background(), move.AppendMoveRequest{
		RoomID:        e.roomID,
		PlayerID:      e.playerA,
		QuestionIndex: 0,
	}); err != nil {
		t.Fatalf("racing append: %v", err)
	}

	if err := sess.SubmitAnswer(context.Background(), 0); err != nil {
		t.Fatalf("manual answer should resolve against the recorded move: %v", err)
	}
	u := latestUpdate(t, sess)
	if u.QuestionIndex != 1 {
		t.Fatalf("expected index 1 after the duplicate resolved, got %d", u.QuestionIndex)
	}

	moves, err := e.moves.ListByRoom(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("list moves: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("expected exactly one recorded move for the slot, got %d", len(moves))
	}
}

func TestQuestionTimeoutSubmitsNilOption(t *testing.T) {
	e := newSessionEnv(t, true)
	sess := e.newSession(t, e.playerA)

	e.clock.Advance(10 * time.Second)

	waitFor(t, func() bool {
		moves, err := e.moves.ListByRoom(context.Background(), e.roomID)
		if err != nil {
			return false
		}
		return len(moves) == 1
	}, "timed out waiting for the timeout move")

	moves, _ := e.moves.ListByRoom(context.Background(), e.roomID)
	if moves[0].ChosenOption != nil {
		t.Fatalf("expected a nil-option timeout move, got %v", *moves[0].ChosenOption)
	}
	if moves[0].Correct {
		t.Fatal("a timeout is never correct")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-sess.Updates():
			if u.QuestionIndex == 1 {
				return
			}
		case <-deadline:
			t.Fatal("session did not advance past the timed out question")
		}
	}
}

func TestInfrastructureFailureBuffersAndReplays(t *testing.T) {
	e := newSessionEnv(t, true)
	sess := e.newSession(t, e.playerA)

	e.moves.setFailing(true)
	if err := sess.SubmitAnswer(context.Background(), 0); err == nil {
		t.Fatal("expected the infrastructure error to surface")
	}
	u := latestUpdate(t, sess)
	if !u.Reconnecting {
		t.Fatal("expected the session to flag itself reconnecting")
	}
	if u.QuestionIndex != 0 {
		t.Fatalf("index must not advance on a buffered move, got %d", u.QuestionIndex)
	}

	e.moves.setFailing(false)
	if err := sess.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	u = latestUpdate(t, sess)
	if u.Reconnecting {
		t.Fatal("expected reconnecting cleared after replay")
	}
	if u.QuestionIndex != 1 {
		t.Fatalf("expected the buffered move replayed, index at 1, got %d", u.QuestionIndex)
	}

	moves, err := e.moves.ListByRoom(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("list moves: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("expected one replayed move, got %d", len(moves))
	}
}

func TestTimerKeepsRunningWhileReconnecting(t *testing.T) {
	e := newSessionEnv(t, true)
	sess := e.newSession(t, e.playerA)

	e.moves.setFailing(true)
	if err := sess.SubmitAnswer(context.Background(), 0); err == nil {
		t.Fatal("expected the infrastructure error to surface")
	}
	latestUpdate(t, sess) // drain

	// The question timer is still armed through the outage; when it fires,
	// its timeout submission buffers through the same path.
	e.clock.Advance(10 * time.Second)
	select {
	case <-sess.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the timer to fire and buffer during the outage")
	}

	e.moves.setFailing(false)
	if err := sess.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	moves, err := e.moves.ListByRoom(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("list moves: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("expected one replayed move for the slot, got %d", len(moves))
	}
	// The manual answer was buffered first, so the racing timeout never
	// replaces it with a nil option.
	if moves[0].ChosenOption == nil {
		t.Fatal("expected the buffered manual answer to win the replay")
	}
}

func TestQueuedLegPrecedesRoomAttachment(t *testing.T) {
	e := newSessionEnv(t, false)
	sess := New(e.playerA, e.rooms, e.moves, e.fin, e.fd, 10*time.Second).WithClock(e.clock)

	if got := sess.State(); got != StateIdle {
		t.Fatalf("expected IDLE before queueing, got %s", got)
	}
	sess.MarkQueued()
	if got := sess.State(); got != StateQueued {
		t.Fatalf("expected QUEUED after joining the queue, got %s", got)
	}

	if err := sess.Start(context.Background(), e.roomID); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(sess.Stop)
	if got := sess.State(); got != StateConfirming {
		t.Fatalf("expected CONFIRMING once the room exists, got %s", got)
	}
}

func TestFeedEnvelopeTriggersReconcile(t *testing.T) {
	e := newSessionEnv(t, true)
	sessA := e.newSession(t, e.playerA)

	// The opponent finishes everything and the room closes while A is on the
	// first question.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		for _, p := range []uuid.UUID{e.playerA, e.playerB} {
			opt := 0
			if p == e.playerA {
				opt = 1
			}
			if _, err := e.moves.Append(ctx, move.AppendMoveRequest{
				RoomID:        e.roomID,
				PlayerID:      p,
				QuestionIndex: i,
				OptionIndex:   &opt,
			}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}
	if _, err := e.fin.Finalize(ctx, e.roomID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rm, err := e.rooms.GetRoom(ctx, e.roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	e.fd.Publish(outbox.Envelope{
		EventID:   uuid.New().String(),
		EventType: "battle.room_finished",
		RoomID:    e.roomID.String(),
		Version:   rm.Version,
		Timestamp: e.clock.Now(),
		Payload:   []byte(`{}`),
	})

	u := latestUpdate(t, sessA)
	if u.State != StateFinished {
		t.Fatalf("expected FINISHED after reconcile, got %s", u.State)
	}
	if u.YourScore != 1 || u.OpponentScore != 2 {
		t.Fatalf("expected committed final scores 1-2, got %d-%d", u.YourScore, u.OpponentScore)
	}
}

func TestStartRebuildsPositionFromMoveLog(t *testing.T) {
	e := newSessionEnv(t, true)

	ctx := context.Background()
	opt := 0
	for i := 0; i < 2; i++ {
		if _, err := e.moves.Append(ctx, move.AppendMoveRequest{
			RoomID:        e.roomID,
			PlayerID:      e.playerA,
			QuestionIndex: i,
			OptionIndex:   &opt,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sess := e.newSession(t, e.playerA)
	u := latestUpdate(t, sess)
	if u.QuestionIndex != 2 {
		t.Fatalf("expected resume at index 2, got %d", u.QuestionIndex)
	}
	if u.YourScore != 2 {
		t.Fatalf("expected score rebuilt to 2, got %d", u.YourScore)
	}
}

func TestStartRejectsOutsider(t *testing.T) {
	e := newSessionEnv(t, true)
	sess := New(uuid.New(), e.rooms, e.moves, e.fin, e.fd, 10*time.Second).WithClock(e.clock)
	if err := sess.Start(context.Background(), e.roomID); err == nil {
		t.Fatal("expected error for a player outside the room")
	}
}
