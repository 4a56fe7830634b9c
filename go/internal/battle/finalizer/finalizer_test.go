package finalizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/memstore"
	"github.com/mcdev12/arena/go/internal/battle/move"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/battle/settlement"
	"github.com/mcdev12/arena/go/internal/models"
)

type creditCall struct {
	playerID uuid.UUID
	amount   int64
	roomID   uuid.UUID
}

type fakeLedger struct {
	mu      sync.Mutex
	credits []creditCall
	err     error
}

func (f *fakeLedger) Credit(ctx context.Context, playerID uuid.UUID, amount int64, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.credits = append(f.credits, creditCall{playerID: playerID, amount: amount, roomID: roomID})
	return nil
}

func (f *fakeLedger) calls() []creditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]creditCall(nil), f.credits...)
}

type fakeSettlements struct {
	mu       sync.Mutex
	claimed  map[uuid.UUID]bool
	resolved map[uuid.UUID]string
}

func newFakeSettlements() *fakeSettlements {
	return &fakeSettlements{
		claimed:  make(map[uuid.UUID]bool),
		resolved: make(map[uuid.UUID]string),
	}
}

func (f *fakeSettlements) Claim(ctx context.Context, roomID uuid.UUID, playerID *uuid.UUID, amount int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[roomID] {
		return false, nil
	}
	f.claimed[roomID] = true
	return true, nil
}

func (f *fakeSettlements) Resolve(ctx context.Context, roomID uuid.UUID, status string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[roomID] = status
	return nil
}

func (f *fakeSettlements) statusOf(roomID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[roomID]
}

type env struct {
	clock       *clockwork.FakeClock
	store       *memstore.Store
	rooms       *room.App
	ledger      *fakeLedger
	settlements *fakeSettlements
	finalizer   *Finalizer
	roomID      uuid.UUID
	playerA     uuid.UUID
	playerB     uuid.UUID
}

// newPlayingRoom builds a PLAYING room with three questions and a 5 minute
// play deadline.
func newPlayingRoom(t *testing.T) *env {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := memstore.NewStore(clock)
	rooms := room.NewApp(store, memstore.NewOutbox(clock, nil))
	ledger := &fakeLedger{}
	settlements := newFakeSettlements()

	e := &env{
		clock:       clock,
		store:       store,
		rooms:       rooms,
		ledger:      ledger,
		settlements: settlements,
		finalizer:   New(rooms, store, ledger, settlements).WithClock(clock),
		roomID:      uuid.New(),
		playerA:     uuid.New(),
		playerB:     uuid.New(),
	}

	ctx := context.Background()
	created, err := store.Create(ctx, room.CreateRoomRequest{
		ID:        e.roomID,
		Tier:      "casual",
		BetAmount: 50,
		PlayerA:   e.playerA,
		PlayerB:   e.playerB,
		Questions: []models.Question{
			{Prompt: "q0", Options: []string{"a", "b"}, CorrectIndex: 0},
			{Prompt: "q1", Options: []string{"a", "b"}, CorrectIndex: 0},
			{Prompt: "q2", Options: []string{"a", "b"}, CorrectIndex: 0},
		},
		ConfirmDeadline: clock.Now().Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	playing := models.RoomStatusPlaying
	deadline := clock.Now().Add(5 * time.Minute)
	if _, err := store.ConditionalUpdate(ctx, e.roomID, models.RoomStatusConfirming, created.Version, room.Patch{
		Status:       &playing,
		PlayDeadline: &deadline,
	}); err != nil {
		t.Fatalf("start room: %v", err)
	}
	return e
}

func (e *env) appendMove(t *testing.T, playerID uuid.UUID, questionIndex int, correct bool) {
	t.Helper()
	opt := 0
	if !correct {
		opt = 1
	}
	if _, err := e.store.Append(context.Background(), models.Move{
		RoomID:        e.roomID,
		PlayerID:      playerID,
		QuestionIndex: questionIndex,
		ChosenOption:  &opt,
		Correct:       correct,
	}); err != nil {
		t.Fatalf("append move: %v", err)
	}
}

func TestFinalizeNotEligibleWhileIncomplete(t *testing.T) {
	e := newPlayingRoom(t)
	e.appendMove(t, e.playerA, 0, true)

	if _, err := e.finalizer.Finalize(context.Background(), e.roomID); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if len(e.ledger.calls()) != 0 {
		t.Fatal("expected no credits on ineligible finalize")
	}
}

func TestFinalizeCreditsWinnerOnce(t *testing.T) {
	e := newPlayingRoom(t)
	for i := 0; i < 3; i++ {
		e.appendMove(t, e.playerA, i, true)
		e.appendMove(t, e.playerB, i, i == 0)
	}

	rm, err := e.finalizer.Finalize(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rm.Status != models.RoomStatusFinished {
		t.Fatalf("expected FINISHED, got %s", rm.Status)
	}
	if rm.Winner == nil || *rm.Winner != e.playerA {
		t.Fatalf("expected playerA to win, got %v", rm.Winner)
	}
	if rm.FinalScores == nil || rm.FinalScores.PlayerA != 3 || rm.FinalScores.PlayerB != 1 {
		t.Fatalf("unexpected final scores: %+v", rm.FinalScores)
	}

	calls := e.ledger.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one credit, got %d", len(calls))
	}
	if calls[0].playerID != e.playerA || calls[0].amount != 100 {
		t.Fatalf("expected playerA credited the 100 pot, got %+v", calls[0])
	}
	if got := e.settlements.statusOf(e.roomID); got != settlement.StatusCredited {
		t.Fatalf("expected settlement CREDITED, got %q", got)
	}

	// Finalizing again adopts the committed result without paying again.
	again, err := e.finalizer.Finalize(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if again.Status != models.RoomStatusFinished {
		t.Fatalf("expected FINISHED, got %s", again.Status)
	}
	if len(e.ledger.calls()) != 1 {
		t.Fatalf("expected still one credit, got %d", len(e.ledger.calls()))
	}
}

func TestFinalizeDrawHasNoWinnerAndNoCredit(t *testing.T) {
	e := newPlayingRoom(t)
	for i := 0; i < 3; i++ {
		e.appendMove(t, e.playerA, i, i < 2)
		e.appendMove(t, e.playerB, i, i < 2)
	}

	rm, err := e.finalizer.Finalize(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rm.Winner != nil {
		t.Fatalf("expected no winner on a draw, got %v", rm.Winner)
	}
	if rm.FinalScores == nil || rm.FinalScores.PlayerA != 2 || rm.FinalScores.PlayerB != 2 {
		t.Fatalf("unexpected final scores: %+v", rm.FinalScores)
	}
	if len(e.ledger.calls()) != 0 {
		t.Fatal("expected no credits on a draw")
	}
	if got := e.settlements.statusOf(e.roomID); got != settlement.StatusSkipped {
		t.Fatalf("expected settlement SKIPPED, got %q", got)
	}
}

func TestFinalizeEligibleAfterPlayDeadline(t *testing.T) {
	e := newPlayingRoom(t)
	e.appendMove(t, e.playerA, 0, true)
	e.appendMove(t, e.playerB, 0, false)

	e.clock.Advance(5*time.Minute + time.Second)

	rm, err := e.finalizer.Finalize(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("finalize after deadline: %v", err)
	}
	if rm.Status != models.RoomStatusFinished {
		t.Fatalf("expected FINISHED, got %s", rm.Status)
	}
	if rm.Winner == nil || *rm.Winner != e.playerA {
		t.Fatalf("expected playerA to win on partial scores, got %v", rm.Winner)
	}
}

func TestConcurrentFinalizeCreditsExactlyOnce(t *testing.T) {
	e := newPlayingRoom(t)
	for i := 0; i < 3; i++ {
		e.appendMove(t, e.playerA, i, true)
		e.appendMove(t, e.playerB, i, false)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = e.finalizer.Finalize(context.Background(), e.roomID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("racer %d failed: %v", i, err)
		}
	}
	if calls := e.ledger.calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one credit across %d racers, got %d", racers, len(calls))
	}
}

func TestFinalizeRecordsCreditFailureForReconciliation(t *testing.T) {
	e := newPlayingRoom(t)
	e.ledger.err = errors.New("wallet unavailable")
	for i := 0; i < 3; i++ {
		e.appendMove(t, e.playerA, i, true)
		e.appendMove(t, e.playerB, i, false)
	}

	rm, err := e.finalizer.Finalize(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("finalize should survive a credit failure: %v", err)
	}
	if rm.Status != models.RoomStatusFinished {
		t.Fatalf("expected FINISHED despite credit failure, got %s", rm.Status)
	}
	if got := e.settlements.statusOf(e.roomID); got != settlement.StatusFailed {
		t.Fatalf("expected settlement FAILED, got %q", got)
	}

	// The failure is never auto-retried.
	if _, err := e.finalizer.Finalize(context.Background(), e.roomID); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if len(e.ledger.calls()) != 0 {
		t.Fatal("expected no successful credits")
	}
}

func TestStragglerMoveRejectedAfterFinalize(t *testing.T) {
	e := newPlayingRoom(t)
	for i := 0; i < 3; i++ {
		e.appendMove(t, e.playerA, i, true)
	}
	e.appendMove(t, e.playerB, 0, true)
	e.appendMove(t, e.playerB, 1, true)

	// The play deadline elapses with B's last answer still in flight.
	e.clock.Advance(5*time.Minute + time.Second)
	rm, err := e.finalizer.Finalize(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The in-flight append loses: its status check read PLAYING, but the
	// guarded write lands after the terminal transition.
	opt := 0
	if _, err := e.store.Append(context.Background(), models.Move{
		RoomID:        e.roomID,
		PlayerID:      e.playerB,
		QuestionIndex: 2,
		ChosenOption:  &opt,
		Correct:       true,
	}); !errors.Is(err, move.ErrRoomNotPlaying) {
		t.Fatalf("expected ErrRoomNotPlaying for the straggler, got %v", err)
	}

	// The committed scores still equal the move-log count.
	moves, err := e.store.ListByRoom(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("list moves: %v", err)
	}
	countB := 0
	for _, m := range moves {
		if m.PlayerID == e.playerB && m.Correct {
			countB++
		}
	}
	if rm.FinalScores == nil || rm.FinalScores.PlayerB != countB {
		t.Fatalf("final score B=%v but move-log count B=%d", rm.FinalScores, countB)
	}
}

func TestForfeitAwardsSurvivor(t *testing.T) {
	e := newPlayingRoom(t)
	e.appendMove(t, e.playerA, 0, false)
	e.appendMove(t, e.playerB, 0, true)

	rm, err := e.finalizer.Forfeit(context.Background(), e.roomID, e.playerB)
	if err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if rm.Status != models.RoomStatusAbandoned {
		t.Fatalf("expected ABANDONED, got %s", rm.Status)
	}
	if rm.Winner == nil || *rm.Winner != e.playerB {
		t.Fatalf("expected survivor to win, got %v", rm.Winner)
	}

	calls := e.ledger.calls()
	if len(calls) != 1 || calls[0].playerID != e.playerB || calls[0].amount != 100 {
		t.Fatalf("expected survivor credited the pot, got %+v", calls)
	}
}

func TestForfeitRejectsOutsider(t *testing.T) {
	e := newPlayingRoom(t)

	if _, err := e.finalizer.Forfeit(context.Background(), e.roomID, uuid.New()); err == nil {
		t.Fatal("expected error for non-participant survivor")
	}
}
