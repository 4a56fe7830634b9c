package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/finalizer"
	"github.com/mcdev12/arena/go/internal/battle/memstore"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
)

type fakeWallet struct {
	mu      sync.Mutex
	refunds map[uuid.UUID]int
	credits map[uuid.UUID]int64
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		refunds: make(map[uuid.UUID]int),
		credits: make(map[uuid.UUID]int64),
	}
}

func (f *fakeWallet) Refund(ctx context.Context, playerID uuid.UUID, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds[playerID]++
	return nil
}

func (f *fakeWallet) Credit(ctx context.Context, playerID uuid.UUID, amount int64, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[playerID] += amount
	return nil
}

func (f *fakeWallet) refundCount(playerID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[playerID]
}

func (f *fakeWallet) creditTotal(playerID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits[playerID]
}

type nopSettlements struct{}

func (nopSettlements) Claim(ctx context.Context, roomID uuid.UUID, playerID *uuid.UUID, amount int64) (bool, error) {
	return true, nil
}

func (nopSettlements) Resolve(ctx context.Context, roomID uuid.UUID, status string, errMsg *string) error {
	return nil
}

type sweepEnv struct {
	clock   *clockwork.FakeClock
	store   *memstore.Store
	rooms   *room.App
	wallet  *fakeWallet
	sweeper *Sweeper
	roomID  uuid.UUID
	playerA uuid.UUID
	playerB uuid.UUID
}

const sweepGrace = 45 * time.Second

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := memstore.NewStore(clock)
	rooms := room.NewApp(store, memstore.NewOutbox(clock, nil))
	wallet := newFakeWallet()
	closer := finalizer.New(rooms, store, wallet, nopSettlements{}).WithClock(clock)

	e := &sweepEnv{
		clock:   clock,
		store:   store,
		rooms:   rooms,
		wallet:  wallet,
		sweeper: NewSweeper(rooms, store, closer, wallet, store, sweepGrace, 50).WithClock(clock),
		roomID:  uuid.New(),
		playerA: uuid.New(),
		playerB: uuid.New(),
	}

	if _, err := store.Create(context.Background(), room.CreateRoomRequest{
		ID:        e.roomID,
		Tier:      "ranked",
		BetAmount: 100,
		PlayerA:   e.playerA,
		PlayerB:   e.playerB,
		Questions: []models.Question{
			{Prompt: "q0", Options: []string{"a", "b"}, CorrectIndex: 0},
			{Prompt: "q1", Options: []string{"a", "b"}, CorrectIndex: 0},
		},
		ConfirmDeadline: clock.Now().Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return e
}

func (e *sweepEnv) startPlaying(t *testing.T) {
	t.Helper()
	rm, err := e.store.Get(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	status := models.RoomStatusPlaying
	deadline := e.clock.Now().Add(5 * time.Minute)
	if _, err := e.store.ConditionalUpdate(context.Background(), e.roomID, rm.Status, rm.Version, room.Patch{
		Status:       &status,
		PlayDeadline: &deadline,
	}); err != nil {
		t.Fatalf("start room: %v", err)
	}
}

func (e *sweepEnv) appendMoves(t *testing.T, playerID uuid.UUID, count int) {
	t.Helper()
	opt := 0
	for i := 0; i < count; i++ {
		if _, err := e.store.Append(context.Background(), models.Move{
			RoomID:        e.roomID,
			PlayerID:      playerID,
			QuestionIndex: i,
			ChosenOption:  &opt,
			Correct:       true,
		}); err != nil {
			t.Fatalf("append move: %v", err)
		}
	}
}

func (e *sweepEnv) room(t *testing.T) *models.Room {
	t.Helper()
	rm, err := e.store.Get(context.Background(), e.roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	return rm
}

func TestSweepLeavesRoomBeforeConfirmDeadline(t *testing.T) {
	e := newSweepEnv(t)

	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}
	if rm := e.room(t); rm.Status != models.RoomStatusConfirming {
		t.Fatalf("room before its deadline must be untouched, got %s", rm.Status)
	}
}

func TestSweepAbandonsUnconfirmedRoom(t *testing.T) {
	e := newSweepEnv(t)

	// Player A confirmed in time, B never showed.
	rm := e.room(t)
	confirmed := true
	if _, err := e.store.ConditionalUpdate(context.Background(), e.roomID, models.RoomStatusConfirming, rm.Version, room.Patch{
		ConfirmedA: &confirmed,
	}); err != nil {
		t.Fatalf("confirm A: %v", err)
	}

	e.clock.Advance(31 * time.Second)
	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}

	rm = e.room(t)
	if rm.Status != models.RoomStatusAbandoned {
		t.Fatalf("expected ABANDONED, got %s", rm.Status)
	}
	if rm.Winner != nil {
		t.Fatalf("an unconfirmed room has no winner, got %v", rm.Winner)
	}
	if e.wallet.refundCount(e.playerA) != 1 {
		t.Fatal("expected the confirmed player's stake refunded")
	}
	if e.wallet.refundCount(e.playerB) != 0 {
		t.Fatal("a no-show forfeits the stake, no refund")
	}

	// The player who did confirm goes back into matching.
	waiting, err := e.store.ListWaiting(context.Background())
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 || waiting[0].PlayerID != e.playerA {
		t.Fatalf("expected player A requeued, got %+v", waiting)
	}
	if waiting[0].Tier != "ranked" || waiting[0].BetAmount != 100 {
		t.Fatalf("requeue must keep the original tier and bet, got %+v", waiting[0])
	}
}

func TestSweepDoesNotRequeueWhenNobodyConfirmed(t *testing.T) {
	e := newSweepEnv(t)

	e.clock.Advance(31 * time.Second)
	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}

	waiting, err := e.store.ListWaiting(context.Background())
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 0 {
		t.Fatalf("expected empty queue, got %+v", waiting)
	}
	if e.wallet.refundCount(e.playerA) != 0 || e.wallet.refundCount(e.playerB) != 0 {
		t.Fatal("neither no-show is refunded")
	}
}

func TestSweepFinalizesElapsedPlayDeadline(t *testing.T) {
	e := newSweepEnv(t)
	e.startPlaying(t)
	e.appendMoves(t, e.playerA, 2)
	e.appendMoves(t, e.playerB, 1)

	e.clock.Advance(5*time.Minute + time.Second)
	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}

	rm := e.room(t)
	if rm.Status != models.RoomStatusFinished {
		t.Fatalf("expected FINISHED, got %s", rm.Status)
	}
	if rm.Winner == nil || *rm.Winner != e.playerA {
		t.Fatalf("expected playerA to win on partial scores, got %v", rm.Winner)
	}
	if got := e.wallet.creditTotal(e.playerA); got != 200 {
		t.Fatalf("expected the pot credited to the winner, got %d", got)
	}
}

func TestSweepForfeitsStalledPlayer(t *testing.T) {
	e := newSweepEnv(t)
	e.startPlaying(t)
	e.appendMoves(t, e.playerA, 1)

	// A's move bumped last activity; after the grace window with no further
	// writes, B's silent seat forfeits.
	e.clock.Advance(sweepGrace)
	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}

	rm := e.room(t)
	if rm.Status != models.RoomStatusAbandoned {
		t.Fatalf("expected ABANDONED, got %s", rm.Status)
	}
	if rm.Winner == nil || *rm.Winner != e.playerA {
		t.Fatalf("expected the active player to survive, got %v", rm.Winner)
	}
	if got := e.wallet.creditTotal(e.playerA); got != 200 {
		t.Fatalf("expected survivor credited the pot, got %d", got)
	}
	if e.wallet.refundCount(e.playerB) != 0 {
		t.Fatal("a forfeited seat is not refunded")
	}
}

func TestSweepAbandonsStalemate(t *testing.T) {
	e := newSweepEnv(t)
	e.startPlaying(t)
	e.appendMoves(t, e.playerA, 1)
	opt := 0
	if _, err := e.store.Append(context.Background(), models.Move{
		RoomID:        e.roomID,
		PlayerID:      e.playerB,
		QuestionIndex: 0,
		ChosenOption:  &opt,
		Correct:       true,
	}); err != nil {
		t.Fatalf("append move: %v", err)
	}

	e.clock.Advance(sweepGrace)
	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}

	rm := e.room(t)
	if rm.Status != models.RoomStatusAbandoned {
		t.Fatalf("expected ABANDONED, got %s", rm.Status)
	}
	if rm.Winner != nil {
		t.Fatalf("a stalemate has no winner, got %v", rm.Winner)
	}
	if e.wallet.refundCount(e.playerA) != 1 || e.wallet.refundCount(e.playerB) != 1 {
		t.Fatal("expected both stakes refunded on a stalemate")
	}
}

func TestSweepIgnoresActiveRoom(t *testing.T) {
	e := newSweepEnv(t)
	e.startPlaying(t)
	e.appendMoves(t, e.playerA, 1)

	e.clock.Advance(sweepGrace / 2)
	if err := e.sweeper.handleDue(context.Background(), e.roomID); err != nil {
		t.Fatalf("handleDue: %v", err)
	}
	if rm := e.room(t); rm.Status != models.RoomStatusPlaying {
		t.Fatalf("an active room must be untouched, got %s", rm.Status)
	}
}

func TestFetchDueSurfacesStalledRooms(t *testing.T) {
	e := newSweepEnv(t)
	e.startPlaying(t)

	due, err := e.store.FetchRoomsDue(context.Background(), e.clock.Now(), sweepGrace, 10)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("fresh room must not be due, got %v", due)
	}

	e.clock.Advance(sweepGrace)
	due, err = e.store.FetchRoomsDue(context.Background(), e.clock.Now(), sweepGrace, 10)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 1 || due[0] != e.roomID {
		t.Fatalf("expected the stalled room due, got %v", due)
	}
}
