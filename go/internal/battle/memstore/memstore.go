// Package memstore provides in-process implementations of the battle storage
// interfaces with the same semantics as the SQL repositories: versioned
// conditional updates, the move uniqueness key, and the atomic queue claim.
// Used by tests and by local single-node runs.
package memstore

import (
	"context"
	"sort"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/move"
	"github.com/mcdev12/arena/go/internal/battle/queue"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
)

// Store holds rooms, moves and queue entries behind one mutex, so the
// cross-table invariants the SQL layer gets from transactions hold here too.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	rooms   map[uuid.UUID]*models.Room
	moves   map[uuid.UUID][]models.Move
	entries map[uuid.UUID]models.QueueEntry
}

func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock:   clock,
		rooms:   make(map[uuid.UUID]*models.Room),
		moves:   make(map[uuid.UUID][]models.Move),
		entries: make(map[uuid.UUID]models.QueueEntry),
	}
}

// ---- room store ----

func (s *Store) Create(ctx context.Context, req room.CreateRoomRequest) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(req), nil
}

func (s *Store) createLocked(req room.CreateRoomRequest) *models.Room {
	now := s.clock.Now()
	rm := &models.Room{
		ID:              req.ID,
		Version:         1,
		Status:          models.RoomStatusConfirming,
		Tier:            req.Tier,
		BetAmount:       req.BetAmount,
		PlayerA:         req.PlayerA,
		PlayerB:         req.PlayerB,
		Questions:       req.Questions,
		ConfirmDeadline: req.ConfirmDeadline,
		LastActivityAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.rooms[rm.ID] = rm
	return copyRoom(rm)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	return copyRoom(rm), nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch room.Patch) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	if rm.Status != expectedStatus || rm.Version != expectedVersion {
		return nil, room.ErrConflict
	}

	if patch.Status != nil {
		rm.Status = *patch.Status
	}
	if patch.ConfirmedA != nil {
		rm.ConfirmedA = *patch.ConfirmedA
	}
	if patch.ConfirmedB != nil {
		rm.ConfirmedB = *patch.ConfirmedB
	}
	if patch.PlayDeadline != nil {
		rm.PlayDeadline = patch.PlayDeadline
	}
	if patch.Winner != nil {
		rm.Winner = patch.Winner
	}
	if patch.FinalScores != nil {
		rm.FinalScores = patch.FinalScores
	}
	if patch.CurrentQuestionIndex != nil {
		rm.CurrentQuestionIndex = *patch.CurrentQuestionIndex
	}
	rm.Version++
	now := s.clock.Now()
	rm.LastActivityAt = now
	rm.UpdatedAt = now
	return copyRoom(rm), nil
}

func (s *Store) FindActiveRoomForPlayer(ctx context.Context, playerID uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range s.rooms {
		if rm.Terminal() || !rm.HasPlayer(playerID) {
			continue
		}
		return copyRoom(rm), nil
	}
	return nil, room.ErrNotFound
}

func (s *Store) FetchNextDeadline(ctx context.Context, grace time.Duration) (*room.Deadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *room.Deadline
	for _, rm := range s.rooms {
		due, ok := roomDue(rm, grace)
		if !ok {
			continue
		}
		if next == nil || due.Before(*next.Due) {
			d := due
			next = &room.Deadline{RoomID: rm.ID, Due: &d}
		}
	}
	return next, nil
}

func (s *Store) FetchRoomsDue(ctx context.Context, now time.Time, grace time.Duration, limit int32) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []uuid.UUID
	for _, rm := range s.rooms {
		d, ok := roomDue(rm, grace)
		if !ok || now.Before(d) {
			continue
		}
		due = append(due, rm.ID)
		if int32(len(due)) >= limit {
			break
		}
	}
	return due, nil
}

func roomDue(rm *models.Room, grace time.Duration) (time.Time, bool) {
	switch rm.Status {
	case models.RoomStatusConfirming:
		return rm.ConfirmDeadline, true
	case models.RoomStatusPlaying:
		due := rm.LastActivityAt.Add(grace)
		if rm.PlayDeadline != nil && rm.PlayDeadline.Before(due) {
			due = *rm.PlayDeadline
		}
		return due, true
	default:
		return time.Time{}, false
	}
}

// ---- move log ----

func (s *Store) Append(ctx context.Context, m models.Move) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[m.RoomID]
	if !ok {
		return 0, room.ErrNotFound
	}
	// Same guard as the SQL append: a straggler whose status check raced a
	// concurrent finalize must not land a move on a closed room.
	if rm.Status != models.RoomStatusPlaying {
		return 0, move.ErrRoomNotPlaying
	}
	for _, existing := range s.moves[m.RoomID] {
		if existing.PlayerID == m.PlayerID && existing.QuestionIndex == m.QuestionIndex {
			return 0, move.ErrAlreadyAnswered
		}
	}

	m.SubmittedAt = s.clock.Now()
	s.moves[m.RoomID] = append(s.moves[m.RoomID], m)

	rm.Version++
	if m.QuestionIndex > rm.CurrentQuestionIndex {
		rm.CurrentQuestionIndex = m.QuestionIndex
	}
	rm.LastActivityAt = s.clock.Now()
	rm.UpdatedAt = rm.LastActivityAt
	return rm.Version, nil
}

func (s *Store) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moves := make([]models.Move, len(s.moves[roomID]))
	copy(moves, s.moves[roomID])
	sort.Slice(moves, func(i, j int) bool {
		if moves[i].QuestionIndex != moves[j].QuestionIndex {
			return moves[i].QuestionIndex < moves[j].QuestionIndex
		}
		return moves[i].SubmittedAt.Before(moves[j].SubmittedAt)
	})
	return moves, nil
}

func (s *Store) CountCorrect(ctx context.Context, roomID, playerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.moves[roomID] {
		if m.PlayerID == playerID && m.Correct {
			count++
		}
	}
	return count, nil
}

// ---- queue store ----

func (s *Store) Insert(ctx context.Context, entry models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.PlayerID == entry.PlayerID {
			return queue.ErrAlreadyQueued
		}
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = s.clock.Now()
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *Store) Delete(ctx context.Context, playerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.PlayerID == playerID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *Store) ListWaiting(ctx context.Context) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]models.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].PlayerID.String() < entries[j].PlayerID.String()
	})
	return entries, nil
}

func (s *Store) ClaimPair(ctx context.Context, a, b models.QueueEntry, req room.CreateRoomRequest) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[a.ID]; !ok {
		return nil, queue.ErrClaimLost
	}
	if _, ok := s.entries[b.ID]; !ok {
		return nil, queue.ErrClaimLost
	}
	delete(s.entries, a.ID)
	delete(s.entries, b.ID)
	return s.createLocked(req), nil
}

func copyRoom(rm *models.Room) *models.Room {
	cp := *rm
	if rm.PlayDeadline != nil {
		d := *rm.PlayDeadline
		cp.PlayDeadline = &d
	}
	if rm.Winner != nil {
		w := *rm.Winner
		cp.Winner = &w
	}
	if rm.FinalScores != nil {
		fs := *rm.FinalScores
		cp.FinalScores = &fs
	}
	cp.Questions = append([]models.Question(nil), rm.Questions...)
	return &cp
}
