package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
)

// MemoryFeed is an in-process Feed for tests and single-node setups. Publish
// fans an envelope out to every live subscription on the room, through the
// same version gate as the JetStream feed.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*memorySubscription]Handler
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[uuid.UUID]map[*memorySubscription]Handler)}
}

func (f *MemoryFeed) Subscribe(_ context.Context, roomID uuid.UUID, h Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &memorySubscription{feed: f, roomID: roomID, gate: &versionGate{}}
	if f.subs[roomID] == nil {
		f.subs[roomID] = make(map[*memorySubscription]Handler)
	}
	f.subs[roomID][sub] = h
	return sub, nil
}

// Publish delivers an envelope to the room's subscribers synchronously.
func (f *MemoryFeed) Publish(env outbox.Envelope) {
	roomID, err := uuid.Parse(env.RoomID)
	if err != nil {
		return
	}

	f.mu.Lock()
	type delivery struct {
		sub *memorySubscription
		h   Handler
	}
	var deliveries []delivery
	for sub, h := range f.subs[roomID] {
		deliveries = append(deliveries, delivery{sub, h})
	}
	f.mu.Unlock()

	for _, d := range deliveries {
		if d.sub.gate.admit(env.Version) {
			d.h(env)
		}
	}
}

type memorySubscription struct {
	feed   *MemoryFeed
	roomID uuid.UUID
	gate   *versionGate
	once   sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		defer s.feed.mu.Unlock()
		delete(s.feed.subs[s.roomID], s)
	})
}
