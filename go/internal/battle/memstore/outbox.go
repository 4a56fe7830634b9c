package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/arena/go/internal/battle/feed"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
)

// Outbox records room events and, when wired to a MemoryFeed, delivers them
// to subscribers. Delivery is asynchronous, like the real outbox-to-stream
// pipeline; callers never observe their own event from inside the write.
type Outbox struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	feed   *feed.MemoryFeed
	events []outbox.Event
}

func NewOutbox(clock clockwork.Clock, fd *feed.MemoryFeed) *Outbox {
	return &Outbox{clock: clock, feed: fd}
}

func (o *Outbox) InsertRoomEvent(ctx context.Context, roomID uuid.UUID, eventType string, version int64, payload []byte) error {
	o.mu.Lock()
	event := outbox.Event{
		ID:        uuid.New(),
		RoomID:    roomID,
		EventType: eventType,
		Version:   version,
		Payload:   payload,
		CreatedAt: o.clock.Now(),
	}
	o.events = append(o.events, event)
	o.mu.Unlock()

	if o.feed != nil {
		go o.feed.Publish(outbox.Envelope{
			EventID:   event.ID.String(),
			EventType: event.EventType,
			RoomID:    event.RoomID.String(),
			Version:   event.Version,
			Timestamp: event.CreatedAt,
			Payload:   event.Payload,
		})
	}
	return nil
}

// Events returns a snapshot of everything inserted so far.
func (o *Outbox) Events() []outbox.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make([]outbox.Event, len(o.events))
	copy(snapshot, o.events)
	return snapshot
}
