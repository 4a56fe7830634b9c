package gateway

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/arena/go/internal/battle/events"
)

// RoomEvent is the envelope pushed to WebSocket clients.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      EventType       `json:"type"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of room event.
type EventType string

const (
	EventTypeRoomCreated   EventType = events.TypeRoomCreated
	EventTypeRoomUpdated   EventType = events.TypeRoomUpdated
	EventTypeRoomStarted   EventType = events.TypeRoomStarted
	EventTypeMoveSubmitted EventType = events.TypeMoveSubmitted
	EventTypeRoomFinished  EventType = events.TypeRoomFinished
	EventTypeRoomAbandoned EventType = events.TypeRoomAbandoned
)

// ParseEventPayload parses event data into the appropriate payload struct.
func ParseEventPayload(event *RoomEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeRoomCreated:
		var payload events.RoomCreatedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoomUpdated:
		var payload events.RoomUpdatedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoomStarted:
		var payload events.RoomStartedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeMoveSubmitted:
		var payload events.MoveSubmittedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoomFinished:
		var payload events.RoomFinishedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoomAbandoned:
		var payload events.RoomAbandonedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil
	}
}
