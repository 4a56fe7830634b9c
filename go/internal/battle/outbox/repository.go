package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/sqlutil"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertRoomEvent queues a change-feed event for a room.
func (r *Repository) InsertRoomEvent(ctx context.Context, roomID uuid.UUID, eventType string, version int64, payload []byte) error {
	return insertRoomEvent(ctx, r.db, roomID, eventType, version, payload)
}

// InsertRoomEventTx queues an event inside an existing transaction, so a
// mutation and its notification commit together.
func InsertRoomEventTx(ctx context.Context, tx *sql.Tx, roomID uuid.UUID, eventType string, version int64, payload []byte) error {
	return insertRoomEvent(ctx, tx, roomID, eventType, version, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRoomEvent(ctx context.Context, db execer, roomID uuid.UUID, eventType string, version int64, payload []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO room_outbox (id, room_id, event_type, version, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), roomID, eventType, version, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
	}
	return nil
}

// FetchUnsent returns pending events oldest first.
func (r *Repository) FetchUnsent(ctx context.Context, limit int32) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_id, event_type, version, payload, created_at
		FROM room_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RoomID, &e.EventType, &e.Version, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FetchByID returns a single unsent event, typically in response to a
// LISTEN/NOTIFY wakeup carrying the event id.
func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	var e Event
	var sentAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, room_id, event_type, version, payload, created_at, sent_at
		FROM room_outbox
		WHERE id = $1 AND sent_at IS NULL`,
		id,
	).Scan(&e.ID, &e.RoomID, &e.EventType, &e.Version, &e.Payload, &e.CreatedAt, &sentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("outbox event not found or already sent")
		}
		return nil, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}
	e.SentAt = sqlutil.FromSqlTime(sentAt)
	return &e, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE room_outbox SET sent_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}
