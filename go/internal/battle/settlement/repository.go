package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/sqlutil"
)

// Status of a settlement attempt.
const (
	StatusPending  = "PENDING"
	StatusCredited = "CREDITED"
	StatusFailed   = "FAILED"  // queued for manual reconciliation, never auto-retried
	StatusSkipped  = "SKIPPED" // draw: no credit to issue
)

// Record is one room's settlement outcome. room_id is the primary key, so
// the table doubles as an at-most-once guard on top of the committing-writer
// rule.
type Record struct {
	RoomID    uuid.UUID  `json:"room_id"`
	PlayerID  *uuid.UUID `json:"player_id,omitempty"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	Error     *string    `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Claim registers a pending settlement for the room. Returns false if the
// room already has one, in which case the caller must not credit.
func (r *Repository) Claim(ctx context.Context, roomID uuid.UUID, playerID *uuid.UUID, amount int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO settlements (room_id, player_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (room_id) DO NOTHING`,
		roomID, sqlutil.ToNullUUID(playerID), amount, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim settlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claimed settlement rows: %w", err)
	}
	return affected == 1, nil
}

// Resolve records the outcome of the credit attempt.
func (r *Repository) Resolve(ctx context.Context, roomID uuid.UUID, status string, errMsg *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE settlements SET status = $2, error = $3, updated_at = now()
		WHERE room_id = $1`,
		roomID, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve settlement: %w", err)
	}
	return nil
}

// ListFailed returns settlements awaiting manual reconciliation.
func (r *Repository) ListFailed(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, player_id, amount, status, error, created_at, updated_at
		FROM settlements
		WHERE status = $1
		ORDER BY created_at`,
		StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed settlements: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			playerID uuid.NullUUID
			errMsg   sql.NullString
		)
		if err := rows.Scan(&rec.RoomID, &playerID, &rec.Amount, &rec.Status, &errMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		rec.PlayerID = sqlutil.FromNullUUID(playerID)
		if errMsg.Valid {
			rec.Error = &errMsg.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
