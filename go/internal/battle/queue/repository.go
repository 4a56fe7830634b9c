package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/arena/go/internal/battle/events"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/sqlutil"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert enqueues a player. The unique index on player_id is the guard
// against double-queueing.
func (r *Repository) Insert(ctx context.Context, entry models.QueueEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, player_id, tier, bet_amount, enqueued_at)
		VALUES ($1, $2, $3, $4, now())`,
		entry.ID, entry.PlayerID, entry.Tier, entry.BetAmount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyQueued
		}
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

// Delete removes a player's entry. Idempotent: deleting an absent entry is
// not an error.
func (r *Repository) Delete(ctx context.Context, playerID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE player_id = $1`, playerID); err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}

// ListWaiting returns all waiting entries FIFO, ties broken by player id.
func (r *Repository) ListWaiting(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, player_id, tier, bet_amount, enqueued_at
		FROM queue_entries
		ORDER BY enqueued_at, player_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.Tier, &e.BetAmount, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimPair atomically removes both entries and creates the room in
// CONFIRMING, with its RoomCreated event, in one transaction. If a
// concurrent pass already claimed either entry the delete matches fewer
// than two rows and the whole claim rolls back with ErrClaimLost.
func (r *Repository) ClaimPair(ctx context.Context, a, b models.QueueEntry, req room.CreateRoomRequest) (*models.Room, error) {
	var created *models.Room
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE id IN ($1, $2)`,
			a.ID, b.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to claim queue entries: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read claimed rows: %w", err)
		}
		if deleted != 2 {
			return ErrClaimLost
		}

		created, err = room.CreateTx(ctx, tx, req)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(events.RoomCreatedPayload{
			RoomID:          created.ID.String(),
			Tier:            created.Tier,
			BetAmount:       created.BetAmount,
			PlayerA:         created.PlayerA.String(),
			PlayerB:         created.PlayerB.String(),
			QuestionCount:   len(created.Questions),
			ConfirmDeadline: created.ConfirmDeadline,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal room created payload: %w", err)
		}
		return outbox.InsertRoomEventTx(ctx, tx, created.ID, events.TypeRoomCreated, created.Version, payload)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
