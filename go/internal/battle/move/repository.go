package move

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/sqlutil"
)

// Repository is the append-only MoveLog. The primary key
// (room_id, player_id, question_index) is the only concurrency guard: a
// duplicate insert affects zero rows and the caller observes
// ErrAlreadyAnswered.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Append commits the move and bumps the room version in the same
// transaction, so feed subscribers can version-gate move notifications.
// Returns the room version after the bump.
func (r *Repository) Append(ctx context.Context, m models.Move) (int64, error) {
	var version int64
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO moves (room_id, player_id, question_index, chosen_option, correct, submitted_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (room_id, player_id, question_index) DO NOTHING`,
			m.RoomID, m.PlayerID, m.QuestionIndex,
			sqlutil.ToSqlInt32(m.ChosenOption), m.Correct,
		)
		if err != nil {
			return fmt.Errorf("failed to append move: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read appended rows: %w", err)
		}
		if affected == 0 {
			return ErrAlreadyAnswered
		}

		// The bump carries no winner or score data, but it is guarded on the
		// room still being PLAYING: a submit whose app-level status check read
		// the room just before a concurrent finalize committed must not land a
		// move on a closed room. Zero matched rows rolls the insert back.
		row := tx.QueryRowContext(ctx, `
			UPDATE rooms SET
				version = version + 1,
				current_question_index = GREATEST(current_question_index, $2),
				last_activity_at = now(),
				updated_at = now()
			WHERE id = $1 AND status = 'PLAYING'
			RETURNING version`,
			m.RoomID, m.QuestionIndex,
		)
		if err := row.Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRoomNotPlaying
			}
			return fmt.Errorf("failed to bump room version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// ListByRoom returns every committed move for a room in question order.
func (r *Repository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.Move, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, player_id, question_index, chosen_option, correct, submitted_at
		FROM moves
		WHERE room_id = $1
		ORDER BY question_index, submitted_at`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list moves: %w", err)
	}
	defer rows.Close()

	var moves []models.Move
	for rows.Next() {
		var (
			m      models.Move
			chosen sql.NullInt32
		)
		if err := rows.Scan(&m.RoomID, &m.PlayerID, &m.QuestionIndex, &chosen, &m.Correct, &m.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan move: %w", err)
		}
		m.ChosenOption = sqlutil.FromSqlInt32(chosen)
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

// CountCorrect derives a player's score by counting. There is no score
// column anywhere; the count is the score.
func (r *Repository) CountCorrect(ctx context.Context, roomID, playerID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM moves
		WHERE room_id = $1 AND player_id = $2 AND correct`,
		roomID, playerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count correct moves: %w", err)
	}
	return count, nil
}
