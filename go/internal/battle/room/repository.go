package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

// Repository is the durable, versioned RoomStore. Rooms are never deleted;
// they are kept for audit and only mutated through Create and
// ConditionalUpdate.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const roomColumns = `id, version, status, tier, bet_amount, player_a, player_b,
	questions, current_question_index, confirmed_a, confirmed_b,
	confirm_deadline, play_deadline, winner, final_scores,
	last_activity_at, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	var created *models.Room
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		created, err = CreateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateTx inserts a room within an existing transaction. The matchmaking
// claim uses it so queue removal and room creation commit as one atomic
// step.
func CreateTx(ctx context.Context, tx *sql.Tx, req CreateRoomRequest) (*models.Room, error) {
	questions, err := json.Marshal(req.Questions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal question set: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO rooms (id, version, status, tier, bet_amount, player_a, player_b,
			questions, current_question_index, confirmed_a, confirmed_b,
			confirm_deadline, last_activity_at, created_at, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $7, 0, false, false, $8, now(), now(), now())
		RETURNING `+roomColumns,
		req.ID, models.RoomStatusConfirming, req.Tier, req.BetAmount,
		req.PlayerA, req.PlayerB, questions, req.ConfirmDeadline,
	)

	created, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	rm, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return rm, nil
}

// ConditionalUpdate applies patch only if the stored row still carries the
// expected status and version. Zero matched rows means another writer got
// there first and the caller must re-read.
func (r *Repository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.RoomStatus, expectedVersion int64, patch Patch) (*models.Room, error) {
	var status sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}

	var confirmedA, confirmedB sql.NullBool
	if patch.ConfirmedA != nil {
		confirmedA = sql.NullBool{Bool: *patch.ConfirmedA, Valid: true}
	}
	if patch.ConfirmedB != nil {
		confirmedB = sql.NullBool{Bool: *patch.ConfirmedB, Valid: true}
	}

	var finalScores pqtype.NullRawMessage
	if patch.FinalScores != nil {
		raw, err := json.Marshal(patch.FinalScores)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal final scores: %w", err)
		}
		finalScores = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE rooms SET
			status = COALESCE($4::text, status),
			confirmed_a = COALESCE($5::boolean, confirmed_a),
			confirmed_b = COALESCE($6::boolean, confirmed_b),
			play_deadline = COALESCE($7::timestamptz, play_deadline),
			winner = COALESCE($8::uuid, winner),
			final_scores = COALESCE($9::jsonb, final_scores),
			current_question_index = COALESCE($10::int, current_question_index),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING `+roomColumns,
		id, expectedStatus, expectedVersion,
		status, confirmedA, confirmedB,
		sqlutil.ToSqlTime(patch.PlayDeadline),
		sqlutil.ToNullUUID(patch.Winner),
		finalScores,
		sqlutil.ToSqlInt32(patch.CurrentQuestionIndex),
	)

	updated, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to conditionally update room: %w", err)
	}
	return updated, nil
}

// FindActiveRoomForPlayer returns the player's open room, if any. A player
// has at most one room in CONFIRMING or PLAYING at a time.
func (r *Repository) FindActiveRoomForPlayer(ctx context.Context, playerID uuid.UUID) (*models.Room, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE (player_a = $1 OR player_b = $1)
		  AND status IN ($2, $3)
		LIMIT 1`,
		playerID, models.RoomStatusConfirming, models.RoomStatusPlaying,
	)
	rm, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active room for player: %w", err)
	}
	return rm, nil
}

// FetchNextDeadline returns the soonest server-actionable deadline across
// open rooms: confirmation expiry for CONFIRMING, the earlier of the total
// play deadline and inactivity-grace expiry for PLAYING.
func (r *Repository) FetchNextDeadline(ctx context.Context, grace time.Duration) (*Deadline, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id,
			CASE status
				WHEN 'CONFIRMING' THEN confirm_deadline
				ELSE LEAST(play_deadline, last_activity_at + make_interval(secs => $1))
			END AS due
		FROM rooms
		WHERE status IN ('CONFIRMING', 'PLAYING')
		ORDER BY due ASC NULLS LAST
		LIMIT 1`,
		grace.Seconds(),
	)

	var d Deadline
	var due sql.NullTime
	if err := row.Scan(&d.RoomID, &due); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch next room deadline: %w", err)
	}
	d.Due = sqlutil.FromSqlTime(due)
	return &d, nil
}

// FetchRoomsDue returns rooms whose deadline has passed as of now.
func (r *Repository) FetchRoomsDue(ctx context.Context, now time.Time, grace time.Duration, limit int32) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM rooms
		WHERE (status = 'CONFIRMING' AND confirm_deadline <= $1)
		   OR (status = 'PLAYING' AND (play_deadline <= $1
			OR last_activity_at + make_interval(secs => $2) <= $1))
		LIMIT $3`,
		now, grace.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due rooms: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due room id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRoom(row *sql.Row) (*models.Room, error) {
	var (
		rm           models.Room
		status       string
		questions    []byte
		playDeadline sql.NullTime
		winner       uuid.NullUUID
		finalScores  pqtype.NullRawMessage
	)
	err := row.Scan(
		&rm.ID, &rm.Version, &status, &rm.Tier, &rm.BetAmount,
		&rm.PlayerA, &rm.PlayerB, &questions, &rm.CurrentQuestionIndex,
		&rm.ConfirmedA, &rm.ConfirmedB, &rm.ConfirmDeadline,
		&playDeadline, &winner, &finalScores,
		&rm.LastActivityAt, &rm.CreatedAt, &rm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rm.Status = models.RoomStatus(status)
	if err := json.Unmarshal(questions, &rm.Questions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal question set: %w", err)
	}
	rm.PlayDeadline = sqlutil.FromSqlTime(playDeadline)
	rm.Winner = sqlutil.FromNullUUID(winner)
	if finalScores.Valid {
		var fs models.FinalScores
		if err := json.Unmarshal(finalScores.RawMessage, &fs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal final scores: %w", err)
		}
		rm.FinalScores = &fs
	}
	return &rm, nil
}
