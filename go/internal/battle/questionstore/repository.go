package questionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/arena/go/internal/models"
)

// ErrNoQuestionSet is returned when a tier has no seeded question sets.
var ErrNoQuestionSet = errors.New("no question set for tier")

// Repository serves question sets from the local database. Deployments
// without a question bank service run against seeded sets; see the
// seed_questions tool.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// QuestionSet picks one stored set for the tier at random.
func (r *Repository) QuestionSet(ctx context.Context, tier string) ([]models.Question, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT questions FROM question_sets
		WHERE tier = $1
		ORDER BY random()
		LIMIT 1`,
		tier,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoQuestionSet, tier)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch question set: %w", err)
	}

	var questions []models.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal question set: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuestionSet, tier)
	}
	return questions, nil
}
