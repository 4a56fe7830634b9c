package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/arena/go/internal/dbconfig"
	"github.com/mcdev12/arena/go/internal/models"
)

// QuestionSet mirrors the JSON snapshot structure.
type QuestionSet struct {
	ID        string            `json:"id"`
	Tier      string            `json:"tier"`
	Questions []models.Question `json:"questions"`
}

func main() {
	// 1) Load the JSON snapshot
	path := "go/internal/assets/question_sets.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var sets []QuestionSet
	if err := json.Unmarshal(data, &sets); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert and count
	var (
		total    = len(sets)
		inserted int
		skipped  int
		errs     int
	)

	for _, s := range sets {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		questions, err := json.Marshal(s.Questions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal questions for set %s: %v\n", s.ID, err)
			errs++
			continue
		}
		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO question_sets (id, tier, questions)
            VALUES ($1, $2, $3)
            ON CONFLICT (id) DO NOTHING
        `, s.ID, s.Tier, questions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting question set %s: %v\n", s.ID, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Question set seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
}
