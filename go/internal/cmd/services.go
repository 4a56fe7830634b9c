package main

import (
	"database/sql"
	"os"

	"github.com/mcdev12/arena/go/clients/questionbank"
	"github.com/mcdev12/arena/go/clients/wallet"
	"github.com/mcdev12/arena/go/internal/battle/finalizer"
	"github.com/mcdev12/arena/go/internal/battle/matchmaking"
	"github.com/mcdev12/arena/go/internal/battle/move"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
	"github.com/mcdev12/arena/go/internal/battle/queue"
	"github.com/mcdev12/arena/go/internal/battle/questionstore"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/battle/settlement"
	"github.com/mcdev12/arena/go/internal/battle/sweep"
)

type Services struct {
	Rooms       *room.App
	Moves       *move.App
	Outbox      *outbox.Repository
	Queue       *queue.Repository
	Settlements *settlement.Repository
	Finalizer   *finalizer.Finalizer
	Coordinator *matchmaking.Coordinator
	Sweeper     *sweep.Sweeper
	Wallet      *wallet.Client
	Questions   matchmaking.QuestionProvider
}

func setupServices(database *sql.DB, cfg *Config) *Services {
	// Wire up dependency injection chain
	// Database layer → Repository layer → App layer → Coordinator/Sweeper

	walletClient := wallet.NewClient(
		getEnv("WALLET_API_URL", "http://localhost:8090"),
		getEnv("WALLET_API_KEY", ""),
	)

	// Question sets come from the question bank service when configured,
	// otherwise from locally seeded sets.
	var questions matchmaking.QuestionProvider
	if url := os.Getenv("QUESTION_BANK_URL"); url != "" {
		questions = questionbank.NewClient(url, os.Getenv("QUESTION_BANK_API_KEY"))
	} else {
		questions = questionstore.NewRepository(database)
	}

	outboxRepo := outbox.NewRepository(database)
	roomRepo := room.NewRepository(database)
	roomApp := room.NewApp(roomRepo, outboxRepo)
	moveRepo := move.NewRepository(database)
	moveApp := move.NewApp(moveRepo, roomRepo, outboxRepo)
	queueRepo := queue.NewRepository(database)
	settlementRepo := settlement.NewRepository(database)

	fin := finalizer.New(roomApp, moveApp, walletClient, settlementRepo)
	coordinator := matchmaking.NewCoordinator(queueRepo, roomApp, questions, cfg.matchmakingConfig())
	sweeper := sweep.NewSweeper(roomApp, moveApp, fin, walletClient, queueRepo, cfg.sweepGrace(), cfg.sweepBatchSize())

	return &Services{
		Rooms:       roomApp,
		Moves:       moveApp,
		Outbox:      outboxRepo,
		Queue:       queueRepo,
		Settlements: settlementRepo,
		Finalizer:   fin,
		Coordinator: coordinator,
		Sweeper:     sweeper,
		Wallet:      walletClient,
		Questions:   questions,
	}
}
