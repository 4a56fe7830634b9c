package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/arena/go/internal/battle/gateway"
	"github.com/mcdev12/arena/go/internal/battle/outbox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// configure zerolog console output and level
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, dsn, err := setupDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("setup database")
	}
	defer db.Close()

	services := setupServices(db, cfg)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// JetStream publisher for the outbox relay
	jsCfg := outbox.DefaultJetStreamPublisherConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		jsCfg.URL = url
	}
	publisher, err := outbox.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create JetStream publisher")
	}
	defer publisher.Close()

	// Outbox listener: LISTEN/NOTIFY with polling fallback
	ltCfg := outbox.DefaultListenerConfig()
	ltCfg.DatabaseURL = dsn
	if sec := getEnvAsInt("FALLBACK_INTERVAL_SEC", 0); sec > 0 {
		ltCfg.FallbackInterval = time.Duration(sec) * time.Second
	}
	listener, err := outbox.NewListener(services.Outbox, publisher, ltCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create outbox listener")
	}

	// WebSocket fan-out
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	consumerCfg := gateway.DefaultJetStreamConsumerConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		consumerCfg.URL = url
	}
	consumer, err := gateway.NewEventConsumer(cm, consumerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create event consumer")
	}
	defer consumer.Stop()

	server := setupServer(services, cm)

	errCh := make(chan error, 5)
	go func() {
		log.Info().Msg("starting outbox listener")
		errCh <- listener.Start(ctx)
	}()
	go func() {
		log.Info().Msg("starting matchmaking coordinator")
		errCh <- services.Coordinator.Run(ctx)
	}()
	go func() {
		log.Info().Msg("starting deadline sweeper")
		errCh <- services.Sweeper.Run(ctx)
	}()
	go func() {
		cm.Start(ctx)
	}()
	go func() {
		log.Info().Msg("starting event consumer")
		errCh <- consumer.Start(ctx)
	}()
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component exited unexpectedly")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("graceful shutdown complete")
}
