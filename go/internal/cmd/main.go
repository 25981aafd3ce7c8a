package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz"
	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz/gateway"
	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("could not load .env file")
	}
	setupLogging()

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := setupDatabase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer pool.Close()

	st := store.NewPostgres(pool)
	clock := clockwork.NewRealClock()

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), func(roomID string, bus quiz.Broadcaster) *quiz.Session {
		return quiz.NewSession(roomID, st, bus, clock)
	})
	cm.SetMessageHandler(gateway.NewDispatcher(cm))

	if cfg.NATS.Enabled {
		relayCfg := gateway.DefaultJetStreamConfig()
		relayCfg.URL = cfg.NATS.URL
		relayCfg.StreamName = cfg.NATS.StreamName
		relayCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		relayCfg.ReconnectWait = cfg.NATS.ReconnectWait

		relay, err := gateway.NewJetStreamRelay(relayCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up event relay")
		}
		defer relay.Close()
		cm.SetRelay(relay)
	}

	go cm.Run(ctx)

	server := setupServer(cfg, gateway.NewWebSocketHandler(cm))
	go func() {
		log.Info().Str("addr", server.Addr).Msg("quiz server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}
