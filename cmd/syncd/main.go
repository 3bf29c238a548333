package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tutorloop/sync-server/internal/adapter/auth"
	"github.com/tutorloop/sync-server/internal/adapter/catalog"
	"github.com/tutorloop/sync-server/internal/bus"
	"github.com/tutorloop/sync-server/internal/config"
	"github.com/tutorloop/sync-server/internal/db"
	"github.com/tutorloop/sync-server/internal/gateway"
	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/httpapi"
	"github.com/tutorloop/sync-server/internal/merge"
	"github.com/tutorloop/sync-server/internal/orchestrator"
	"github.com/tutorloop/sync-server/internal/queue"
	"github.com/tutorloop/sync-server/internal/schema"
	"github.com/tutorloop/sync-server/internal/session"
	"github.com/tutorloop/sync-server/internal/store"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "syncd").Logger()

	cfg := config.Load()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schemas := schema.NewRegistry()
	if err := catalog.Register(schemas); err != nil {
		log.Fatal().Err(err).Msg("failed to register record schemas")
	}

	// Storage: postgres when DATABASE_URL is set, in-memory otherwise.
	// The in-memory trio shares no state across processes; it is for
	// local development and tests only.
	var (
		st    store.Store
		q     queue.Queue
		b     bus.Bus
		pgBus *bus.Pg
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		if err := store.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("store migration failed")
		}
		if err := queue.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("queue migration failed")
		}

		st = store.NewPostgres(pool, schemas)
		q = queue.NewPostgres(pool)
		pgBus = bus.NewPg(pool, 0)
		b = pgBus
	} else {
		log.Warn().Msg("DATABASE_URL not set, running with in-memory storage")
		st = store.NewMemory(schemas)
		q = queue.NewMemory()
		b = bus.NewMemory(0)
	}

	if cfg.CacheRecords > 0 {
		cached, err := store.NewCached(st, cfg.CacheRecords)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build record cache")
		}
		st = cached
	}

	hub := orchestrator.New(st, q, b, merge.New(schemas), hlc.NewClock(), orchestrator.Config{
		IdleTeardown: cfg.IdleTeardown,
		MaxBatchOps:  cfg.MaxBatchOps,
		MaxPullLimit: cfg.MaxPullLimit,
	})

	sessions := session.NewRegistry(session.Config{
		OutboxSize:      cfg.OutboxSize,
		ReconnectWindow: cfg.ReconnectWindow,
		IdleTTL:         cfg.SessionIdleTTL,
		SweepInterval:   cfg.SessionSweep,
	})

	verifier := auth.NewJWT(cfg.JWTSecret, cfg.AuthDevMode)

	gw := gateway.New(hub, sessions, b, verifier, gateway.Config{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
		PushTimeout:       cfg.PushTimeout,
		PullTimeout:       cfg.PullTimeout,
		ReorderBuffer:     cfg.ReorderBuffer,
		ReorderTimeout:    cfg.ReorderTimeout,
		PushPerMinute:     cfg.PushPerMinute,
		PushBurst:         cfg.PushBurst,
	})

	api := &httpapi.Server{
		Hub:      hub,
		Sessions: sessions,
		Auth:     verifier,
		Socket:   gw,
		Limits: httpapi.Limits{
			MaxBatchOps:   cfg.MaxBatchOps,
			MaxPullLimit:  cfg.MaxPullLimit,
			PushPerMinute: cfg.PushPerMinute,
			PushBurst:     cfg.PushBurst,
		},
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sweeper := store.NewSweeper(st, cfg.GraceWindow, cfg.TombstoneSweep)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	if pgBus != nil {
		g.Go(func() error {
			return pgBus.Listen(gctx)
		})
	}

	// Graceful shutdown on SIGINT/SIGTERM. Sessions close first so
	// the socket handlers unwind before the listener drain deadline.
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions.CloseAll()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		gw.Close()
		hub.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
