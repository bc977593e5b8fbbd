// Command maistro-dev runs the local chat backend: job submission, frame
// streaming over SSE, streaming bodies and WebSocket, and todo storage.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/todo-maistro/internal/config"
	"github.com/p-blackswan/todo-maistro/internal/devserver"
	"github.com/p-blackswan/todo-maistro/internal/health"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
	"github.com/p-blackswan/todo-maistro/internal/store"
)

const (
	threadRetention   = 7 * 24 * time.Hour
	retentionInterval = time.Hour
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(cfg.Level())
	log.Logger = logger

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("ws_listen_addr", cfg.WSListenAddr).
		Str("broker", cfg.Broker).
		Msg("starting chat backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker(logger)

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()
	checker.Register("store", health.PingCheck(st.Ping))

	var broker devserver.Broker
	switch cfg.Broker {
	case config.BrokerRedis:
		rb, err := devserver.NewRedisBroker(ctx, devserver.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.JobTTL,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		broker = rb
	default:
		broker = devserver.NewMemoryBroker(0, cfg.JobTTL, logger)
	}
	defer broker.Close()
	checker.Register("broker", health.PingCheck(broker.Ping))
	if !checker.IsReady(ctx) {
		logger.Warn().Interface("checks", checker.RunAll(ctx)).Msg("backend starting with failing dependencies")
	}

	script := devserver.DefaultScript()
	if cfg.ScriptPath != "" {
		script, err = devserver.LoadScript(cfg.ScriptPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load assistant script")
		}
	}

	engine := devserver.NewEngine(devserver.EngineConfig{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		ChunkDelay: cfg.ChunkDelay,
	}, broker, devserver.NewAssistant(script, st, logger), m, logger)
	engine.Start(ctx)

	srv := devserver.NewServer(devserver.ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		WSListenAddr:      cfg.WSListenAddr,
		CORSOrigins:       cfg.CORSOrigins,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}, engine, broker, st, checker, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(srv.StartWS)
	g.Go(func() error {
		runRetention(gctx, st, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		engine.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("chat backend stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("chat backend stopped")
}

// runRetention drops idle threads until ctx ends.
func runRetention(ctx context.Context, st *store.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.RunRetention(ctx, threadRetention)
			if err != nil {
				logger.Warn().Err(err).Msg("thread retention failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("threads", n).Msg("removed idle threads")
			}
		}
	}
}
