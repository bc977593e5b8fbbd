// Command maistro is the terminal chat client for the todo assistant.
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

	"github.com/p-blackswan/todo-maistro/internal/config"
	"github.com/p-blackswan/todo-maistro/internal/health"
	"github.com/p-blackswan/todo-maistro/internal/metrics"
	"github.com/p-blackswan/todo-maistro/internal/session"
	"github.com/p-blackswan/todo-maistro/internal/surface"
	"github.com/p-blackswan/todo-maistro/internal/todos"
	"github.com/p-blackswan/todo-maistro/internal/transport"
)

func main() {
	// Logs go to stderr; stdout belongs to the conversation.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(cfg.Level())
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	tcfg := transport.DefaultConfig()
	tcfg.BaseURL = cfg.BaseURL
	tcfg.WSBaseURL = cfg.WSURL
	tcfg.RequestTimeout = cfg.RequestTimeout
	tcfg.ChunkSize = cfg.ChunkSize
	tcfg.MaxRecord = cfg.MaxRecord
	client, err := transport.NewClient(tcfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create transport client")
	}

	var chat session.Transport
	switch cfg.Transport {
	case config.TransportWS:
		chat = transport.NewJobClient(client, transport.NewWSStreamer(client))
	case config.TransportBody:
		chat = transport.NewBodyClient(client)
	default:
		chat = transport.NewJobClient(client, transport.NewSSEStreamer(client))
	}

	if hs, err := client.Health(ctx); err != nil {
		logger.Warn().Err(err).Str("base_url", cfg.BaseURL).Msg("backend health check failed")
	} else if hs.Status != health.Healthy {
		logger.Warn().Str("status", hs.Status).Interface("checks", hs.Checks).Msg("backend reports degraded health")
	}

	r := newREPL(os.Stdin, os.Stdout, surface.NewView(cfg.Width), client, logger)

	refresher := todos.NewRefresher(
		todos.NewClient(cfg.BaseURL, cfg.TodoTimeout, logger),
		r.setTodos,
		logger,
	)
	defer refresher.Stop()

	sess := session.New(chat, cfg.UserID, logger, session.Options{
		Observer: r.update,
		Updater:  refresher,
		Metrics:  m,
	})
	defer sess.Close()
	r.attach(sess, refresher)
	refresher.Refresh(cfg.UserID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.run(gctx) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/health", health.LivenessHandler())
		server := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("maistro stopped with error")
		os.Exit(1)
	}
}
