package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/chatbridge/internal/auth"
	"github.com/vovakirdan/chatbridge/internal/config"
	"github.com/vovakirdan/chatbridge/internal/core"
	"github.com/vovakirdan/chatbridge/internal/metrics"
	"github.com/vovakirdan/chatbridge/internal/store"
	"github.com/vovakirdan/chatbridge/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/chatbridge/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.ChannelStore
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var st store.ChannelStore
	if cfg.DatabasePath != "" {
		s, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		st = s
		logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")
	} else {
		logger.Warn().Msg("no database path, channel lists are not persisted")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var authService *auth.Service
	if cfg.JWTSecret != "" {
		authService = auth.NewService(&auth.JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			TTL:      cfg.JWTTTL,
		})
	} else {
		logger.Warn().Msg("jwt_secret is empty, gateway accepts unauthenticated clients")
	}

	hub := core.NewHub(cfg.Core(), logger, core.Options{
		Store:   st,
		Metrics: metrics.New(reg),
	})
	server := transporthttp.NewServer(hub, authService, cfg, logger, reg)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and the hub and blocks until ctx ends or either
// fails. Identities are torn down before the store closes.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	hubDone := make(chan struct{})
	g.Go(func() error {
		defer close(hubDone)
		a.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	<-hubDone
	return multierr.Append(err, a.cleanup())
}

// cleanup closes database and other resources.
func (a *App) cleanup() error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
		return fmt.Errorf("close store: %w", err)
	}
	a.log.Info().Msg("store closed")
	return nil
}
