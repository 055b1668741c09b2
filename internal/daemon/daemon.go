// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles and runs the relayd service.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/daemon/api"
	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/faults"
	internallog "github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/run"
	"github.com/tombee/relay/internal/session"
	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/internal/tracing"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the main relayd daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store       *store.Store
	eventLog    *events.Log
	connections *session.ConnectionTracker
	tracer      *tracing.Provider

	server *http.Server
}

// New wires the daemon's storage, domain services, and HTTP surface.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	st, err := store.New(store.Config{
		Path: cfg.Storage.Path,
		WAL:  cfg.Storage.WAL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	tracer, err := tracing.Setup(context.Background(), cfg.Observability.Tracing, opts.Version)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	eventLog := events.NewLog(st, logger, cfg.Events.Buffer)
	aggregator := faults.NewAggregator(st, logger)
	tracker := run.NewTracker(st, aggregator, eventLog, logger)

	var issuer *session.TokenIssuer
	if cfg.MCP.TokenSecret != "" {
		issuer = session.NewTokenIssuer([]byte(cfg.MCP.TokenSecret), cfg.MCP.TokenTTL)
	}

	manager := session.NewManager(st, tracker, logger, cfg.MCP.BaseURL, issuer)
	coordinator := session.NewCoordinator(st, logger)
	connections := session.NewConnectionTracker(st, logger)

	limiter := auth.NewRateLimiter(auth.RateLimitConfig{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RPS,
		BurstSize:         cfg.RateLimit.Burst,
	})
	middleware := auth.NewMiddleware(limiter)

	router := api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, api.Deps{
		Store:       st,
		Sessions:    manager,
		Coordinator: coordinator,
		Connections: connections,
		Runs:        tracker,
		Faults:      aggregator,
		Events:      eventLog,
	}, logger)
	router.SetMetricsHandler(promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           middleware.Wrap(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Daemon{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		store:       st,
		eventLog:    eventLog,
		connections: connections,
		tracer:      tracer,
		server:      server,
	}, nil
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go d.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("relayd listening",
			"addr", d.cfg.Listen.Addr,
			"version", d.opts.Version,
		)
		var err error
		if d.cfg.Listen.TLSCert != "" {
			err = d.server.ListenAndServeTLS(d.cfg.Listen.TLSCert, d.cfg.Listen.TLSKey)
		} else {
			err = d.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return d.shutdown()
}

// sweepLoop periodically reaps connections that stopped heartbeating.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, d.cfg.Sweep.Interval)
			if _, err := d.connections.SweepStale(sweepCtx, d.cfg.Sweep.TTL); err != nil {
				d.logger.Error("connection sweep failed", internallog.Error(err))
			}
			cancel()
		}
	}
}

// shutdown drains the HTTP server and flushes buffered state.
func (d *Daemon) shutdown() error {
	d.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("server shutdown failed", internallog.Error(err))
	}

	d.eventLog.Close()

	if err := d.tracer.Shutdown(ctx); err != nil {
		d.logger.Error("tracer shutdown failed", internallog.Error(err))
	}

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
