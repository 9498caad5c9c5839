// SPDX-License-Identifier: MIT

// Package daemon runs a rig process: it owns the HTTP listeners and the
// background loops, and tears everything down in order on SIGINT/SIGTERM.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/log"
)

// Hook is a cleanup step executed during shutdown. Hooks run in reverse
// registration order, so dependents register after their dependencies.
type Hook func(ctx context.Context) error

// Runnable is a background loop that blocks until its context is cancelled.
// A non-nil return other than context.Canceled brings the daemon down.
type Runnable func(ctx context.Context) error

type namedHook struct {
	name string
	hook Hook
}

type namedRunnable struct {
	name string
	run  Runnable
}

// Daemon supervises one process: the API listener, an optional separate
// metrics listener, and any number of background loops.
type Daemon struct {
	name    string
	server  config.Server
	handler http.Handler

	metricsHandler http.Handler

	mu        sync.Mutex
	runnables []namedRunnable
	hooks     []namedHook
	started   bool

	logger zerolog.Logger
}

// New creates a daemon serving handler on cfg.Listen.
func New(name string, cfg config.Server, handler http.Handler) *Daemon {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = config.DefaultShutdownGrace
	}
	return &Daemon{
		name:    name,
		server:  cfg,
		handler: handler,
		logger:  log.WithComponent("daemon").With().Str("daemon", name).Logger(),
	}
}

// ServeMetrics serves handler on cfg.MetricsListen. Without this call (or
// with an empty MetricsListen) metrics stay on the main router.
func (d *Daemon) ServeMetrics(handler http.Handler) {
	d.metricsHandler = handler
}

// Go registers a background loop started with Run.
func (d *Daemon) Go(name string, run Runnable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runnables = append(d.runnables, namedRunnable{name: name, run: run})
}

// OnShutdown registers a cleanup hook. Hooks run LIFO after the listeners
// have drained.
func (d *Daemon) OnShutdown(name string, hook Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, namedHook{name: name, hook: hook})
}

// Run starts everything and blocks until ctx is cancelled, a signal arrives,
// or a listener or runnable fails. Shutdown is bounded by ShutdownGrace and
// survives cancellation of the parent context.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	runnables := d.runnables
	d.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := &http.Server{
		Addr:              d.server.Listen,
		Handler:           d.handler,
		ReadTimeout:       d.server.ReadTimeout,
		ReadHeaderTimeout: d.server.ReadTimeout / 2,
		WriteTimeout:      d.server.WriteTimeout,
		IdleTimeout:       d.server.IdleTimeout,
	}

	var metrics *http.Server
	if d.metricsHandler != nil && d.server.MetricsListen != "" {
		metrics = &http.Server{
			Addr:              d.server.MetricsListen,
			Handler:           d.metricsHandler,
			ReadHeaderTimeout: d.server.ReadTimeout / 2,
		}
	}

	group, runCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		d.logger.Info().Str("addr", api.Addr).Msg("api listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if metrics != nil {
		group.Go(func() error {
			d.logger.Info().Str("addr", metrics.Addr).Msg("metrics listening")
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	for _, r := range runnables {
		r := r
		group.Go(func() error {
			d.logger.Debug().Str("runnable", r.name).Msg("runnable started")
			if err := r.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}

	<-runCtx.Done()
	stop()
	d.logger.Info().Msg("shutting down")

	// Detach from the cancelled parent so drain and hooks get their full
	// grace period.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.server.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := api.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api drain: %w", err))
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics drain: %w", err))
		}
	}

	if err := group.Wait(); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, d.runHooks(shutdownCtx)...)

	if len(errs) > 0 {
		return fmt.Errorf("%s shutdown: %w", d.name, errors.Join(errs...))
	}
	d.logger.Info().Msg("stopped cleanly")
	return nil
}

func (d *Daemon) runHooks(ctx context.Context) []error {
	d.mu.Lock()
	hooks := d.hooks
	d.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			d.logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		d.logger.Debug().Str("hook", h.name).Dur("took", time.Since(start)).Msg("shutdown hook done")
	}
	return errs
}
