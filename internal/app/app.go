// Package app wires the receiver, the multi-room host and the optional sinks into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/config"
)

// App owns the services for the lifetime of one Run.
type App struct {
	cfg      *config.Config
	services *Services
}

// New builds all services without contacting any device.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Run connects to both devices, runs until ctx is cancelled or a background
// service fails, then releases everything. A device unreachable after retries
// fails Run before any loop starts. Cancellation of ctx is a clean exit.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		cancel(err)
	}

	if err := a.services.Start(ctx, onFatalError); err != nil {
		// Background loops may already run; stop them before closing what they use
		cancel(err)
		a.services.Close()
		return fmt.Errorf("start: %w", err)
	}

	log.Info().
		Str("room", a.cfg.Raumfeld.Room).
		Str("mode", a.cfg.Streaming.Mode).
		Int("volume", a.cfg.Streaming.Volume).
		Msg("radiosync started")

	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	a.services.Close()

	if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
