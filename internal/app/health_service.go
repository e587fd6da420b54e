package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/config"
	"github.com/dokzlo13/radiosync/internal/controller"
	"github.com/dokzlo13/radiosync/internal/eventbus"
)

// StatusSource reports controller state and target resolution for the health endpoints.
type StatusSource interface {
	Status() controller.Status
	Ready() bool
}

// HealthService serves liveness, readiness and controller status over HTTP.
type HealthService struct {
	cfg    *config.Config
	source StatusSource
	bus    *eventbus.Bus
}

// NewHealthService creates a new HealthService. bus may be nil.
func NewHealthService(cfg *config.Config, source StatusSource, bus *eventbus.Bus) *HealthService {
	return &HealthService{cfg: cfg, source: source, bus: bus}
}

type statusResponse struct {
	controller.Status
	Events *eventbus.Stats `json:"events,omitempty"`
}

// Start binds the listener and serves until ctx is cancelled. A bind failure is returned.
func (s *HealthService) Start(ctx context.Context) error {
	if !s.cfg.Healthcheck.Enabled {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Healthcheck.Host, strconv.Itoa(s.cfg.Healthcheck.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health check listener: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Health check server listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Health check server error")
		}
	}()
	return nil
}

// Router builds the health routes.
func (s *HealthService) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Ready once a target zone is resolved
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.source.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no target zone"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Status: s.source.Status()}
		if s.bus != nil {
			stats := s.bus.Stats()
			resp.Events = &stats
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
