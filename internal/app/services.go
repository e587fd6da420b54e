package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/config"
	"github.com/dokzlo13/radiosync/internal/eventbus"
	"github.com/dokzlo13/radiosync/internal/ledger"
	"github.com/dokzlo13/radiosync/internal/mqtt"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Optional sinks, nil when disabled
	Ledger *ledger.Ledger
	MQTT   *mqtt.Publisher

	Bus *eventbus.Bus

	Sync      *SyncService
	Events    *EventService
	Retention *LedgerService
	Health    *HealthService
}

// NewServices creates all services with proper dependency injection.
// No device is contacted here.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.Ledger.Enabled() {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		s.Ledger = l
	}

	s.Bus = eventbus.New(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Sync = NewSyncService(cfg, s.Bus)
	s.Events = NewEventService(s.Bus, s.Sync.Registry, s.Ledger)
	s.Retention = NewLedgerService(cfg, s.Ledger)
	s.Health = NewHealthService(cfg, s.Sync, s.Bus)

	return s, nil
}

// Start connects to the devices, resolves the target zone and starts background services.
// The onFatalError callback is called when a background service fails unrecoverably.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.Sync.Start(ctx); err != nil {
		return err
	}

	if s.cfg.MQTT.Enabled() {
		pub, err := mqtt.Connect(s.cfg.MQTT)
		if err != nil {
			// Publishing is optional; keep syncing without it
			log.Error().Err(err).Str("broker", s.cfg.MQTT.Broker).Msg("Failed to connect to MQTT broker, transitions will not be published")
		} else {
			s.MQTT = pub
			s.Events.SetPublisher(pub)
		}
	}

	s.Events.RefreshTarget(ctx)
	s.Events.Start(ctx)

	s.Sync.StartBackground(ctx, onFatalError)
	s.Retention.Start(ctx)
	return s.Health.Start(ctx)
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.Bus.Close(ctx); err != nil {
			log.Warn().Int64("dropped", s.Bus.Stats().Dropped).Msg("Event bus did not drain before shutdown")
		}
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Ledger != nil {
		if err := s.Ledger.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger")
		}
	}
}
