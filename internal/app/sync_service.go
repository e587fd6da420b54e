package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/config"
	"github.com/dokzlo13/radiosync/internal/controller"
	"github.com/dokzlo13/radiosync/internal/eventbus"
	"github.com/dokzlo13/radiosync/internal/raumfeld"
	"github.com/dokzlo13/radiosync/internal/receiver"
	"github.com/dokzlo13/radiosync/internal/retry"
	"github.com/dokzlo13/radiosync/internal/zone"
)

// SyncService wraps the receiver client, the Raumfeld host, the target registry and the controller.
type SyncService struct {
	cfg *config.Config

	Receiver   *receiver.Client
	Host       *raumfeld.Host
	Registry   *zone.Registry
	Controller *controller.Controller
	Retry      *retry.Executor
	Bus        *eventbus.Bus
}

// NewSyncService creates all components without contacting any device.
func NewSyncService(cfg *config.Config, bus *eventbus.Bus) *SyncService {
	exec := retry.New(cfg.Retry.Attempts, cfg.Retry.Delay.Duration())

	client := receiver.NewClient(cfg.Receiver.Host, cfg.Receiver.Port, cfg.Receiver.PIN, cfg.Receiver.Timeout.Duration())

	host := raumfeld.NewHost(raumfeld.Config{
		Host:             cfg.Raumfeld.Host,
		Port:             cfg.Raumfeld.Port,
		Timeout:          cfg.Raumfeld.Timeout.Duration(),
		DiscoveryTimeout: cfg.Raumfeld.DiscoveryTimeout.Duration(),
	})

	registry := zone.NewRegistry(NewZoneResolver(host), cfg.Raumfeld.Room)

	ctrl := controller.New(controller.Config{
		Profile:      receiver.State{Volume: cfg.Streaming.Volume, Mode: cfg.Streaming.Mode},
		PollInterval: cfg.Sync.PollInterval.Duration(),
		SettleDelay:  cfg.Sync.SettleDelay.Duration(),
		WriteDelay:   cfg.Receiver.WriteDelay.Duration(),
	}, registry, client, exec)

	ctrl.OnTransition(func(tr controller.Transition) {
		bus.Publish(eventbus.TopicTransition, tr)
	})

	return &SyncService{
		cfg:        cfg,
		Receiver:   client,
		Host:       host,
		Registry:   registry,
		Controller: ctrl,
		Retry:      exec,
		Bus:        bus,
	}
}

// Start connects to both devices. Either failing after retries is fatal.
func (s *SyncService) Start(ctx context.Context) error {
	if err := s.Controller.Connect(ctx); err != nil {
		return err
	}
	log.Info().Str("receiver", s.Receiver.Address()).Msg("Connected to receiver")

	if err := s.Retry.Do(ctx, "connect raumfeld host", s.Host.Init); err != nil {
		return err
	}
	return nil
}

// StartBackground starts the topology watcher and the controller loop.
func (s *SyncService) StartBackground(ctx context.Context, onFatalError func(error)) {
	watchCfg := raumfeld.WatchConfig{
		MinBackoff: s.cfg.Raumfeld.MinBackoff.Duration(),
		MaxBackoff: s.cfg.Raumfeld.MaxBackoff.Duration(),
		NotifyRate: s.cfg.Raumfeld.RefreshRate,
	}

	go func() {
		err := s.Host.Watch(ctx, watchCfg, func() {
			s.Bus.Publish(eventbus.TopicTopologyChanged, nil)
		})
		if err != nil {
			log.Error().Err(err).Msg("Topology watcher error")
		}
	}()

	go func() {
		if err := s.Controller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Controller error")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}

// Status returns the controller status.
func (s *SyncService) Status() controller.Status {
	return s.Controller.Status()
}

// Ready reports whether a target zone is resolved.
func (s *SyncService) Ready() bool {
	return s.Registry.Snapshot() != nil
}
