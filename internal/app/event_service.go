package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/controller"
	"github.com/dokzlo13/radiosync/internal/eventbus"
	"github.com/dokzlo13/radiosync/internal/ledger"
	"github.com/dokzlo13/radiosync/internal/zone"
)

// TransitionPublisher forwards transitions to an external consumer.
type TransitionPublisher interface {
	PublishTransition(tr controller.Transition) error
}

// EventService handles event bus subscriptions: topology changes refresh the registry,
// transitions go to the ledger and the publisher. Both sinks are optional.
type EventService struct {
	bus       *eventbus.Bus
	registry  *zone.Registry
	ledger    *ledger.Ledger
	publisher TransitionPublisher
}

// NewEventService creates a new EventService. l may be nil.
func NewEventService(bus *eventbus.Bus, registry *zone.Registry, l *ledger.Ledger) *EventService {
	return &EventService{
		bus:      bus,
		registry: registry,
		ledger:   l,
	}
}

// SetPublisher sets the transition publisher. Call before Start.
func (s *EventService) SetPublisher(p TransitionPublisher) {
	s.publisher = p
}

// Start subscribes all handlers. Both run serially: refreshes must commit in
// topology order and retained state must reach the broker in transition order.
func (s *EventService) Start(ctx context.Context) {
	s.bus.SubscribeSerial(eventbus.TopicTopologyChanged, func(eventbus.Event) {
		log.Debug().Msg("Zone topology changed, resolving target again")
		s.RefreshTarget(ctx)
	})

	s.bus.SubscribeSerial(eventbus.TopicTransition, func(event eventbus.Event) {
		tr, ok := event.Payload.(controller.Transition)
		if !ok {
			log.Warn().Msg("Transition event without payload")
			return
		}
		s.recordTransition(ctx, tr)
	})
}

// RefreshTarget resolves the target zone and records resolution changes.
func (s *EventService) RefreshTarget(ctx context.Context) {
	before := s.registry.Snapshot()
	err := s.registry.Refresh(ctx)
	after := s.registry.Snapshot()

	if s.ledger == nil {
		return
	}

	switch {
	case after != nil && (before == nil || before.Name() != after.Name()):
		s.record(ctx, ledger.KindTargetResolved, "", map[string]any{
			"room": s.registry.Room(),
			"zone": after.Name(),
		})
	case after == nil && before != nil:
		payload := map[string]any{
			"room":     s.registry.Room(),
			"previous": before.Name(),
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.record(ctx, ledger.KindTargetLost, "", payload)
	}
}

func (s *EventService) recordTransition(ctx context.Context, tr controller.Transition) {
	if s.ledger != nil {
		kind := ledger.KindTransitionFailed
		switch {
		case tr.Err != nil:
		case tr.Action == controller.ActionActivate:
			kind = ledger.KindStreamingStarted
		case tr.Action == controller.ActionRestore:
			kind = ledger.KindStreamingStopped
		}

		payload := map[string]any{
			"action":    tr.Action.String(),
			"streaming": tr.Streaming,
			"target":    tr.Target,
		}
		if tr.Applied != nil {
			payload["applied"] = tr.Applied
		}
		if tr.Saved != nil {
			payload["saved"] = tr.Saved
		}
		if tr.Err != nil {
			payload["error"] = tr.Err.Error()
		}
		s.record(ctx, kind, tr.ID, payload)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTransition(tr); err != nil {
			log.Warn().Err(err).Str("id", tr.ID).Msg("Failed to publish transition")
		}
	}
}

func (s *EventService) record(ctx context.Context, kind ledger.Kind, transitionID string, payload map[string]any) {
	source := "registry"
	if transitionID != "" {
		source = "controller"
	}
	r := ledger.Record{Kind: kind, Source: source, TransitionID: transitionID, Payload: payload}
	if err := s.ledger.Record(ctx, r); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to write ledger record")
	}
}
