// Package zone holds the currently resolved target zone, the playback endpoint whose transport
// state drives the receiver.
package zone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned by Refresh when no zone is bound to the room.
	ErrNotFound = errors.New("no zone found for room")
	// ErrAmbiguous is returned by Refresh when more than one zone is bound to the room.
	ErrAmbiguous = errors.New("multiple zones found for room")
)

// Target is a playback endpoint with a readable transport state.
type Target interface {
	Name() string
	TransportState(ctx context.Context) (string, error)
}

// Resolver looks up zones by room name.
type Resolver interface {
	ZonesWithRoomName(ctx context.Context, room string) ([]Target, error)
}

// Registry is a lock-guarded single slot holding the resolved target.
// Refresh may run on any goroutine; Snapshot hands out the current value for one-time use.
type Registry struct {
	resolver Resolver
	room     string

	// refreshMu spans resolve and commit so results land in query order
	refreshMu sync.Mutex

	mu     sync.Mutex
	target Target
}

// NewRegistry creates an empty registry for room.
func NewRegistry(resolver Resolver, room string) *Registry {
	return &Registry{
		resolver: resolver,
		room:     room,
	}
}

// Room returns the configured room name.
func (r *Registry) Room() string {
	return r.room
}

// Refresh resolves the room again and replaces the held target.
// Anything other than exactly one match leaves the registry empty.
// Concurrent calls run one at a time, so the last call to return wins.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	// Snapshot stays available while the remote query runs
	matches, err := r.resolver.ZonesWithRoomName(ctx, r.room)

	var target Target
	switch {
	case err != nil:
		err = fmt.Errorf("resolve room %q: %w", r.room, err)
		log.Error().Err(err).Msg("Failed to query zones, check the Raumfeld host")
	case len(matches) == 0:
		err = fmt.Errorf("%w %q", ErrNotFound, r.room)
		log.Error().Str("room", r.room).Msg("No zone was found, check the room name")
	case len(matches) > 1:
		err = fmt.Errorf("%w %q (%d matches)", ErrAmbiguous, r.room, len(matches))
		log.Error().Str("room", r.room).Int("matches", len(matches)).Msg("Multiple zones were found, check the room name")
	default:
		target = matches[0]
		log.Info().Str("room", r.room).Str("zone", target.Name()).Msg("Resolved target zone")
	}

	r.mu.Lock()
	r.target = target
	r.mu.Unlock()

	return err
}

// Snapshot returns the current target or nil. Callers must not keep it beyond the current use.
func (r *Registry) Snapshot() Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}
