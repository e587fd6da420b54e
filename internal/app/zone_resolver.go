package app

import (
	"context"

	"github.com/dokzlo13/radiosync/internal/raumfeld"
	"github.com/dokzlo13/radiosync/internal/zone"
)

// ZoneResolver adapts the Raumfeld host to the registry's resolver interface.
type ZoneResolver struct {
	host *raumfeld.Host
}

// NewZoneResolver creates a new adapter.
func NewZoneResolver(host *raumfeld.Host) *ZoneResolver {
	return &ZoneResolver{host: host}
}

// ZonesWithRoomName returns the zones containing room as registry targets.
func (r *ZoneResolver) ZonesWithRoomName(ctx context.Context, room string) ([]zone.Target, error) {
	zones, err := r.host.ZonesWithRoomName(ctx, room)
	if err != nil {
		return nil, err
	}

	targets := make([]zone.Target, 0, len(zones))
	for _, z := range zones {
		targets = append(targets, z)
	}
	return targets, nil
}
