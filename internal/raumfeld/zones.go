package raumfeld

import (
	"context"
	"fmt"
	"strings"
)

type zoneConfig struct {
	Zones []struct {
		UDN   string `xml:"udn,attr"`
		Rooms []struct {
			UDN       string `xml:"udn,attr"`
			Name      string `xml:"name,attr"`
			Renderers []struct {
				UDN  string `xml:"udn,attr"`
				Name string `xml:"name,attr"`
			} `xml:"renderer"`
		} `xml:"room"`
	} `xml:"zones>zone"`
}

// Room is a room assigned to a zone.
type Room struct {
	UDN  string
	Name string
}

// Zone is a virtual renderer playing to one or more rooms.
type Zone struct {
	UDN   string
	Rooms []Room

	host *Host
}

// Name joins the zone's room names, e.g. "Kitchen, Bed Room".
func (z *Zone) Name() string {
	names := make([]string, 0, len(z.Rooms))
	for _, r := range z.Rooms {
		names = append(names, r.Name)
	}
	return strings.Join(names, ", ")
}

// HasRoom reports whether the zone contains a room named name (case-insensitive).
func (z *Zone) HasRoom(name string) bool {
	want := normalizeName(name)
	for _, r := range z.Rooms {
		if normalizeName(r.Name) == want {
			return true
		}
	}
	return false
}

// TransportState reads CurrentTransportState from the zone renderer.
func (z *Zone) TransportState(ctx context.Context) (string, error) {
	controlURL, err := z.host.transportControlURL(ctx, z.UDN)
	if err != nil {
		return "", err
	}
	info, err := z.host.soap.GetTransportInfo(ctx, controlURL)
	if err != nil {
		z.host.forgetRenderer(z.UDN)
		return "", fmt.Errorf("zone %s: %w", z.Name(), err)
	}
	return info.CurrentTransportState, nil
}

// Zones returns all zones. Rooms not assigned to a zone are not returned.
func (h *Host) Zones(ctx context.Context) ([]*Zone, error) {
	cfg, _, err := h.fetchZones(ctx, h.httpClient, "")
	if err != nil {
		return nil, err
	}
	return h.convertZones(cfg), nil
}

// ZonesWithRoomName returns every zone containing a room named room.
func (h *Host) ZonesWithRoomName(ctx context.Context, room string) ([]*Zone, error) {
	zones, err := h.Zones(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*Zone
	for _, z := range zones {
		if z.HasRoom(room) {
			matches = append(matches, z)
		}
	}
	return matches, nil
}

func (h *Host) convertZones(cfg *zoneConfig) []*Zone {
	zones := make([]*Zone, 0, len(cfg.Zones))
	for _, xz := range cfg.Zones {
		z := &Zone{UDN: xz.UDN, host: h}
		for _, xr := range xz.Rooms {
			z.Rooms = append(z.Rooms, Room{UDN: xr.UDN, Name: xr.Name})
		}
		zones = append(zones, z)
	}
	return zones
}
