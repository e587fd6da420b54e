// Package raumfeld is a client for a Teufel Raumfeld installation: it locates the host, reads the zone
// configuration, follows configuration changes and reads each zone renderer's transport state.
package raumfeld

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/upnp"
)

// DefaultPort is the port of the host's web service.
const DefaultPort = 47365

// STConfigDevice is the SSDP search target announced by the Raumfeld host.
const STConfigDevice = "urn:schemas-raumfeld-com:device:ConfigDevice:1"

// ErrHostNotFound is returned when no host answers discovery.
var ErrHostNotFound = errors.New("raumfeld host not found")

// Config configures the host client.
type Config struct {
	Host             string        // empty = SSDP discovery
	Port             int           // default 47365
	Timeout          time.Duration // per request
	DiscoveryTimeout time.Duration
}

// Host is a client for the Raumfeld host web service.
type Host struct {
	cfg        Config
	httpClient *http.Client
	soap       *upnp.SOAPClient

	mu      sync.RWMutex
	baseURL string

	renderersMu sync.Mutex
	renderers   map[string]string // zone UDN -> AVTransport control URL
}

// NewHost creates a host client. Nothing is contacted until Init.
func NewHost(cfg Config) *Host {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = 3 * time.Second
	}

	h := &Host{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		soap:       upnp.NewSOAPClient(cfg.Timeout),
		renderers:  make(map[string]string),
	}
	if cfg.Host != "" {
		h.baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	return h
}

// BaseURL returns the web service URL, empty before the host is located.
func (h *Host) BaseURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.baseURL
}

// Init locates the host if needed and verifies it serves a zone configuration.
func (h *Host) Init(ctx context.Context) error {
	if h.BaseURL() == "" {
		if err := h.locate(ctx); err != nil {
			return err
		}
	}

	if _, err := h.Zones(ctx); err != nil {
		return fmt.Errorf("could not connect to raumfeld host %s: %w", h.BaseURL(), err)
	}

	log.Info().Str("host", h.BaseURL()).Msg("Connected to Raumfeld host")
	return nil
}

func (h *Host) locate(ctx context.Context) error {
	log.Info().Msg("Searching for Raumfeld host")

	results, err := upnp.Search(ctx, STConfigDevice, h.cfg.DiscoveryTimeout)
	if err != nil {
		return fmt.Errorf("discover raumfeld host: %w", err)
	}
	if len(results) == 0 {
		return ErrHostNotFound
	}

	ip := results[0].IP
	if u, err := url.Parse(results[0].Location); err == nil && u.Hostname() != "" {
		ip = u.Hostname()
	}

	h.mu.Lock()
	h.baseURL = fmt.Sprintf("http://%s:%d", ip, h.cfg.Port)
	h.mu.Unlock()
	return nil
}

// fetchZones requests /getZones. With a non-empty updateID the host holds the request until the
// configuration changes past that ID.
func (h *Host) fetchZones(ctx context.Context, client *http.Client, updateID string) (*zoneConfig, string, error) {
	base := h.BaseURL()
	if base == "" {
		return nil, "", ErrHostNotFound
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/getZones", nil)
	if err != nil {
		return nil, "", err
	}
	if updateID != "" {
		req.Header.Set("updateID", updateID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("getZones: status %d", resp.StatusCode)
	}

	var cfg zoneConfig
	if err := xml.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, "", fmt.Errorf("parse zone config: %w", err)
	}
	return &cfg, resp.Header.Get("updateID"), nil
}

// transportControlURL finds the AVTransport control URL for a zone renderer.
// Results are cached; a miss triggers an SSDP search for media renderers.
func (h *Host) transportControlURL(ctx context.Context, udn string) (string, error) {
	h.renderersMu.Lock()
	defer h.renderersMu.Unlock()

	if u, ok := h.renderers[udn]; ok {
		return u, nil
	}

	results, err := upnp.Search(ctx, upnp.STMediaRenderer, h.cfg.DiscoveryTimeout)
	if err != nil {
		return "", fmt.Errorf("discover renderers: %w", err)
	}
	for _, res := range results {
		if _, known := h.renderers[res.UDN]; known {
			continue
		}
		dev, err := upnp.FetchDescription(ctx, h.httpClient, res.Location)
		if err != nil {
			log.Debug().Err(err).Str("location", res.Location).Msg("Skipping renderer")
			continue
		}
		if svc, ok := dev.FindService(upnp.AVTransportService); ok {
			h.renderers[dev.UDN] = svc.ControlURL
		}
	}

	if u, ok := h.renderers[udn]; ok {
		return u, nil
	}
	return "", fmt.Errorf("renderer %s not found", udn)
}

// forgetRenderer drops a cached control URL after a failed call so the next read rediscovers it.
func (h *Host) forgetRenderer(udn string) {
	h.renderersMu.Lock()
	defer h.renderersMu.Unlock()
	delete(h.renderers, udn)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
