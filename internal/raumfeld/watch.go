package raumfeld

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// WatchConfig controls change-notification long polling.
type WatchConfig struct {
	MinBackoff time.Duration // backoff after the first failed poll
	MaxBackoff time.Duration // backoff cap
	Multiplier float64
	// NotifyRate caps onChange calls per second; bursts of changes are spread out.
	NotifyRate float64
}

// DefaultWatchConfig returns the defaults used when fields are zero.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
		Multiplier: 2.0,
		NotifyRate: 1.0,
	}
}

// Watch long-polls the zone configuration and calls onChange whenever it changes.
// onChange runs on the watcher goroutine. Watch returns when ctx is cancelled.
func (h *Host) Watch(ctx context.Context, cfg WatchConfig, onChange func()) error {
	def := DefaultWatchConfig()
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.NotifyRate == 0 {
		cfg.NotifyRate = def.NotifyRate
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.NotifyRate), 1)

	// No timeout: the host holds the request open until something changes
	pollClient := &http.Client{}

	updateID := ""
	backoff := cfg.MinBackoff
	failures := 0

	log.Info().Str("host", h.BaseURL()).Msg("Watching Raumfeld zone configuration")

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, newID, err := h.fetchZones(ctx, pollClient, updateID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			log.Warn().
				Err(err).
				Dur("backoff", backoff).
				Int("retry", failures).
				Msg("Zone watch failed, retrying")

			if !wait(ctx, backoff) {
				return nil
			}
			backoff = time.Duration(float64(backoff) * cfg.Multiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
			continue
		}

		failures = 0
		backoff = cfg.MinBackoff

		changed := updateID != "" && newID != updateID
		if newID == "" {
			// Host ignored the long-poll header; fall back to periodic refreshes
			if !wait(ctx, cfg.MaxBackoff) {
				return nil
			}
			changed = true
		}
		updateID = newID

		if changed {
			log.Debug().Str("update_id", newID).Msg("Zone configuration changed")
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			onChange()
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
