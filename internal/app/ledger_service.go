package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/config"
	"github.com/dokzlo13/radiosync/internal/ledger"
)

// LedgerService runs the ledger retention policy.
type LedgerService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewLedgerService creates a new LedgerService. l may be nil when the ledger is disabled.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger) *LedgerService {
	return &LedgerService{cfg: cfg, ledger: l}
}

// Start begins periodic cleanup if the ledger is enabled.
func (s *LedgerService) Start(ctx context.Context) {
	if s.ledger == nil {
		return
	}
	go s.runCleanup(ctx)
}

// runCleanup periodically cleans up old ledger entries.
func (s *LedgerService) runCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention.Duration()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	s.cleanup(ctx, retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx, retention)
		}
	}
}

func (s *LedgerService) cleanup(ctx context.Context, retention time.Duration) {
	pruned, err := s.ledger.Prune(ctx, time.Now().Add(-retention))
	switch {
	case err != nil:
		log.Error().Err(err).Msg("Failed to prune ledger")
	case pruned > 0:
		log.Info().Int64("pruned", pruned).Dur("retention", retention).Msg("Pruned old ledger records")
	}
}
