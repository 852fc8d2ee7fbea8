package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/logging"
)

// Source fetches a fresh catalog, typically from the ledger API.
type Source interface {
	Accounts(ctx context.Context) ([]Account, error)
	Categories(ctx context.Context) ([]Category, error)
}

// Syncer refreshes a Holder from a Source and optionally persists the
// result so the next start does not depend on the ledger being reachable.
type Syncer struct {
	source    Source
	holder    *Holder
	cachePath string
	logger    *zap.Logger
}

func NewSyncer(source Source, holder *Holder, cachePath string, logger *zap.Logger) *Syncer {
	return &Syncer{
		source:    source,
		holder:    holder,
		cachePath: cachePath,
		logger:    logging.OrNop(logger).Named("catalog"),
	}
}

// Sync fetches both catalogs and swaps them in. The previous snapshot stays
// active when either fetch fails.
func (s *Syncer) Sync(ctx context.Context) error {
	accounts, err := s.source.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	categories, err := s.source.Categories(ctx)
	if err != nil {
		return fmt.Errorf("fetch categories: %w", err)
	}
	if len(accounts) == 0 && len(categories) == 0 {
		return fmt.Errorf("fetch catalog: ledger returned no accounts or categories")
	}

	snap := &Snapshot{
		Accounts:   accounts,
		Categories: categories,
		Source:     "ledger",
		LoadedAt:   time.Now(),
	}
	s.holder.Store(snap)
	s.logger.Info("catalog refreshed",
		zap.Int("accounts", len(accounts)),
		zap.Int("categories", len(categories)))

	if s.cachePath != "" {
		if err := Save(s.cachePath, snap); err != nil {
			s.logger.Warn("persist catalog failed", zap.String("path", s.cachePath), zap.Error(err))
		}
	}
	return nil
}
