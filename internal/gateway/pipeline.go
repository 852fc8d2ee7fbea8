package gateway

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/apps/accounting"
	"github.com/stellarlinkco/intentclaw/internal/apps/counter"
	"github.com/stellarlinkco/intentclaw/internal/apps/notes"
	"github.com/stellarlinkco/intentclaw/internal/apps/translation"
	"github.com/stellarlinkco/intentclaw/internal/catalog"
	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/confirm"
	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/intent"
	"github.com/stellarlinkco/intentclaw/internal/ledger"
	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/metrics"
	"github.com/stellarlinkco/intentclaw/internal/params"
	"github.com/stellarlinkco/intentclaw/internal/prompts"
	"github.com/stellarlinkco/intentclaw/internal/respond"
)

// Pipeline is the recognition stack with every application registered.
// It is shared by the gateway and the one-shot CLI commands.
type Pipeline struct {
	Orchestrator *dispatch.Orchestrator
	LLM          *llm.Gateway
	Catalog      *catalog.Holder
	Ledger       *ledger.Client
	// Syncer is nil when no ledger is configured.
	Syncer *catalog.Syncer

	closers []func() error
}

// BuildPipeline wires prompts, LLM, catalog, token codec and handlers from
// cfg. Stores are opened lazily where the driver allows it (redis), eagerly
// otherwise (sqlite).
func BuildPipeline(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Pipeline, error) {
	logger = logging.OrNop(logger)

	reg, err := prompts.Load(cfg.Prompts.Path, logger)
	if err != nil {
		return nil, err
	}

	gw, err := llm.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create llm gateway: %w", err)
	}

	snap, err := catalog.Load(cfg.Ledger.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	holder := catalog.NewHolder(snap)
	logger.Info("catalog loaded",
		zap.String("source", snap.Source),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("categories", len(snap.Categories)))

	codec, err := confirm.NewCodec(cfg.Dispatch.ConfirmSecret, cfg.ConfirmTTL(), logger)
	if err != nil {
		return nil, err
	}

	deps := dispatch.Deps{
		Classifier: intent.NewClassifier(gw, reg, logger),
		Extractor:  params.NewExtractor(gw, reg, holder, logger),
		Codec:      codec,
		OCR:        gw,
		Metrics:    m,
		Logger:     logger,
	}
	if cfg.Dispatch.ChatFallback {
		deps.Responder = respond.New(gw, reg, logger)
	}
	orch := dispatch.New(deps, dispatch.Options{
		SkipConfirmation: cfg.Dispatch.SkipConfirmation,
		PromptVariant:    cfg.Dispatch.PromptVariant,
		OCRPrompt:        reg.OCR(),
	})

	p := &Pipeline{
		Orchestrator: orch,
		LLM:          gw,
		Catalog:      holder,
		Ledger:       ledger.FromConfig(cfg),
	}

	store, err := counter.Open(cfg.Counter.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open counter store: %w", err)
	}
	p.closers = append(p.closers, store.Close)

	rdb := notes.NewRedis(cfg.Notes)
	p.closers = append(p.closers, rdb.Close)

	orch.Register(dispatch.AppAccounting, accounting.New(p.Ledger, holder, logger))
	orch.Register(dispatch.AppTranslation, translation.New(gw, reg, logger))
	orch.Register(dispatch.AppCounter, counter.New(store, logger))
	orch.Register(dispatch.AppNotes, notes.New(rdb, cfg.Notes.MaxNotes, logger))

	if p.Ledger.Configured() {
		p.Syncer = catalog.NewSyncer(p.Ledger, holder, cfg.Ledger.CatalogPath, logger)
	} else {
		logger.Warn("ledger not configured, accounting entries will fail", zap.String("error_class", "configuration"))
	}
	if !gw.Available() {
		logger.Warn("llm provider not configured, every message resolves to unknown_intent", zap.String("error_class", "configuration"))
	}
	return p, nil
}

// Close releases the stores. It is safe to call more than once.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
