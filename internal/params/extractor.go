// Package params runs the second-stage LLM call that turns a classified
// message into an intent-specific parameter object, and validates that
// object into a typed variant.
package params

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/prompts"
)

// ErrMissingPrompt means no extraction prompt is registered for an intent.
// It is a configuration error, never a user error.
var ErrMissingPrompt = errors.New("no extraction prompt registered")

// Set is the raw parameter object returned by the LLM.
type Set map[string]any

// Outcome of one extraction. Parameters is never nil.
type Outcome struct {
	Action     string
	Parameters Set
	Error      string
}

// PromptSource renders the extraction prompt for an intent.
type PromptSource interface {
	Extraction(intent string, data prompts.ExtractionData) (string, error)
}

// NameLister exposes the catalog names shown to the LLM.
type NameLister interface {
	AccountNames() []string
	CategoryNames() []string
	DefaultAccount() string
}

type Extractor struct {
	llm     llm.Completer
	prompts PromptSource
	names   NameLister
	now     func() time.Time
	logger  *zap.Logger
}

func NewExtractor(c llm.Completer, prompts PromptSource, names NameLister, logger *zap.Logger) *Extractor {
	return &Extractor{
		llm:     c,
		prompts: prompts,
		names:   names,
		now:     time.Now,
		logger:  logging.OrNop(logger).Named("params"),
	}
}

// Extract runs the extraction call for intent. The returned error is only
// set for configuration problems (ErrMissingPrompt or a broken template);
// provider failures are reported through Outcome.Error with empty
// parameters.
func (e *Extractor) Extract(ctx context.Context, message, intent string) (Outcome, error) {
	system, err := e.prompts.Extraction(intent, e.promptData())
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrMissingPrompt, intent)
		}
		e.logger.Error("extraction prompt unavailable",
			zap.String("intent", intent),
			zap.String("error_class", "configuration"),
			zap.Error(err))
		return Outcome{Parameters: Set{}}, err
	}

	res := llm.Call(ctx, e.llm, llm.Spec{
		SystemPrompt: system,
		Message:      message,
		Temperature:  llm.Float(llm.TemperatureStructured),
		Format:       llm.FormatJSON,
	}, parseOutcome)

	if !res.Success {
		e.logger.Warn("parameter extraction failed",
			zap.String("intent", intent),
			zap.String("error", res.Error),
			zap.String("raw", logging.Truncate(res.RawResponse, 200)))
		return Outcome{Parameters: Set{}, Error: res.Error}, nil
	}

	e.logger.Debug("parameters extracted",
		zap.String("intent", intent),
		zap.String("action", res.Data.Action),
		zap.Any("parameters", res.Data.Parameters))
	return res.Data, nil
}

func (e *Extractor) promptData() prompts.ExtractionData {
	data := prompts.ExtractionData{Today: e.now().Format("2006-01-02")}
	if e.names != nil {
		data.Accounts = e.names.AccountNames()
		data.Categories = e.names.CategoryNames()
		data.DefaultAccount = e.names.DefaultAccount()
	}
	return data
}

func parseOutcome(raw string) (Outcome, error) {
	obj, err := llm.ParseJSON(raw)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Parameters: Set{}}
	if action, ok := obj["action"].(string); ok {
		out.Action = action
	}
	if p, ok := obj["parameters"].(map[string]any); ok {
		out.Parameters = Set(p)
	}
	return out, nil
}
