// Package intent maps a free-text message to one label of a closed
// vocabulary through a single LLM call.
package intent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
)

// Label is a classification result.
type Label string

const (
	AccountingBookTransaction Label = "accounting_book_transaction"
	Translation               Label = "translation"
	Counter                   Label = "counter"
	Notes                     Label = "notes"
	Unknown                   Label = "unknown_intent"
)

// Vocabulary lists every label the default prompts can produce.
var Vocabulary = []Label{AccountingBookTransaction, Translation, Counter, Notes, Unknown}

// Known reports whether l belongs to Vocabulary.
func (l Label) Known() bool {
	for _, v := range Vocabulary {
		if l == v {
			return true
		}
	}
	return false
}

func (l Label) String() string { return string(l) }

// Outcome is never empty: Intent falls back to Unknown on any failure.
type Outcome struct {
	Intent Label
	Error  string
}

// PromptSource supplies the classifier system prompt for a variant.
type PromptSource interface {
	Intent(variant string) string
}

type Classifier struct {
	llm     llm.Completer
	prompts PromptSource
	logger  *zap.Logger
}

func NewClassifier(c llm.Completer, prompts PromptSource, logger *zap.Logger) *Classifier {
	return &Classifier{
		llm:     c,
		prompts: prompts,
		logger:  logging.OrNop(logger).Named("intent"),
	}
}

// Classify runs the first-stage call. Gateway failures, unparsable output
// and a missing or non-string intent field all degrade to Unknown.
func (c *Classifier) Classify(ctx context.Context, message, variant string) Outcome {
	res := llm.Call(ctx, c.llm, llm.Spec{
		SystemPrompt: c.prompts.Intent(variant),
		Message:      message,
		Temperature:  llm.Float(llm.TemperatureStructured),
		Format:       llm.FormatJSON,
	}, func(raw string) (Label, error) {
		obj, err := llm.ParseJSON(raw)
		if err != nil {
			return "", err
		}
		return c.coerce(obj["intent"]), nil
	})

	if !res.Success {
		c.logger.Warn("intent classification failed",
			zap.String("variant", variant),
			zap.String("error", res.Error),
			zap.String("raw", logging.Truncate(res.RawResponse, 200)))
		return Outcome{Intent: Unknown, Error: res.Error}
	}

	c.logger.Debug("intent classified",
		zap.String("message", logging.Truncate(message, 80)),
		zap.String("intent", res.Data.String()))
	return Outcome{Intent: res.Data}
}

func (c *Classifier) coerce(v any) Label {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		c.logger.Warn("invalid intent field, using unknown_intent", zap.Any("intent", v))
		return Unknown
	}
	return Label(strings.TrimSpace(s))
}
