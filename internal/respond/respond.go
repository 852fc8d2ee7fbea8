// Package respond generates a free-text reply for messages that no
// application handles.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/intent"
	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
)

// Prompt kinds understood by PromptSource.
const (
	KindDefault    = "default"
	KindAccounting = "accounting"
	KindNotes      = "notes"
)

// PromptSource returns the system prompt for a response kind.
type PromptSource interface {
	Response(kind string) string
}

type Generator struct {
	llm     llm.Completer
	prompts PromptSource
	logger  *zap.Logger
}

func New(c llm.Completer, prompts PromptSource, logger *zap.Logger) *Generator {
	return &Generator{
		llm:     c,
		prompts: prompts,
		logger:  logging.OrNop(logger).Named("respond"),
	}
}

type turnContext struct {
	Intent          string         `json:"intent"`
	Entities        map[string]any `json:"entities"`
	OriginalMessage string         `json:"originalMessage"`
}

// Respond asks the model for a conversational reply to message.
func (g *Generator) Respond(ctx context.Context, message string, label intent.Label) (string, error) {
	info, err := json.MarshalIndent(turnContext{
		Intent:          string(label),
		Entities:        map[string]any{},
		OriginalMessage: message,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode response context: %w", err)
	}

	kind := KindFor(label)
	res := g.llm.Complete(ctx, llm.Spec{
		SystemPrompt: g.prompts.Response(kind),
		Message:      fmt.Sprintf("用户消息: %s\n\n上下文信息: %s", message, info),
		Temperature:  llm.Float(llm.TemperatureResponse),
		Format:       llm.FormatText,
	})
	if !res.Success {
		g.logger.Warn("response generation failed", zap.String("kind", kind), zap.String("error", res.Error))
		return "", errors.New(res.Error)
	}
	return strings.TrimSpace(res.Data), nil
}

// KindFor picks the response prompt for a label.
func KindFor(label intent.Label) string {
	s := string(label)
	switch {
	case strings.HasPrefix(s, "accounting"), containsAny(s, "记账", "支出", "收入", "预算"):
		return KindAccounting
	case strings.HasPrefix(s, "note"), containsAny(s, "笔记", "记录"):
		return KindNotes
	}
	return KindDefault
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
