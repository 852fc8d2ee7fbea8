// Package translation translates text through the LLM gateway.
package translation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/intent"
	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

const msgMissingText = "请提供需要翻译的文本内容。"

var languageNames = map[string]string{
	"auto": "自动检测",
	"zh":   "中文",
	"en":   "英文",
	"ja":   "日文",
	"ko":   "韩文",
	"fr":   "法文",
	"de":   "德文",
	"es":   "西班牙文",
	"ru":   "俄文",
}

// LanguageName returns the display name for a language code, or the code
// itself when it is not in the table.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// PromptSource renders the translation system prompt. source is empty for
// auto-detection.
type PromptSource interface {
	Translation(source, target string) (string, error)
}

type Handler struct {
	llm     llm.Completer
	prompts PromptSource
	logger  *zap.Logger
}

func New(c llm.Completer, prompts PromptSource, logger *zap.Logger) *Handler {
	return &Handler{
		llm:     c,
		prompts: prompts,
		logger:  logging.OrNop(logger).Named("translation"),
	}
}

func (h *Handler) Handle(ctx context.Context, req dispatch.Request) string {
	p, ok := req.Params.(params.Translation)
	if req.Action != string(intent.Translation) || !ok {
		return fmt.Sprintf("抱歉，我不知道如何处理翻译操作：%s", req.Action)
	}
	if strings.TrimSpace(p.Text) == "" {
		return msgMissingText
	}

	source := LanguageName(p.SourceLanguage)
	target := LanguageName(p.TargetLanguage)
	promptSource := source
	if p.SourceLanguage == "auto" {
		promptSource = ""
	}
	system, err := h.prompts.Translation(promptSource, target)
	if err != nil {
		h.logger.Error("translation prompt unavailable", zap.String("error_class", "configuration"), zap.Error(err))
		return "翻译失败：" + err.Error()
	}

	res := llm.Call(ctx, h.llm, llm.Spec{
		SystemPrompt: system,
		Message:      p.Text,
		Temperature:  llm.Float(llm.TemperatureStructured),
		Format:       llm.FormatJSON,
	}, translatedText)
	if !res.Success {
		h.logger.Warn("translation failed", zap.String("error", res.Error))
		return "翻译失败：" + res.Error
	}

	return fmt.Sprintf("翻译完成！\n---\n原文 (%s): %s\n译文 (%s): %s", source, p.Text, target, res.Data)
}

// NeedsConfirmation is false: translating has no side effects.
func (h *Handler) NeedsConfirmation(params.Typed) bool { return false }

func (h *Handler) Describe(req dispatch.Request) string {
	p, _ := req.Params.(params.Translation)
	return fmt.Sprintf("翻译成%s：%s", LanguageName(p.TargetLanguage), p.Text)
}

// translatedText reads {"translatedText": ...}, falling back to the raw
// reply when the model answered in plain text.
func translatedText(raw string) (string, error) {
	if obj, err := llm.ParseJSON(raw); err == nil {
		if s, ok := obj["translatedText"].(string); ok {
			return strings.TrimSpace(s), nil
		}
	}
	return strings.TrimSpace(raw), nil
}
