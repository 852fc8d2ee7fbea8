package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
)

// modelSource is satisfied by *model.AnthropicProvider.
type modelSource interface {
	Model(ctx context.Context) (model.Model, error)
}

// anthropicProvider routes calls through the agentsdk model layer. The
// messages API has no JSON mode, so json_object requests get an extra
// system instruction instead.
type anthropicProvider struct {
	source modelSource
}

func newAnthropicProvider(apiKey, baseURL, modelName string, maxTokens int) *anthropicProvider {
	return &anthropicProvider{source: &model.AnthropicProvider{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		ModelName:  modelName,
		MaxTokens:  maxTokens,
		MaxRetries: 0,
	}}
}

func (p *anthropicProvider) name() string { return "anthropic" }

const jsonOnlyInstruction = "Respond with a single valid JSON object and nothing else."

func (p *anthropicProvider) complete(ctx context.Context, req request) (string, error) {
	mdl, err := p.source.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("init anthropic model: %w", err)
	}

	system := req.system
	if req.format != FormatText {
		system = strings.TrimSpace(system + "\n\n" + jsonOnlyInstruction)
	}

	msg := model.Message{Role: "user", Content: req.message}
	if req.image != nil {
		mediaType := req.image.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		msg.ContentBlocks = []model.ContentBlock{
			{Type: model.ContentBlockImage, MediaType: mediaType, Data: req.image.Data},
		}
		// content blocks replace Content on the wire, so carry the text as a block
		if strings.TrimSpace(req.message) != "" {
			msg.ContentBlocks = append([]model.ContentBlock{{Type: model.ContentBlockText, Text: req.message}}, msg.ContentBlocks...)
		}
	}

	temperature := req.temperature
	resp, err := mdl.Complete(ctx, model.Request{
		Messages:    []model.Message{msg},
		System:      system,
		Model:       req.model,
		Temperature: &temperature,
		MaxTokens:   req.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return "", errNoChoices
	}
	return resp.Message.Content, nil
}
