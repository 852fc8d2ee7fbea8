package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// chatCompletions is the slice of the openai-go client used here.
type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// openaiProvider talks to any OpenAI-compatible chat completions endpoint.
type openaiProvider struct {
	completions chatCompletions
}

func newOpenAIProvider(apiKey, baseURL string, client *http.Client) *openaiProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if client != nil {
		opts = append(opts, option.WithHTTPClient(client))
	}
	c := openai.NewClient(opts...)
	return &openaiProvider{completions: &c.Chat.Completions}
}

func (p *openaiProvider) name() string { return "openai" }

func (p *openaiProvider) complete(ctx context.Context, req request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.model),
		Messages:    buildOpenAIMessages(req),
		Temperature: openai.Float(req.temperature),
	}
	if req.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.maxTokens))
	}
	switch req.format {
	case FormatText:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfText: &shared.ResponseFormatTextParam{},
		}
	default:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	completion, err := p.completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", errNoChoices
	}
	return completion.Choices[0].Message.Content, nil
}

func buildOpenAIMessages(req request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.system) != "" {
		msgs = append(msgs, openai.SystemMessage(req.system))
	}

	if req.image == nil {
		msgs = append(msgs, openai.UserMessage(req.message))
		return msgs
	}

	mediaType := req.image.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	parts := []openai.ChatCompletionContentPartUnionParam{}
	if strings.TrimSpace(req.message) != "" {
		parts = append(parts, openai.TextContentPart(req.message))
	}
	parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
		URL: "data:" + mediaType + ";base64," + req.image.Data,
	}))
	msgs = append(msgs, openai.UserMessage(parts))
	return msgs
}
