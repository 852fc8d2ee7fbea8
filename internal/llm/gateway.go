// Package llm wraps a single chat-completion round-trip behind a uniform
// request/response shape shared by every caller in the pipeline.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/logging"
)

// ResponseFormat is the shape requested from the provider.
type ResponseFormat string

const (
	FormatJSON ResponseFormat = "json_object"
	FormatText ResponseFormat = "text"
)

// Temperatures used by the pipeline stages.
const (
	TemperatureStructured = 0.3
	TemperatureResponse   = 0.7
	TemperatureVision     = 0.1
)

// Error strings surfaced in Result.Error.
const (
	ErrTextNoProvider = "No LLM provider available"
	ErrTextNoChoices  = "No choices returned from LLM"
)

var errNoChoices = errors.New("no choices")

// Image is a base64 payload for multimodal calls.
type Image struct {
	MediaType string
	Data      string
}

// Spec describes one completion request.
type Spec struct {
	SystemPrompt string
	Message      string
	Model        string   // empty: configured default
	Temperature  *float64 // nil: configured default
	Format       ResponseFormat
	Image        *Image
}

// Result is the outcome of one round-trip. Data is only meaningful when
// Success is true; RawResponse is only set when post-processing failed.
type Result[T any] struct {
	Success     bool
	Data        T
	Error       string
	RawResponse string
}

// Completer is satisfied by *Gateway and by test stubs.
type Completer interface {
	Complete(ctx context.Context, spec Spec) Result[string]
}

type request struct {
	system      string
	message     string
	model       string
	temperature float64
	maxTokens   int
	format      ResponseFormat
	image       *Image
}

type provider interface {
	name() string
	complete(ctx context.Context, req request) (string, error)
}

// Gateway is immutable after New and safe for concurrent use.
type Gateway struct {
	provider    provider
	model       string
	visionModel string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	logger      *zap.Logger
}

// New builds the gateway from configuration. A missing API key is not an
// error: the gateway is returned without a provider and every call fails
// fast with ErrTextNoProvider.
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	return newGateway(cfg, logger, http.DefaultClient)
}

func newGateway(cfg *config.Config, logger *zap.Logger, client *http.Client) (*Gateway, error) {
	g := &Gateway{
		model:       cfg.LLM.Model,
		visionModel: cfg.LLM.VisionModel,
		temperature: cfg.LLM.Temperature,
		maxTokens:   cfg.LLM.MaxTokens,
		timeout:     cfg.LLMTimeout(),
		logger:      logging.OrNop(logger).Named("llm"),
	}
	if g.model == "" {
		g.model = config.DefaultModel
	}
	if g.visionModel == "" {
		g.visionModel = config.DefaultVisionModel
	}

	key := strings.TrimSpace(cfg.Provider.APIKey)
	if key == "" {
		g.logger.Warn("no provider credential configured, llm calls disabled")
		return g, nil
	}

	switch cfg.Provider.Type {
	case "", "openai":
		g.provider = newOpenAIProvider(key, cfg.Provider.BaseURL, client)
	case "anthropic":
		g.provider = newAnthropicProvider(key, cfg.Provider.BaseURL, g.model, g.maxTokens)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
	return g, nil
}

// Available reports whether a provider is configured.
func (g *Gateway) Available() bool {
	return g != nil && g.provider != nil
}

// Complete performs one round-trip and returns the raw completion text.
func (g *Gateway) Complete(ctx context.Context, spec Spec) Result[string] {
	if !g.Available() {
		return Result[string]{Error: ErrTextNoProvider}
	}

	req := request{
		system:      spec.SystemPrompt,
		message:     spec.Message,
		model:       spec.Model,
		temperature: g.temperature,
		maxTokens:   g.maxTokens,
		format:      spec.Format,
		image:       spec.Image,
	}
	if req.model == "" {
		req.model = g.model
	}
	if spec.Temperature != nil {
		req.temperature = *spec.Temperature
	}
	if req.format == "" {
		req.format = FormatJSON
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.provider.complete(ctx, req)
	if err != nil {
		if errors.Is(err, errNoChoices) {
			return Result[string]{Error: ErrTextNoChoices}
		}
		g.logger.Warn("provider call failed",
			zap.String("provider", g.provider.name()),
			zap.String("model", req.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return Result[string]{Error: fmt.Sprintf("Failed to call %s API: %v", g.provider.name(), err)}
	}

	g.logger.Debug("provider call ok",
		zap.String("model", req.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("response", logging.Truncate(text, 200)))
	return Result[string]{Success: true, Data: text}
}

// Call runs a completion and applies transform to the raw text. A
// transform error keeps the raw text for diagnostics.
func Call[T any](ctx context.Context, c Completer, spec Spec, transform func(string) (T, error)) Result[T] {
	raw := c.Complete(ctx, spec)
	if !raw.Success {
		return Result[T]{Error: raw.Error}
	}
	data, err := transform(raw.Data)
	if err != nil {
		return Result[T]{
			Error:       "Error processing response: " + err.Error(),
			RawResponse: raw.Data,
		}
	}
	return Result[T]{Success: true, Data: data}
}

// ParseJSON decodes a JSON object, tolerating a surrounding markdown fence.
func ParseJSON(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if out == nil {
		return nil, errors.New("parse json: not an object")
	}
	return out, nil
}

// Float returns a pointer to v, for Spec.Temperature.
func Float(v float64) *float64 {
	return &v
}
