package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultProviderType   = "openai"
	DefaultBaseURL        = "https://openrouter.ai/api/v1"
	DefaultModel          = "qwen/qwen3-30b-a3b"
	DefaultVisionModel    = "google/gemini-2.5-flash-preview-05-20"
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
	DefaultTemperature    = 0.3
	DefaultMaxTokens      = 2048
	DefaultLLMTimeout     = 30
	DefaultLedgerTimeout  = 15
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 18790
	DefaultBufSize        = 100
	DefaultWorkers        = 4
	DefaultRateLimit      = 20
	DefaultRateBurst      = 40
	DefaultConfirmTTL     = 900
	DefaultPromptVariant  = "default"
	DefaultTelegramMode   = "polling"
	DefaultWebhookPath    = "/webhook/telegram"
	DefaultRedisAddr      = "127.0.0.1:6379"
	DefaultMaxNotes       = 200
	DefaultServiceName    = "intentclaw"

	envPrefix = "INTENTCLAW"
)

type Config struct {
	Log       LogConfig       `json:"log" mapstructure:"log"`
	Provider  ProviderConfig  `json:"provider" mapstructure:"provider"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Channels  ChannelsConfig  `json:"channels" mapstructure:"channels"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Dispatch  DispatchConfig  `json:"dispatch" mapstructure:"dispatch"`
	Ledger    LedgerConfig    `json:"ledger" mapstructure:"ledger"`
	Counter   CounterConfig   `json:"counter" mapstructure:"counter"`
	Notes     NotesConfig     `json:"notes" mapstructure:"notes"`
	Prompts   PromptsConfig   `json:"prompts" mapstructure:"prompts"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
}

type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
}

type ProviderConfig struct {
	Type    string `json:"type" mapstructure:"type" validate:"omitempty,oneof=openai anthropic"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey" mapstructure:"apiKey"`
	BaseURL string `json:"baseUrl" mapstructure:"baseUrl" validate:"omitempty,url"`
}

type LLMConfig struct {
	Model          string  `json:"model" mapstructure:"model"`
	VisionModel    string  `json:"visionModel" mapstructure:"visionModel"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature" validate:"gte=0,lte=1"`
	MaxTokens      int     `json:"maxTokens" mapstructure:"maxTokens" validate:"gte=0"`
	TimeoutSeconds int     `json:"timeoutSeconds" mapstructure:"timeoutSeconds" validate:"gte=0"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled       bool     `json:"enabled" mapstructure:"enabled"`
	Token         string   `json:"token" mapstructure:"token"`
	AllowFrom     []string `json:"allowFrom" mapstructure:"allowFrom"`
	Proxy         string   `json:"proxy" mapstructure:"proxy"`
	Mode          string   `json:"mode" mapstructure:"mode" validate:"omitempty,oneof=polling webhook"`
	WebhookURL    string   `json:"webhookUrl" mapstructure:"webhookUrl"`
	WebhookSecret string   `json:"webhookSecret" mapstructure:"webhookSecret"`
}

type GatewayConfig struct {
	Host        string  `json:"host" mapstructure:"host"`
	Port        int     `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	Workers     int     `json:"workers" mapstructure:"workers" validate:"gte=0"`
	RateLimit   float64 `json:"rateLimit" mapstructure:"rateLimit" validate:"gte=0"`
	RateBurst   int     `json:"rateBurst" mapstructure:"rateBurst" validate:"gte=0"`
	WebhookPath string  `json:"webhookPath" mapstructure:"webhookPath"`
}

type DispatchConfig struct {
	SkipConfirmation  bool   `json:"skipConfirmation" mapstructure:"skipConfirmation"`
	ConfirmSecret     string `json:"confirmSecret" mapstructure:"confirmSecret"`
	ConfirmTTLSeconds int    `json:"confirmTtlSeconds" mapstructure:"confirmTtlSeconds" validate:"gte=0"`
	PromptVariant     string `json:"promptVariant" mapstructure:"promptVariant"`
	ChatFallback      bool   `json:"chatFallback" mapstructure:"chatFallback"`
}

type LedgerConfig struct {
	BaseURL            string `json:"baseUrl" mapstructure:"baseUrl" validate:"omitempty,url"`
	APIKey             string `json:"apiKey" mapstructure:"apiKey"`
	EncryptionPassword string `json:"encryptionPassword" mapstructure:"encryptionPassword"`
	TimeoutSeconds     int    `json:"timeoutSeconds" mapstructure:"timeoutSeconds" validate:"gte=0"`
	CatalogPath        string `json:"catalogPath" mapstructure:"catalogPath"`
	SyncSchedule       string `json:"syncSchedule" mapstructure:"syncSchedule"`
}

type CounterConfig struct {
	DBPath string `json:"dbPath" mapstructure:"dbPath"`
}

type NotesConfig struct {
	RedisAddr     string `json:"redisAddr" mapstructure:"redisAddr"`
	RedisPassword string `json:"redisPassword" mapstructure:"redisPassword"`
	RedisDB       int    `json:"redisDb" mapstructure:"redisDb" validate:"gte=0"`
	MaxNotes      int    `json:"maxNotes" mapstructure:"maxNotes" validate:"gte=0"`
}

type PromptsConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlpEndpoint" mapstructure:"otlpEndpoint"`
	Insecure     bool   `json:"insecure" mapstructure:"insecure"`
	ServiceName  string `json:"serviceName" mapstructure:"serviceName"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Provider: ProviderConfig{
			Type:    DefaultProviderType,
			BaseURL: DefaultBaseURL,
		},
		LLM: LLMConfig{
			Model:          DefaultModel,
			VisionModel:    DefaultVisionModel,
			Temperature:    DefaultTemperature,
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultLLMTimeout,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Mode: DefaultTelegramMode, AllowFrom: []string{}},
		},
		Gateway: GatewayConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			Workers:     DefaultWorkers,
			RateLimit:   DefaultRateLimit,
			RateBurst:   DefaultRateBurst,
			WebhookPath: DefaultWebhookPath,
		},
		Dispatch: DispatchConfig{
			ConfirmTTLSeconds: DefaultConfirmTTL,
			PromptVariant:     DefaultPromptVariant,
		},
		Ledger: LedgerConfig{
			TimeoutSeconds: DefaultLedgerTimeout,
		},
		Counter: CounterConfig{
			DBPath: filepath.Join(ConfigDir(), "data", "counter.db"),
		},
		Notes: NotesConfig{
			RedisAddr: DefaultRedisAddr,
			MaxNotes:  DefaultMaxNotes,
		},
		Telemetry: TelemetryConfig{ServiceName: DefaultServiceName},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".intentclaw")
}

func ConfigPath() string {
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom layers, lowest first: defaults, the JSON file at path,
// INTENTCLAW_<SECTION>_<KEY> variables, then the well-known provider
// variables (OPENAI_API_KEY, TELEGRAM_BOT_TOKEN, ...).
func LoadConfigFrom(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigType("json")

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		cfg.Provider.Type = "openai"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		cfg.Provider.Type = "anthropic"
		if cfg.Provider.BaseURL == DefaultBaseURL {
			cfg.Provider.BaseURL = ""
		}
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if base := os.Getenv("ACTUAL_BASE"); base != "" {
		cfg.Ledger.BaseURL = base
	}
	if key := os.Getenv("ACTUAL_API_KEY"); key != "" {
		cfg.Ledger.APIKey = key
	}
	if pw := os.Getenv("ACTUAL_ENCRYPTION_PASSWORD"); pw != "" {
		cfg.Ledger.EncryptionPassword = pw
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Notes.RedisAddr = addr
	}
	if secret := os.Getenv("CONFIRM_SECRET"); secret != "" {
		cfg.Dispatch.ConfirmSecret = secret
	}
	if skip := os.Getenv("SKIP_CONFIRMATION"); skip != "" {
		if parsed, err := strconv.ParseBool(skip); err == nil {
			cfg.Dispatch.SkipConfirmation = parsed
		}
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.VisionModel == "" {
		cfg.LLM.VisionModel = DefaultVisionModel
	}
	// OpenRouter model ids are rejected by the Anthropic API.
	if cfg.Provider.Type == "anthropic" {
		if cfg.LLM.Model == DefaultModel {
			cfg.LLM.Model = DefaultAnthropicModel
		}
		if cfg.LLM.VisionModel == DefaultVisionModel {
			cfg.LLM.VisionModel = DefaultAnthropicModel
		}
	}
	if cfg.Gateway.Workers <= 0 {
		cfg.Gateway.Workers = DefaultWorkers
	}
	if cfg.Dispatch.PromptVariant == "" {
		cfg.Dispatch.PromptVariant = DefaultPromptVariant
	}
	if cfg.Channels.Telegram.Mode == "" {
		cfg.Channels.Telegram.Mode = DefaultTelegramMode
	}
}

var validate = validator.New()

// Validate reports structural problems such as out-of-range numbers or
// unknown enum values. Missing credentials are not errors here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("invalid config: telegram enabled without token")
	}
	return nil
}

// LLMTimeout is the per-call bound for provider requests.
func (c *Config) LLMTimeout() time.Duration {
	if c.LLM.TimeoutSeconds <= 0 {
		return DefaultLLMTimeout * time.Second
	}
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c *Config) LedgerTimeout() time.Duration {
	if c.Ledger.TimeoutSeconds <= 0 {
		return DefaultLedgerTimeout * time.Second
	}
	return time.Duration(c.Ledger.TimeoutSeconds) * time.Second
}

func (c *Config) ConfirmTTL() time.Duration {
	if c.Dispatch.ConfirmTTLSeconds <= 0 {
		return DefaultConfirmTTL * time.Second
	}
	return time.Duration(c.Dispatch.ConfirmTTLSeconds) * time.Second
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
