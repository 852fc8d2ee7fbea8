package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_BASE_URL", "TELEGRAM_BOT_TOKEN",
		"ACTUAL_BASE", "ACTUAL_API_KEY", "ACTUAL_ENCRYPTION_PASSWORD", "REDIS_ADDR",
		"CONFIRM_SECRET", "SKIP_CONFIRMATION", "INTENTCLAW_CONFIG", "INTENTCLAW_LLM_MODEL",
		"INTENTCLAW_GATEWAY_PORT",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultModel, cfg.LLM.Model)
	assert.Equal(t, DefaultVisionModel, cfg.LLM.VisionModel)
	assert.Equal(t, DefaultTemperature, cfg.LLM.Temperature)
	assert.Equal(t, DefaultProviderType, cfg.Provider.Type)
	assert.Equal(t, DefaultHost, cfg.Gateway.Host)
	assert.Equal(t, DefaultPort, cfg.Gateway.Port)
	assert.Equal(t, DefaultConfirmTTL, cfg.Dispatch.ConfirmTTLSeconds)
	assert.False(t, cfg.Dispatch.SkipConfirmation)
	assert.NotEmpty(t, cfg.Counter.DBPath)
	require.NoError(t, Validate(cfg))
}

func TestLoadConfig_NoFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, cfg.LLM.Model)
	assert.Equal(t, DefaultWorkers, cfg.Gateway.Workers)
	assert.Empty(t, cfg.Provider.APIKey)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfgDir := filepath.Join(tmpDir, ".intentclaw")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))

	raw := map[string]any{
		"provider": map[string]any{"apiKey": "file-key"},
		"llm":      map[string]any{"model": "custom-model"},
		"channels": map[string]any{"telegram": map[string]any{
			"enabled": true, "token": "tg-token", "allowFrom": []string{"1", "2"},
		}},
		"dispatch": map[string]any{"skipConfirmation": true},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Provider.APIKey)
	assert.Equal(t, "custom-model", cfg.LLM.Model)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultVisionModel, cfg.LLM.VisionModel)
	assert.Equal(t, DefaultLLMTimeout, cfg.LLM.TimeoutSeconds)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, "tg-token", cfg.Channels.Telegram.Token)
	assert.Equal(t, []string{"1", "2"}, cfg.Channels.Telegram.AllowFrom)
	assert.True(t, cfg.Dispatch.SkipConfirmation)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := LoadConfigFrom(path)
	require.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-env")
	t.Setenv("ACTUAL_BASE", "http://actual.local/v1/budgets/abc")
	t.Setenv("ACTUAL_API_KEY", "actual-key")
	t.Setenv("CONFIRM_SECRET", "s3cret")
	t.Setenv("SKIP_CONFIRMATION", "true")
	t.Setenv("INTENTCLAW_LLM_MODEL", "env-model")
	t.Setenv("INTENTCLAW_GATEWAY_PORT", "9999")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Provider.APIKey)
	assert.Equal(t, "openai", cfg.Provider.Type)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, "tg-env", cfg.Channels.Telegram.Token)
	assert.Equal(t, "http://actual.local/v1/budgets/abc", cfg.Ledger.BaseURL)
	assert.Equal(t, "actual-key", cfg.Ledger.APIKey)
	assert.Equal(t, "s3cret", cfg.Dispatch.ConfirmSecret)
	assert.True(t, cfg.Dispatch.SkipConfirmation)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, 9999, cfg.Gateway.Port)
}

func TestLoadConfig_AnthropicKeyClearsOpenRouterURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "ak")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider.Type)
	assert.Empty(t, cfg.Provider.BaseURL)
	assert.Equal(t, DefaultAnthropicModel, cfg.LLM.Model)
	assert.Equal(t, DefaultAnthropicModel, cfg.LLM.VisionModel)
}

func TestLoadConfig_AnthropicKeepsExplicitModels(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "ak")

	cfg := DefaultConfig()
	cfg.LLM.Model = "claude-haiku-4-5"
	require.NoError(t, SaveConfig(cfg))

	loaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", loaded.LLM.Model)
	assert.Equal(t, DefaultAnthropicModel, loaded.LLM.VisionModel)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("ACTUAL_API_KEY=from-dotenv\n"), 0644))
	t.Setenv("ENV_FILE", envPath)
	// godotenv never overrides variables that are already present
	require.NoError(t, os.Unsetenv("ACTUAL_API_KEY"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Ledger.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad provider", func(c *Config) { c.Provider.Type = "gemini" }, true},
		{"temperature too high", func(c *Config) { c.LLM.Temperature = 1.5 }, true},
		{"bad telegram mode", func(c *Config) { c.Channels.Telegram.Mode = "push" }, true},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, true},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout())
	assert.Equal(t, 15*time.Second, cfg.LedgerTimeout())
	assert.Equal(t, 15*time.Minute, cfg.ConfirmTTL())

	cfg.LLM.TimeoutSeconds = 0
	assert.Equal(t, DefaultLLMTimeout*time.Second, cfg.LLMTimeout())
}

func TestSaveConfig(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	require.NoError(t, SaveConfig(cfg))

	data, err := os.ReadFile(filepath.Join(tmpDir, ".intentclaw", "config.json"))
	require.NoError(t, err)

	var loaded Config
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, "saved-key", loaded.Provider.APIKey)
}
