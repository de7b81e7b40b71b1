package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	require.Equal(t, 10*time.Second, cfg.API.Timeout)
	require.Equal(t, 3, cfg.API.RetryAttempts)
	require.Equal(t, 2, cfg.API.MaxRetries())
	require.Equal(t, time.Second, cfg.API.RetryDelay)
	require.Equal(t, 30, cfg.Chat.InitialLimit)
	require.Equal(t, 20, cfg.Chat.OlderLimit)
	require.Equal(t, DefaultFeatureFlags(), cfg.Features)
	require.Equal(t, "echo", cfg.DevServer.DefaultLLM)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PERSONACHAT_API_BASE_URL", "https://chat.example.com")
	t.Setenv("PERSONACHAT_API_TIMEOUT", "3s")
	t.Setenv("PERSONACHAT_CHAT_INITIAL_LIMIT", "50")
	t.Setenv("PERSONACHAT_FEATURES_MESSAGE_DELETE", "true")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "https://chat.example.com", cfg.API.BaseURL)
	require.Equal(t, 3*time.Second, cfg.API.Timeout)
	require.Equal(t, 50, cfg.Chat.InitialLimit)
	require.True(t, cfg.Features.MessageDelete)
	require.Equal(t, "sk-test", cfg.DevServer.AnthropicAPIKey)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: http://10.0.0.5:9000
  retry_attempts: 1
chat:
  older_limit: 5
features:
  message_search: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "http://10.0.0.5:9000", cfg.API.BaseURL)
	require.Equal(t, 1, cfg.API.RetryAttempts)
	require.Zero(t, cfg.API.MaxRetries())
	require.Equal(t, 5, cfg.Chat.OlderLimit)
	require.False(t, cfg.Features.MessageSearch)
	require.Equal(t, 30, cfg.Chat.InitialLimit)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidLimits(t *testing.T) {
	t.Setenv("PERSONACHAT_CHAT_OLDER_LIMIT", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestFeatureFlags_Resolve(t *testing.T) {
	flags := DefaultFeatureFlags()
	flags.MessageDelete = true
	flags.ChatExport = true

	user := flags.Resolve(false)
	require.False(t, user.MessageDelete, "delete is admin only")
	require.False(t, user.ChatExport, "export is admin only")
	require.True(t, user.MessageSearch)

	admin := flags.Resolve(true)
	require.True(t, admin.MessageDelete)
	require.True(t, admin.ChatExport)
}

func TestFeatureFlags_ResolveDependencies(t *testing.T) {
	flags := DefaultFeatureFlags()
	flags.FileUpload = false
	flags.ChatHistory = false

	f := flags.Resolve(true)
	require.False(t, f.ImageUpload)
	require.False(t, f.MessageSearch)
	require.True(t, f.MessageCopy)
}

func TestAPIConfig_MaxRetries(t *testing.T) {
	for attempts, want := range map[int]int{0: 0, 1: 0, 2: 1, 3: 2} {
		require.Equal(t, want, APIConfig{RetryAttempts: attempts}.MaxRetries(), "attempts=%d", attempts)
	}
}
