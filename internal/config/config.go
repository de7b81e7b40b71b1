// Package config loads client and dev backend configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PERSONACHAT"

// Config holds all configuration for the application.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Events    EventsConfig    `mapstructure:"events"`
	Features  FeatureFlags    `mapstructure:"features"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

// APIConfig configures the transport layer. RetryAttempts counts every try of
// an idempotent request, the first included.
type APIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// MaxRetries is the number of retries after the first attempt.
func (c APIConfig) MaxRetries() int {
	return max(c.RetryAttempts-1, 0)
}

// ChatConfig sizes the message windows.
type ChatConfig struct {
	InitialLimit int `mapstructure:"initial_limit"`
	OlderLimit   int `mapstructure:"older_limit"`
	SearchLimit  int `mapstructure:"search_limit"`
}

// AuthConfig locates persisted credentials.
type AuthConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// EventsConfig configures the optional NATS event sink.
type EventsConfig struct {
	NATSURL  string `mapstructure:"nats_url"`
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	Token    string `mapstructure:"token"`
}

// DevServerConfig configures cmd/devserver.
type DevServerConfig struct {
	Port              string        `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	JWTExpiration     time.Duration `mapstructure:"jwt_expiration"`
	RefreshExpiration time.Duration `mapstructure:"refresh_expiration"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	AnthropicAPIKey   string        `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey      string        `mapstructure:"openai_api_key"`
	DefaultLLM        string        `mapstructure:"default_llm"`
}

func setDefaults(v *viper.Viper) {
	// API
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.retry_attempts", 3)
	v.SetDefault("api.retry_delay", time.Second)
	v.SetDefault("api.max_retry_delay", 10*time.Second)
	v.SetDefault("api.rate_limit", 20.0)
	v.SetDefault("api.rate_burst", 10)

	// Chat
	v.SetDefault("chat.initial_limit", 30)
	v.SetDefault("chat.older_limit", 20)
	v.SetDefault("chat.search_limit", 20)

	// Auth
	v.SetDefault("auth.credentials_path", "personachat.db")

	// Logging
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.development", false)

	// Tracing
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// Events
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.ca_file", "")
	v.SetDefault("events.cert_file", "")
	v.SetDefault("events.key_file", "")
	v.SetDefault("events.token", "")

	setFeatureDefaults(v)

	// Dev backend
	v.SetDefault("devserver.port", "8000")
	v.SetDefault("devserver.read_timeout", 30*time.Second)
	v.SetDefault("devserver.write_timeout", 120*time.Second)
	v.SetDefault("devserver.jwt_secret", "development-secret-change-in-production")
	v.SetDefault("devserver.jwt_expiration", 15*time.Minute)
	v.SetDefault("devserver.refresh_expiration", 24*time.Hour)
	v.SetDefault("devserver.rate_limit_requests", 120)
	v.SetDefault("devserver.rate_limit_window", time.Minute)
	v.SetDefault("devserver.anthropic_api_key", "")
	v.SetDefault("devserver.openai_api_key", "")
	v.SetDefault("devserver.default_llm", "echo")
}

// Load reads configuration from defaults, an optional config file, a .env
// file and PERSONACHAT_* environment variables, in increasing precedence.
// An empty path looks for personachat.yaml in the working directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider keys keep their conventional names.
	_ = v.BindEnv("devserver.anthropic_api_key", EnvPrefix+"_DEVSERVER_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("devserver.openai_api_key", EnvPrefix+"_DEVSERVER_OPENAI_API_KEY", "OPENAI_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("personachat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.RetryAttempts < 0 {
		return errors.New("api.retry_attempts cannot be negative")
	}
	if c.Chat.InitialLimit <= 0 || c.Chat.OlderLimit <= 0 {
		return errors.New("chat limits must be positive")
	}
	return nil
}
