package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Providers     ProvidersConfig
	Fallback      FallbackConfig
	Equivalence   EquivalenceConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ProvidersConfig holds LLM provider configurations. Every provider speaks
// the OpenAI-compatible chat completions format; only credentials and the
// API root differ. A provider with an empty API key is not registered.
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Groq      ProviderConfig
}

// ProviderConfig holds one upstream provider's connection settings
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// FallbackConfig holds the fallback policy and circuit breaker defaults
type FallbackConfig struct {
	Enabled          bool
	MaxAttempts      int
	NotifyOnFallback bool

	// Circuit breaker thresholds applied to every backend
	FailureThreshold         int
	OpenTimeout              time.Duration
	MaxHalfOpenProbes        int
	HalfOpenSuccessThreshold int
}

// EquivalenceConfig holds the model equivalence tier table source.
// When TablePath is empty the built-in default table is used.
type EquivalenceConfig struct {
	TablePath string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			},
			Anthropic: ProviderConfig{
				APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
				Timeout: getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
			},
			Groq: ProviderConfig{
				APIKey:  getEnv("GROQ_API_KEY", ""),
				BaseURL: getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
				Timeout: getEnvAsDuration("GROQ_TIMEOUT", 60*time.Second),
			},
		},
		Fallback: FallbackConfig{
			Enabled:          getEnvAsBool("FALLBACK_ENABLED", true),
			MaxAttempts:      getEnvAsInt("FALLBACK_MAX_ATTEMPTS", 3),
			NotifyOnFallback: getEnvAsBool("FALLBACK_NOTIFY", true),

			FailureThreshold:         getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:              getEnvAsDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
			MaxHalfOpenProbes:        getEnvAsInt("BREAKER_MAX_HALF_OPEN_PROBES", 1),
			HalfOpenSuccessThreshold: getEnvAsInt("BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", 2),
		},
		Equivalence: EquivalenceConfig{
			TablePath: getEnv("EQUIVALENCE_TABLE_PATH", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			ServiceName:    getEnv("SERVICE_NAME", "llm-fallback-gateway"),
			ServiceVersion: getEnv("SERVICE_VERSION", "dev"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if c.Fallback.MaxAttempts < 1 {
		return fmt.Errorf("fallback max attempts must be at least 1")
	}
	if c.Fallback.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Fallback.OpenTimeout <= 0 {
		return fmt.Errorf("breaker open timeout must be positive")
	}
	if c.Fallback.MaxHalfOpenProbes < 1 {
		return fmt.Errorf("breaker max half-open probes must be at least 1")
	}
	if c.Fallback.HalfOpenSuccessThreshold < 1 {
		return fmt.Errorf("breaker half-open success threshold must be at least 1")
	}

	// Provider validation (at least one provider API key required in production)
	if c.IsProduction() {
		if c.Providers.OpenAI.APIKey == "" &&
			c.Providers.Anthropic.APIKey == "" &&
			c.Providers.Groq.APIKey == "" {
			return fmt.Errorf("at least one LLM provider must be configured in production")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
