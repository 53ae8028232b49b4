package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.True(t, cfg.Fallback.Enabled)
				assert.Equal(t, 3, cfg.Fallback.MaxAttempts)
				assert.Equal(t, 5, cfg.Fallback.FailureThreshold)
				assert.Equal(t, 30*time.Second, cfg.Fallback.OpenTimeout)
				assert.Equal(t, 1, cfg.Fallback.MaxHalfOpenProbes)
				assert.Equal(t, 2, cfg.Fallback.HalfOpenSuccessThreshold)
				assert.Empty(t, cfg.Equivalence.TablePath)
			},
		},
		{
			name: "production configuration with a provider",
			envVars: map[string]string{
				"ENVIRONMENT":    "production",
				"SERVER_PORT":    "9000",
				"OPENAI_API_KEY": "sk-xxxxx",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.False(t, cfg.IsDevelopment())
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.NotEmpty(t, cfg.Providers.OpenAI.APIKey)
			},
		},
		{
			name: "custom timeouts",
			envVars: map[string]string{
				"SERVER_READ_TIMEOUT":  "60s",
				"SERVER_WRITE_TIMEOUT": "90s",
				"OPENAI_TIMEOUT":       "45s",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 90*time.Second, cfg.Server.WriteTimeout)
				assert.Equal(t, 45*time.Second, cfg.Providers.OpenAI.Timeout)
			},
		},
		{
			name: "fallback policy overrides",
			envVars: map[string]string{
				"FALLBACK_ENABLED":                    "false",
				"FALLBACK_MAX_ATTEMPTS":               "5",
				"FALLBACK_NOTIFY":                     "false",
				"BREAKER_FAILURE_THRESHOLD":           "3",
				"BREAKER_OPEN_TIMEOUT":                "1m",
				"BREAKER_MAX_HALF_OPEN_PROBES":        "2",
				"BREAKER_HALF_OPEN_SUCCESS_THRESHOLD": "1",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Fallback.Enabled)
				assert.Equal(t, 5, cfg.Fallback.MaxAttempts)
				assert.False(t, cfg.Fallback.NotifyOnFallback)
				assert.Equal(t, 3, cfg.Fallback.FailureThreshold)
				assert.Equal(t, time.Minute, cfg.Fallback.OpenTimeout)
				assert.Equal(t, 2, cfg.Fallback.MaxHalfOpenProbes)
				assert.Equal(t, 1, cfg.Fallback.HalfOpenSuccessThreshold)
			},
		},
		{
			name: "observability configuration",
			envVars: map[string]string{
				"LOG_LEVEL":       "debug",
				"LOG_FORMAT":      "text",
				"METRICS_ENABLED": "false",
				"SERVICE_NAME":    "gateway-test",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Observability.LogLevel)
				assert.Equal(t, "text", cfg.Observability.LogFormat)
				assert.False(t, cfg.Observability.MetricsEnabled)
				assert.Equal(t, "gateway-test", cfg.Observability.ServiceName)
			},
		},
		{
			name: "equivalence table path",
			envVars: map[string]string{
				"EQUIVALENCE_TABLE_PATH": "/etc/gateway/tiers.yaml",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/etc/gateway/tiers.yaml", cfg.Equivalence.TablePath)
			},
		},
		{
			name: "PORT env var takes precedence over SERVER_PORT default",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
				"PORT":        "9443",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
			},
		},
		{
			name: "malformed numeric env falls back to default",
			envVars: map[string]string{
				"FALLBACK_MAX_ATTEMPTS": "lots",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3, cfg.Fallback.MaxAttempts)
			},
		},
		{
			name: "production without any provider",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
			},
			wantErr: true,
		},
		{
			name: "zero max attempts rejected",
			envVars: map[string]string{
				"FALLBACK_MAX_ATTEMPTS": "0",
			},
			wantErr: true,
		},
		{
			name: "zero failure threshold rejected",
			envVars: map[string]string{
				"BREAKER_FAILURE_THRESHOLD": "0",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			// Create config
			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: "development",
			Server:      ServerConfig{Host: "0.0.0.0", Port: 8080},
			Fallback: FallbackConfig{
				Enabled:                  true,
				MaxAttempts:              3,
				FailureThreshold:         5,
				OpenTimeout:              30 * time.Second,
				MaxHalfOpenProbes:        1,
				HalfOpenSuccessThreshold: 2,
			},
			Observability: ObservabilityConfig{LogLevel: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid development config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
			errMsg:  "out of range",
		},
		{
			name:    "negative open timeout",
			mutate:  func(c *Config) { c.Fallback.OpenTimeout = -time.Second },
			wantErr: true,
			errMsg:  "open timeout",
		},
		{
			name:    "zero half-open probes",
			mutate:  func(c *Config) { c.Fallback.MaxHalfOpenProbes = 0 },
			wantErr: true,
			errMsg:  "half-open probes",
		},
		{
			name:    "missing log level",
			mutate:  func(c *Config) { c.Observability.LogLevel = "" },
			wantErr: true,
			errMsg:  "log level",
		},
		{
			name: "production requires a provider",
			mutate: func(c *Config) {
				c.Environment = "production"
			},
			wantErr: true,
			errMsg:  "provider",
		},
		{
			name: "production with provider passes",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Providers.Anthropic.APIKey = "key"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 9000}
	assert.Equal(t, "127.0.0.1:9000", cfg.Address())
}
