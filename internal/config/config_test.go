package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Default config", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := LoadConfig("", viper.New())
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if cfg.Server.Port != 38890 {
			t.Errorf("Expected default port 38890, got %d", cfg.Server.Port)
		}
		if cfg.Log.Level != "info" {
			t.Errorf("Expected default log level 'info', got %s", cfg.Log.Level)
		}
		if !cfg.Diagnostic.StopOnFirstFailure {
			t.Error("Expected stop_on_first_failure to default to true")
		}
		if cfg.Diagnostic.BackendDelay != 5*time.Second {
			t.Errorf("Expected backend delay 5s, got %v", cfg.Diagnostic.BackendDelay)
		}
		if cfg.Diagnostic.OrchestrationTimeout != 120*time.Second {
			t.Errorf("Expected orchestration timeout 120s, got %v", cfg.Diagnostic.OrchestrationTimeout)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("default config should validate: %v", err)
		}
	})
}

func validConfig() *Config {
	return &Config{
		Log:    LogConfig{Level: "info"},
		Output: OutputConfig{Mode: "console"},
		Diagnostic: DiagnosticConfig{
			BackendDelay:         time.Second,
			MessageDelay:         time.Second,
			BackendTimeout:       30 * time.Second,
			MiddlewareTimeout:    30 * time.Second,
			OrchestrationTimeout: 120 * time.Second,
			SlotWindowDays:       14,
		},
		Capture: CaptureConfig{Driver: "sqlite", Path: "./capture.db"},
		Storage: StorageConfig{Driver: "sqlite", Path: "./reports.db"},
		Server:  ServerConfig{Port: 8080, AdminPath: "/api", MetricsPath: "/metrics"},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "Valid config", mutate: func(*Config) {}},
		{
			name:     "Invalid port",
			mutate:   func(c *Config) { c.Server.Port = 70000 },
			errorMsg: "invalid port",
		},
		{
			name:     "Invalid log level",
			mutate:   func(c *Config) { c.Log.Level = "invalid" },
			errorMsg: "invalid log level",
		},
		{
			name: "File logging enabled but empty path",
			mutate: func(c *Config) {
				c.Log.FileLogging = FileLogConfig{Enable: true}
			},
			errorMsg: "log file path cannot be empty",
		},
		{
			name:     "Negative backend delay",
			mutate:   func(c *Config) { c.Diagnostic.BackendDelay = -time.Second },
			errorMsg: "delays cannot be negative",
		},
		{
			name:     "Zero middleware timeout",
			mutate:   func(c *Config) { c.Diagnostic.MiddlewareTimeout = 0 },
			errorMsg: "timeouts must be greater than zero",
		},
		{
			name:     "Unsupported storage driver",
			mutate:   func(c *Config) { c.Storage.Driver = "postgres" },
			errorMsg: "storage driver must be sqlite",
		},
		{
			name: "Duplicate environment",
			mutate: func(c *Config) {
				c.Environments = []EnvironmentConfig{{Name: "prod"}, {Name: "PROD"}}
			},
			errorMsg: "declared twice",
		},
		{
			name: "Relative backend endpoint",
			mutate: func(c *Config) {
				c.Environments = []EnvironmentConfig{{Name: "prod", Backend: BackendConfig{Endpoint: "GetData.ashx"}}}
			},
			errorMsg: "backend.endpoint is not an absolute URL",
		},
		{
			name: "Unknown default environment",
			mutate: func(c *Config) {
				c.Environments = []EnvironmentConfig{{Name: "prod"}}
				c.DefaultEnvironment = "staging"
			},
			errorMsg: "is not declared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errorMsg != "" {
				if err == nil {
					t.Errorf("Expected error containing '%s', but got no error", tt.errorMsg)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error, but got: %v", err)
			}
		})
	}
}

func TestLoadConfigWithFile(t *testing.T) {
	configContent := `
log:
  level: "debug"

default_environment: staging

diagnostic:
  stop_on_first_failure: false
  backend_delay: 2s
  slot_window_days: 7

environments:
  - name: prod
    backend:
      endpoint: "https://backend.example.com/GetData.ashx"
      client_id: "client"
      user_name: "user"
      password: "secret"
    middleware:
      base_url: "https://middleware.example.com/chord/"
  - name: staging
    backend:
      endpoint: "https://backend-staging.example.com/GetData.ashx"
    middleware:
      base_url: "https://middleware-staging.example.com/chord"
      auth_header: "X-Api-Key"
      auth_value: "abc"
    orchestration:
      endpoint: "https://agent.example.com/api/v1/prediction/flow"
`

	tmpFile, err := os.CreateTemp("", "layerprobe_test_config_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config content: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name(), viper.New())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config should validate: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %s", cfg.Log.Level)
	}
	if cfg.Diagnostic.StopOnFirstFailure {
		t.Error("Expected stop_on_first_failure to be false")
	}
	if cfg.Diagnostic.BackendDelay != 2*time.Second {
		t.Errorf("Expected backend delay 2s, got %v", cfg.Diagnostic.BackendDelay)
	}
	if cfg.Diagnostic.MessageDelay != 3*time.Second {
		t.Errorf("Expected default message delay 3s, got %v", cfg.Diagnostic.MessageDelay)
	}

	env, err := cfg.Environment("")
	if err != nil {
		t.Fatalf("resolve default environment: %v", err)
	}
	if env.Name != "staging" || !env.HasOrchestration() {
		t.Fatalf("unexpected default environment: %#v", env)
	}
	if env.Middleware.AuthHeader != "X-Api-Key" {
		t.Errorf("Expected auth header X-Api-Key, got %s", env.Middleware.AuthHeader)
	}

	prod, err := cfg.Environment("PROD")
	if err != nil {
		t.Fatalf("resolve prod environment: %v", err)
	}
	if prod.HasOrchestration() {
		t.Error("prod should not have an orchestration endpoint")
	}
	if prod.Middleware.BaseURL != "https://middleware.example.com/chord" {
		t.Errorf("Expected trailing slash trimmed, got %s", prod.Middleware.BaseURL)
	}
	if prod.Middleware.AuthHeader != "Authorization" {
		t.Errorf("Expected default auth header, got %s", prod.Middleware.AuthHeader)
	}

	if _, err := cfg.Environment("qa"); !errors.Is(err, ErrUnknownEnvironment) {
		t.Fatalf("expected ErrUnknownEnvironment, got %v", err)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml", viper.New())
	if err == nil {
		t.Error("Expected error for missing config file")
	}
	if cfg != nil {
		t.Error("Expected nil config for missing file")
	}
}

func TestEnvironmentFallback(t *testing.T) {
	cfg := validConfig()
	env, err := cfg.Environment("")
	if err != nil {
		t.Fatalf("fallback environment: %v", err)
	}
	if env.Name != FallbackEnvironmentName {
		t.Fatalf("expected fallback environment, got %s", env.Name)
	}

	// Each call yields an independent value.
	env.Backend.Endpoint = "mutated"
	again, _ := cfg.Environment("")
	if again.Backend.Endpoint == "mutated" {
		t.Fatal("fallback environment must not be shared")
	}
}

func TestConversationalEndpoint(t *testing.T) {
	env := EnvironmentConfig{Orchestration: OrchestrationConfig{Endpoint: "https://agent/predict"}}
	if got := env.ConversationalEndpoint(); got != "https://agent/predict" {
		t.Fatalf("expected orchestration endpoint, got %s", got)
	}
	env.Conversational.Endpoint = "https://chat/api/chat"
	if got := env.ConversationalEndpoint(); got != "https://chat/api/chat" {
		t.Fatalf("expected chat proxy endpoint, got %s", got)
	}
}
