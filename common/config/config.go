package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	Service   ServiceConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Sandbox   SandboxConfig
	LLM       LLMConfig
	Outbound  OutboundConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// BaseURL is prepended to webhook paths returned by the register
	// endpoint, e.g. "https://engine.example.com".
	BaseURL string
}

// StorageConfig controls the data directory layout.
type StorageConfig struct {
	DataDir string
	// MaxRunsInMemory bounds the per-workflow run history kept in the
	// runs.json snapshot. Older runs survive only as archive files.
	MaxRunsInMemory int
	ArchiveRuns     bool
	ArchiveCacheTTL time.Duration
}

// EngineConfig controls the scheduler.
type EngineConfig struct {
	MaxSteps           int
	WebhookWaitTimeout time.Duration
	// StreamPollInterval is the SSE receive timeout used to detect
	// client disconnects between events.
	StreamPollInterval time.Duration
	// StreamRetention is how long a finished run's log stream stays in
	// the hub waiting for a subscriber before it is dropped.
	StreamRetention time.Duration
}

// SandboxConfig controls the code-node sandbox.
type SandboxConfig struct {
	PythonBin       string
	Timeout         time.Duration
	AllowPipInstall bool
}

// LLMConfig holds provider defaults for llm nodes that carry no
// credentials of their own.
type LLMConfig struct {
	DefaultModel string
	APIKey       string
	APIBase      string
}

// OutboundConfig controls http_action / api_consumer requests.
type OutboundConfig struct {
	RequestTimeout time.Duration
	// URLGuard enables SSRF protection on outbound URLs.
	URLGuard bool
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8000),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			BaseURL:     getEnv("WEBHOOK_BASE_URL", ""),
		},
		Storage: StorageConfig{
			DataDir:         getEnv("DATA_DIR", "./data"),
			MaxRunsInMemory: getEnvInt("MAX_RUNS_IN_MEMORY", 10),
			ArchiveRuns:     getEnvBool("ARCHIVE_RUNS", true),
			ArchiveCacheTTL: getEnvDuration("ARCHIVE_CACHE_TTL", 5*time.Minute),
		},
		Engine: EngineConfig{
			MaxSteps:           getEnvInt("MAX_STEPS", 100),
			WebhookWaitTimeout: getEnvDuration("WEBHOOK_WAIT_TIMEOUT", 300*time.Second),
			StreamPollInterval: getEnvDuration("STREAM_POLL_INTERVAL", time.Second),
			StreamRetention:    getEnvDuration("STREAM_RETENTION", 5*time.Minute),
		},
		Sandbox: SandboxConfig{
			PythonBin:       getEnv("PYTHON_BIN", "python3"),
			Timeout:         getEnvDuration("SANDBOX_TIMEOUT", 60*time.Second),
			AllowPipInstall: getEnvBool("SANDBOX_PIP_INSTALL", false),
		},
		LLM: LLMConfig{
			DefaultModel: getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			APIBase:      getEnv("OPENAI_API_BASE", ""),
		},
		Outbound: OutboundConfig{
			RequestTimeout: getEnvDuration("OUTBOUND_REQUEST_TIMEOUT", 10*time.Second),
			URLGuard:       getEnvBool("OUTBOUND_URL_GUARD", false),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Engine.MaxSteps < 1 {
		return fmt.Errorf("max steps must be positive, got %d", c.Engine.MaxSteps)
	}
	if c.Storage.MaxRunsInMemory < 1 {
		return fmt.Errorf("max runs in memory must be positive, got %d", c.Storage.MaxRunsInMemory)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
