package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the triage gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Completion provider configuration. Keys are tried in order; models are tried in order
	// for every key, primary first.
	CompletionURL          string   `envconfig:"COMPLETION_URL" default:"https://api.openai.com/v1/chat/completions"`
	CompletionAPIKeys      []string `envconfig:"COMPLETION_API_KEYS" required:"true"`
	PrimaryModel           string   `envconfig:"PRIMARY_MODEL" default:"gpt-4o-mini"`
	FallbackModels         []string `envconfig:"FALLBACK_MODELS" default:"gpt-4o"`
	CompletionTemperature  float64  `envconfig:"COMPLETION_TEMPERATURE" default:"0.2"`
	CompletionMaxRetries   int      `envconfig:"COMPLETION_MAX_RETRIES" default:"2"`     // Retries per model
	CompletionTimeout      int      `envconfig:"COMPLETION_ATTEMPT_TIMEOUT" default:"30"` // Seconds per attempt
	CompletionBackoffBase  int      `envconfig:"COMPLETION_BACKOFF_BASE" default:"800"`   // Milliseconds

	// Delegated pipeline configuration. An empty URL disables the delegated engine.
	PipelineURL         string `envconfig:"PIPELINE_URL" default:""`
	PipelineTimeout     int    `envconfig:"PIPELINE_TIMEOUT" default:"45"`       // Seconds per attempt
	PipelineMaxAttempts int    `envconfig:"PIPELINE_MAX_ATTEMPTS" default:"2"`   // Attempts including the first
	PipelineRetryDelay  int    `envconfig:"PIPELINE_RETRY_DELAY" default:"2500"` // Milliseconds between attempts

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit; 0 disables
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Triage configuration
	DefaultEngine      string `envconfig:"DEFAULT_ENGINE" default:"direct"` // direct or delegated
	KnowledgeBasePath  string `envconfig:"KNOWLEDGE_BASE_PATH" default:""`  // YAML knowledge base; empty disables retrieval
	RAGTopK            int    `envconfig:"RAG_TOP_K" default:"4"`
	RunHistoryCapacity int    `envconfig:"RUN_HISTORY_CAPACITY" default:"200"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`    // gRPC health service port; empty disables
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.CompletionAPIKeys = cleanList(cfg.CompletionAPIKeys)
	cfg.FallbackModels = cleanList(cfg.FallbackModels)
	cfg.PrimaryModel = strings.TrimSpace(cfg.PrimaryModel)
	cfg.PipelineURL = strings.TrimSpace(cfg.PipelineURL)
	cfg.DefaultEngine = strings.ToLower(strings.TrimSpace(cfg.DefaultEngine))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants envconfig cannot express.
func (c *Config) Validate() error {
	if len(c.CompletionAPIKeys) == 0 {
		return fmt.Errorf("COMPLETION_API_KEYS is required")
	}
	if c.PrimaryModel == "" {
		return fmt.Errorf("PRIMARY_MODEL must not be empty")
	}
	if c.CompletionMaxRetries < 0 {
		return fmt.Errorf("COMPLETION_MAX_RETRIES must be >= 0, got %d", c.CompletionMaxRetries)
	}
	switch c.DefaultEngine {
	case "direct":
	case "delegated":
		if c.PipelineURL == "" {
			return fmt.Errorf("DEFAULT_ENGINE=delegated requires PIPELINE_URL")
		}
	default:
		return fmt.Errorf("DEFAULT_ENGINE must be direct or delegated, got %q", c.DefaultEngine)
	}
	return nil
}

// Models returns the candidate models in order, primary first, without duplicates.
func (c *Config) Models() []string {
	models := []string{c.PrimaryModel}
	seen := map[string]bool{c.PrimaryModel: true}
	for _, m := range c.FallbackModels {
		if !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	return models
}

// AttemptTimeout is the per-attempt completion deadline.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.CompletionTimeout) * time.Second
}

// BackoffBase is the first completion backoff delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.CompletionBackoffBase) * time.Millisecond
}

// PipelineAttemptTimeout is the per-attempt pipeline deadline.
func (c *Config) PipelineAttemptTimeout() time.Duration {
	return time.Duration(c.PipelineTimeout) * time.Second
}

// PipelineDelay is the fixed delay between pipeline attempts.
func (c *Config) PipelineDelay() time.Duration {
	return time.Duration(c.PipelineRetryDelay) * time.Millisecond
}

// BreakerResetTimeout is how long an open breaker waits before probing.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
