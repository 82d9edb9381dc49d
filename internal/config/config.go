// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Database settings. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// JWTPublicKeyPath points at an Ed25519 public key PEM file. Empty disables auth.
	JWTPublicKeyPath string

	// Rate limiting for run starts and checkpoint resolution.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Engine tuning.
	MaxAttempts       int
	MaxParallel       int
	RetryBaseDelay    time.Duration
	CallTimeout       time.Duration
	MinSources        int
	MinDirections     int
	MaxDirections     int
	WeightEvidence    float64
	WeightRecency     float64
	WeightCoverage    float64
	StreamPoll        time.Duration
	KeepaliveInterval time.Duration

	// Retrieval providers.
	SerpAPIKey         string
	SemanticScholarKey string
	OpenAlexMailto     string

	// Generation providers, tried in order: Groq, OpenAI, Anthropic.
	OpenAIAPIKey    string
	OpenAIModel     string
	GroqAPIKey      string
	GroqModel       string
	GroqBaseURL     string
	AnthropicAPIKey string
	AnthropicModel  string

	// Embeddings (OpenAI). Dimensions must match the sources.embedding column.
	EmbeddingModel      string
	EmbeddingDimensions int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                integer("CORTEXLAB_PORT", 8080),
		ReadTimeout:         duration("CORTEXLAB_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("CORTEXLAB_WRITE_TIMEOUT", 0), // SSE streams stay open.
		MaxRequestBodyBytes: int64(integer("CORTEXLAB_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		DatabaseURL:         str("DATABASE_URL", ""),
		NotifyURL:           str("NOTIFY_URL", ""),
		JWTPublicKeyPath:    str("CORTEXLAB_JWT_PUBLIC_KEY", ""),
		RateLimitEnabled:    boolean("CORTEXLAB_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        float("CORTEXLAB_RATE_LIMIT_RPS", 2),
		RateLimitBurst:      integer("CORTEXLAB_RATE_LIMIT_BURST", 10),
		MaxAttempts:         integer("CORTEXLAB_MAX_ATTEMPTS", 3),
		MaxParallel:         integer("CORTEXLAB_MAX_PARALLEL", 6),
		RetryBaseDelay:      duration("CORTEXLAB_RETRY_BASE_DELAY", 500*time.Millisecond),
		CallTimeout:         duration("CORTEXLAB_CALL_TIMEOUT", 30*time.Second),
		MinSources:          integer("CORTEXLAB_MIN_SOURCES", 5),
		MinDirections:       integer("CORTEXLAB_MIN_DIRECTIONS", 5),
		MaxDirections:       integer("CORTEXLAB_MAX_DIRECTIONS", 10),
		WeightEvidence:      float("CORTEXLAB_WEIGHT_EVIDENCE", 0.5),
		WeightRecency:       float("CORTEXLAB_WEIGHT_RECENCY", 0.2),
		WeightCoverage:      float("CORTEXLAB_WEIGHT_COVERAGE", 0.3),
		StreamPoll:          duration("CORTEXLAB_STREAM_POLL_INTERVAL", time.Second),
		KeepaliveInterval:   duration("CORTEXLAB_KEEPALIVE_INTERVAL", 15*time.Second),
		SerpAPIKey:          str("SERPAPI_API_KEY", ""),
		SemanticScholarKey:  str("SEMANTIC_SCHOLAR_API_KEY", ""),
		OpenAlexMailto:      str("OPENALEX_MAILTO", ""),
		OpenAIAPIKey:        str("OPENAI_API_KEY", ""),
		OpenAIModel:         str("OPENAI_MODEL", "gpt-4o-mini"),
		GroqAPIKey:          str("GROQ_API_KEY", ""),
		GroqModel:           str("GROQ_MODEL", "llama-3.3-70b-versatile"),
		GroqBaseURL:         str("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		AnthropicAPIKey:     str("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		EmbeddingModel:      str("CORTEXLAB_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: integer("CORTEXLAB_EMBEDDING_DIMENSIONS", 1536),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         str("OTEL_SERVICE_NAME", "cortexlab"),
		OTELInsecure:        boolean("CORTEXLAB_OTEL_INSECURE", false),
		LogLevel:            str("CORTEXLAB_LOG_LEVEL", "info"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: CORTEXLAB_PORT must be between 1 and 65535")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CORTEXLAB_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: CORTEXLAB_MAX_ATTEMPTS must be at least 1")
	}
	if c.MinDirections > c.MaxDirections {
		return fmt.Errorf("config: CORTEXLAB_MIN_DIRECTIONS (%d) exceeds CORTEXLAB_MAX_DIRECTIONS (%d)", c.MinDirections, c.MaxDirections)
	}
	for key, w := range map[string]float64{
		"CORTEXLAB_WEIGHT_EVIDENCE": c.WeightEvidence,
		"CORTEXLAB_WEIGHT_RECENCY":  c.WeightRecency,
		"CORTEXLAB_WEIGHT_COVERAGE": c.WeightCoverage,
	} {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("config: %s must not be negative", key)
		}
	}
	if c.WeightEvidence+c.WeightRecency+c.WeightCoverage <= 0 {
		return fmt.Errorf("config: ranking weights must have a positive sum")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: CORTEXLAB_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: rate limit RPS and burst must be positive when enabled")
	}
	return nil
}

// ExternalParallelism clamps MaxParallel to the range allowed for concurrent
// calls to external providers.
func (c Config) ExternalParallelism() int {
	return min(max(c.MaxParallel, 4), 8)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
