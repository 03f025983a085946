// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string

	// Storage
	DatabasePath string

	// NATS settings
	NATSEnabled     bool
	NATSURL         string
	NATSCAFile      string
	NATSCertFile    string
	NATSKeyFile     string
	NATSToken       string
	StreamMaxAge    time.Duration
	EventQueueSize  int
	FeedHeartbeat   time.Duration
	MetricsInterval time.Duration

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64

	// Agent invocation
	AgentTimeout        time.Duration
	AgentMaxAttempts    int
	AgentBackoffInitial time.Duration
	BreakerMaxFailures  int
	BreakerTimeout      time.Duration

	// Pipeline
	SessionWriteAttempts int
	HistoryLimit         int
	DefaultEntryAgent    string
	InactivityWindow     time.Duration
	SweepSchedule        string
	AgentsSeedFile       string
	FallbackReply        string

	// Rate limiting
	RateLimitRequests     int
	RateLimitWindow       time.Duration
	LeadRateLimitRequests int
	LeadRateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		DatabasePath: getEnv("DATABASE_PATH", "lead-pipeline.db"),

		// NATS
		NATSEnabled:     getBoolEnv("NATS_ENABLED", true),
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:      getEnv("NATS_CA_FILE", ""),
		NATSCertFile:    getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:     getEnv("NATS_KEY_FILE", ""),
		NATSToken:       getEnv("NATS_TOKEN", ""),
		StreamMaxAge:    getDurationEnv("STREAM_MAX_AGE", 30*24*time.Hour),
		EventQueueSize:  getIntEnv("EVENT_QUEUE_SIZE", 1024),
		FeedHeartbeat:   getDurationEnv("FEED_HEARTBEAT", 30*time.Second),
		MetricsInterval: getDurationEnv("STREAM_METRICS_INTERVAL", 30*time.Second),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),
		LLMTemperature:  getFloatEnv("LLM_TEMPERATURE", 0.4),

		// Agent invocation
		AgentTimeout:        getDurationEnv("AGENT_TIMEOUT", 20*time.Second),
		AgentMaxAttempts:    getIntEnv("AGENT_MAX_ATTEMPTS", 3),
		AgentBackoffInitial: getDurationEnv("AGENT_BACKOFF_INITIAL", 500*time.Millisecond),
		BreakerMaxFailures:  getIntEnv("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:      getDurationEnv("BREAKER_TIMEOUT", 30*time.Second),

		// Pipeline
		SessionWriteAttempts: getIntEnv("SESSION_WRITE_ATTEMPTS", 3),
		HistoryLimit:         getIntEnv("HISTORY_LIMIT", 20),
		DefaultEntryAgent:    getEnv("DEFAULT_ENTRY_AGENT", string(model.AgentTypeSDR)),
		InactivityWindow:     getDurationEnv("INACTIVITY_WINDOW", 72*time.Hour),
		SweepSchedule:        getEnv("SWEEP_SCHEDULE", "@every 1m"),
		AgentsSeedFile:       getEnv("AGENTS_SEED_FILE", ""),
		FallbackReply:        getEnv("FALLBACK_REPLY", ""),

		// Rate limiting
		RateLimitRequests:     getIntEnv("RATE_LIMIT_REQUESTS", 600),
		RateLimitWindow:       getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		LeadRateLimitRequests: getIntEnv("LEAD_RATE_LIMIT_REQUESTS", 20),
		LeadRateLimitWindow:   getDurationEnv("LEAD_RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", logFormatFromEnv()),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate checks settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if _, err := model.ParseAgentType(c.DefaultEntryAgent); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_ENTRY_AGENT: %w", err))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.AgentMaxAttempts < 1 {
		errs = append(errs, errors.New("AGENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.SessionWriteAttempts < 1 {
		errs = append(errs, errors.New("SESSION_WRITE_ATTEMPTS must be at least 1"))
	}
	if c.BreakerMaxFailures < 1 {
		errs = append(errs, errors.New("BREAKER_MAX_FAILURES must be at least 1"))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errs = append(errs, errors.New("LLM_TEMPERATURE must be within [0,2]"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// DefaultEntryAgentType returns the validated default entry agent type.
func (c *Config) DefaultEntryAgentType() model.AgentType {
	t, err := model.ParseAgentType(c.DefaultEntryAgent)
	if err != nil {
		return model.AgentTypeSDR
	}
	return t
}

// logFormatFromEnv keeps ENV=development producing console logs.
func logFormatFromEnv() string {
	if os.Getenv("ENV") == "development" {
		return "console"
	}
	return "json"
}
