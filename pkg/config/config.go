package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port            string
		Env             string
		StaticDir       string
		ShutdownTimeout time.Duration
	}

	// Session lifecycle configuration
	Session struct {
		Timeout            time.Duration
		SweepInterval      time.Duration
		GreetingDelay      time.Duration
		DefaultPersonality string
		TranscriptCap      int
	}

	// Relay (external speech/LLM service) configuration
	Relay struct {
		APIKey            string
		RealtimeURL       string
		Model             string
		OpenTimeout       time.Duration
		MockDelay         time.Duration
		ForceMock         bool
		BreakerFailures   uint
		BreakerSuccesses  uint
		BreakerRetryAfter time.Duration
	}

	// Security configuration
	Security struct {
		RateLimit       float64
		RateLimitBurst  int
		AllowedOrigins  []string
		WSMessageRate   float64
		WSMessageBurst  int
		WSMaxMessageLen int64
	}

	// Redis configuration for the transcript outbox
	Redis struct {
		URL       string
		OutboxKey string
		OutboxMax int64
		OutboxTTL time.Duration
	}

	// Observability configuration
	Observability struct {
		MetricsEnabled bool
		TracingEnabled bool
		ServiceName    string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load reads a fresh Config from the environment without touching the singleton
func Load() *Config {
	cfg := &Config{}

	// Server config
	cfg.Server.Port = getEnvString("PORT", "3000")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.StaticDir = getEnvString("STATIC_DIR", "./public")
	cfg.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)

	// Session config
	cfg.Session.Timeout = getEnvDuration("SESSION_TIMEOUT", 10*time.Minute)
	cfg.Session.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute)
	cfg.Session.GreetingDelay = getEnvDuration("GREETING_DELAY", time.Second)
	cfg.Session.DefaultPersonality = getEnvString("DEFAULT_PERSONALITY", "cheerful_guide")
	cfg.Session.TranscriptCap = getEnvInt("TRANSCRIPT_CAP", 100)

	// Relay config
	cfg.Relay.APIKey = getEnvString("OPENAI_API_KEY", "")
	cfg.Relay.RealtimeURL = getEnvString("REALTIME_URL", "wss://api.openai.com/v1/realtime")
	cfg.Relay.Model = getEnvString("REALTIME_MODEL", "gpt-4o-realtime-preview")
	cfg.Relay.OpenTimeout = getEnvDuration("RELAY_OPEN_TIMEOUT", 10*time.Second)
	cfg.Relay.MockDelay = getEnvDuration("MOCK_RESPONSE_DELAY", time.Second)
	cfg.Relay.ForceMock = getEnvBool("RELAY_FORCE_MOCK", false)
	cfg.Relay.BreakerFailures = uint(getEnvInt("RELAY_BREAKER_FAILURES", 3))
	cfg.Relay.BreakerSuccesses = uint(getEnvInt("RELAY_BREAKER_SUCCESSES", 1))
	cfg.Relay.BreakerRetryAfter = getEnvDuration("RELAY_BREAKER_RETRY_AFTER", 30*time.Second)

	// Security config
	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	cfg.Security.WSMessageRate = getEnvFloat("WS_MESSAGE_RATE", 50)
	cfg.Security.WSMessageBurst = getEnvInt("WS_MESSAGE_BURST", 100)
	cfg.Security.WSMaxMessageLen = getEnvInt64("WS_MAX_MESSAGE_SIZE", 1<<20) // 1MB

	// Redis config
	cfg.Redis.URL = getEnvString("REDIS_URL", "")
	cfg.Redis.OutboxKey = getEnvString("TRANSCRIPT_OUTBOX_KEY", "chatty:transcripts:outbox")
	cfg.Redis.OutboxMax = getEnvInt64("TRANSCRIPT_OUTBOX_MAX", 1000)
	cfg.Redis.OutboxTTL = getEnvDuration("TRANSCRIPT_OUTBOX_TTL", 7*24*time.Hour)

	// Observability config
	cfg.Observability.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)
	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", "chatty-portal")

	// Logging config
	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	return cfg
}

// Validate rejects settings the session lifecycle cannot run with
func (c *Config) Validate() error {
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive, got %s", c.Session.Timeout)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Session.GreetingDelay < 0 {
		return fmt.Errorf("GREETING_DELAY must not be negative, got %s", c.Session.GreetingDelay)
	}
	if c.Relay.OpenTimeout <= 0 {
		return fmt.Errorf("RELAY_OPEN_TIMEOUT must be positive, got %s", c.Relay.OpenTimeout)
	}
	if c.Security.WSMaxMessageLen <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be positive, got %d", c.Security.WSMaxMessageLen)
	}
	return nil
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
