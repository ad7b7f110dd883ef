// Package config provides environment configuration for the negotiation server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/capitalize-ai/negotiation-room/internal/llm"
	"github.com/capitalize-ai/negotiation-room/internal/store"
)

// Prefix is prepended to every environment variable, e.g. NEGOTIATION_PORT.
const Prefix = "NEGOTIATION"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `envconfig:"PORT" default:"8080"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"0s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// NATS settings. An empty URL disables the JetStream mirror.
	NATSURL      string `envconfig:"NATS_URL"`
	NATSCAFile   string `envconfig:"NATS_CA_FILE"`
	NATSCertFile string `envconfig:"NATS_CERT_FILE"`
	NATSKeyFile  string `envconfig:"NATS_KEY_FILE"`
	NATSToken    string `envconfig:"NATS_TOKEN"`

	// JWT settings
	JWTSecret string `envconfig:"JWT_SECRET" default:"development-secret-change-in-production"`

	// LLM settings
	LLMProvider     string `envconfig:"LLM_PROVIDER" default:"auto"`
	LLMModel        string `envconfig:"LLM_MODEL"`
	LLMMaxTokens    int    `envconfig:"LLM_MAX_TOKENS" default:"1024"`
	LLMStream       bool   `envconfig:"LLM_STREAM" default:"true"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`

	// AI request policy
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIInitialBackoff time.Duration `envconfig:"AI_INITIAL_BACKOFF" default:"500ms"`
	AIMaxBackoff     time.Duration `envconfig:"AI_MAX_BACKOFF" default:"5s"`

	// Storage
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"auto"`
	SQLitePath    string `envconfig:"SQLITE_PATH"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"negotiation"`

	// Rooms
	AllowReopenAgreed         bool          `envconfig:"ALLOW_REOPEN_AGREED" default:"false"`
	RequireProposerAcceptance bool          `envconfig:"REQUIRE_PROPOSER_ACCEPTANCE" default:"false"`
	SessionQueueSize          int           `envconfig:"SESSION_QUEUE_SIZE" default:"64"`
	AIHistoryLimit            int           `envconfig:"AI_HISTORY_LIMIT" default:"50"`
	PersistTimeout            time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`
	SubscriberBuffer          int           `envconfig:"SUBSCRIBER_BUFFER" default:"256"`
	HeartbeatInterval         time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	// Rate limiting
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT" default:"localhost:4318"`
	TracingEnabled  bool   `envconfig:"TRACING_ENABLED" default:"false"`
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate resolves "auto" settings and checks the rest.
func (c *Config) Validate() error {
	if c.LLMProvider == "" || c.LLMProvider == "auto" {
		switch {
		case c.AnthropicAPIKey != "":
			c.LLMProvider = string(llm.ProviderAnthropic)
		case c.OpenAIAPIKey != "":
			c.LLMProvider = string(llm.ProviderOpenAI)
		case c.GeminiAPIKey != "":
			c.LLMProvider = string(llm.ProviderGemini)
		default:
			c.LLMProvider = string(llm.ProviderStatic)
		}
	}
	switch llm.Provider(c.LLMProvider) {
	case llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGemini, llm.ProviderStatic:
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER: %s", c.LLMProvider)
	}

	if c.StoreDriver == "" || c.StoreDriver == "auto" {
		switch {
		case c.PostgresDSN != "":
			c.StoreDriver = store.DriverPostgres
		case c.MongoURI != "":
			c.StoreDriver = store.DriverMongo
		case c.SQLitePath != "":
			c.StoreDriver = store.DriverSQLite
		default:
			c.StoreDriver = store.DriverMemory
		}
	}
	switch c.StoreDriver {
	case store.DriverMemory:
	case store.DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case store.DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres store")
		}
	case store.DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}

	if c.AIMaxAttempts < 1 {
		return errors.New("AI_MAX_ATTEMPTS must be at least 1")
	}
	if c.SessionQueueSize < 1 {
		return errors.New("SESSION_QUEUE_SIZE must be at least 1")
	}
	return nil
}

// StoreConfig returns the store settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:        c.StoreDriver,
		SQLitePath:    c.SQLitePath,
		PostgresDSN:   c.PostgresDSN,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
	}
}

// APIKey returns the key of the configured LLM provider.
func (c *Config) APIKey() string {
	switch llm.Provider(c.LLMProvider) {
	case llm.ProviderAnthropic:
		return c.AnthropicAPIKey
	case llm.ProviderOpenAI:
		return c.OpenAIAPIKey
	case llm.ProviderGemini:
		return c.GeminiAPIKey
	}
	return ""
}
