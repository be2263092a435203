package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL     string `default:"redis://localhost:6379/0" usage:"Redis URL for carts and checkout sessions (or REDIS_URL)" flag:"redis-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (STOREFRONT_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Kafka        KafkaConfig
	Checkout     CheckoutConfig
	Outbox       OutboxConfig
	Breaker      BreakerConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// KafkaConfig selects where confirmations and dead letters are published.
// With no brokers confirmations are only logged.
type KafkaConfig struct {
	Brokers           []string `usage:"Kafka bootstrap brokers"`
	ConfirmationTopic string   `default:"storefront.order.confirmation" usage:"Topic for order confirmations" flag:"confirmation-topic"`
	DeadLetterTopic   string   `default:"storefront.outbox.dlq" usage:"Topic for exhausted settlement tasks" flag:"dead-letter-topic"`
}

// CheckoutConfig bounds checkout state and external calls.
type CheckoutConfig struct {
	SessionTTL     time.Duration `default:"30m" usage:"Checkout session lifetime" flag:"session-ttl"`
	CartTTL        time.Duration `default:"168h" usage:"Idle cart lifetime" flag:"cart-ttl"`
	CatalogTimeout time.Duration `default:"2s" usage:"Timeout for catalog, stock and discount lookups" flag:"catalog-timeout"`
	PersistTimeout time.Duration `default:"5s" usage:"Timeout for the order write" flag:"persist-timeout"`
	NotifyTimeout  time.Duration `default:"3s" usage:"Timeout for sending a confirmation" flag:"notify-timeout"`
	SettleTimeout  time.Duration `default:"5s" usage:"Timeout for inline settlement after the order write" flag:"settle-timeout"`
}

// OutboxConfig controls the settlement task dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration `default:"2s" usage:"Dispatcher poll interval" flag:"outbox-poll-interval"`
	BatchSize    int           `default:"50" usage:"Tasks claimed per poll" flag:"outbox-batch-size"`
	Lease        time.Duration `default:"30s" usage:"How long a claimed task is hidden from other dispatchers" flag:"outbox-lease"`
	TaskTimeout  time.Duration `default:"10s" usage:"Time limit for one task handler, below the lease" flag:"outbox-task-timeout"`
	MaxAttempts  int           `default:"8" usage:"Attempts before a task is dead-lettered" flag:"outbox-max-attempts"`
	BaseBackoff  time.Duration `default:"1s" usage:"First retry delay" flag:"outbox-base-backoff"`
	MaxBackoff   time.Duration `default:"5m" usage:"Retry delay cap" flag:"outbox-max-backoff"`
}

// BreakerConfig controls the circuit breaker around the confirmation sender.
type BreakerConfig struct {
	MaxRequests  uint32        `default:"1" usage:"Probes allowed while half-open" flag:"breaker-max-requests"`
	Interval     time.Duration `default:"1m" usage:"Closed-state counter reset interval" flag:"breaker-interval"`
	Timeout      time.Duration `default:"30s" usage:"Open-state duration" flag:"breaker-timeout"`
	FailureRatio float64       `default:"0.5" usage:"Failure ratio that trips the breaker" flag:"breaker-failure-ratio"`
	MinRequests  uint32        `default:"5" usage:"Requests before the ratio is considered" flag:"breaker-min-requests"`
}

// RateLimitConfig controls the per-API-key token bucket.
type RateLimitConfig struct {
	RPS   float64 `default:"20" usage:"Sustained requests per second per API key" flag:"rate-limit-rps"`
	Burst int     `default:"40" usage:"Burst size per API key" flag:"rate-limit-burst"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	}
	if c.RedisURL == "" {
		return errors.New("redis URL is required: set STOREFRONT_REDIS_URL or REDIS_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("API key pepper is required: set STOREFRONT_API_KEY_PEPPER")
	}
	if c.Outbox.Lease <= c.Checkout.SettleTimeout {
		return errors.Errorf("outbox lease %s must exceed settle timeout %s", c.Outbox.Lease, c.Checkout.SettleTimeout)
	}
	if c.Outbox.TaskTimeout >= c.Outbox.Lease {
		return errors.Errorf("outbox task timeout %s must be below lease %s", c.Outbox.TaskTimeout, c.Outbox.Lease)
	}
	return nil
}

// submitStepsOnCatalog is how many catalog-bounded steps one submit runs:
// cart, pricing config, stock check and discount revalidation.
const submitStepsOnCatalog = 4

// WriteTimeout returns the HTTP write timeout, long enough for every step of
// a submit to use its full budget.
func (c CheckoutConfig) WriteTimeout() time.Duration {
	return submitStepsOnCatalog*c.CatalogTimeout + c.PersistTimeout + c.SettleTimeout + 5*time.Second
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's STOREFRONT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if v := os.Getenv("REDIS_URL"); v != "" && os.Getenv("STOREFRONT_REDIS_URL") == "" {
		c.RedisURL = v
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
