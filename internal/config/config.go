// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage and infrastructure (all optional; in-memory fallbacks when unset)
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	OTLPEndpoint string

	KafkaFraudTopic string
	KafkaBlockTopic string
	// Events waiting for the broker beyond this are dropped, never blocking callers.
	EventBusQueue int

	// Security
	AdminSecret  string
	RateLimitRPM int
	// Browser origins allowed to call the API ("*", exact, or https://*.example.com)
	CORSOrigins []string

	Fraud   FraudConfig
	Webhook WebhookConfig
}

// FraudConfig tunes clustering, rule generation, decay and replay.
type FraudConfig struct {
	ClusterInterval   time.Duration
	ClusterWindow     time.Duration
	MinClusterSize    int
	ClusterKeys       []string
	MinRuleConfidence float64

	DecayInterval         time.Duration
	DecayGrace            time.Duration
	DecayPerHour          float64
	DeactivationThreshold float64
	MaxMergeStep          float64

	ReplayRepeatOffenderMin  int
	ReplayApplyMinConfidence float64

	// At most one defense.blocked alert per rule and merchant per interval.
	BlockAlertInterval time.Duration
	// Upper bound on block alerts being delivered at once.
	BlockAlertWorkers int
}

// WebhookConfig tunes delivery, backoff and the retry scheduler.
type WebhookConfig struct {
	DeliveryTimeout       time.Duration
	RetryBaseDelay        time.Duration
	RetryFactor           float64
	RetryMaxDelay         time.Duration
	RetryJitter           float64
	MaxRetries            int
	PollInterval          time.Duration
	BatchSize             int
	ClaimTTL              time.Duration
	MaxQueuedPerMerchant  int
	AllowPrivateEndpoints bool
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultRateLimit = 600

	DefaultKafkaFraudTopic = "giftguard.fraud-events"
	DefaultKafkaBlockTopic = "giftguard.defense-blocks"

	DefaultClusterInterval   = time.Minute
	DefaultClusterWindow     = 10 * time.Minute
	DefaultMinClusterSize    = 3
	DefaultMinRuleConfidence = 60.0

	DefaultDecayInterval         = 15 * time.Minute
	DefaultDecayGrace            = 24 * time.Hour
	DefaultDecayPerHour          = 2.0
	DefaultDeactivationThreshold = 20.0
	DefaultMaxMergeStep          = 15.0

	DefaultReplayRepeatOffenderMin  = 3
	DefaultReplayApplyMinConfidence = 60.0

	DefaultBlockAlertInterval = time.Minute
	DefaultBlockAlertWorkers  = 16
	DefaultEventBusQueue      = 4096

	DefaultDeliveryTimeout      = 10 * time.Second
	DefaultRetryBaseDelay       = 30 * time.Second
	DefaultRetryFactor          = 2.0
	DefaultRetryMaxDelay        = 240 * time.Second
	DefaultRetryJitter          = 0.0
	DefaultMaxRetries           = 4
	DefaultPollInterval         = 5 * time.Second
	DefaultBatchSize            = 50
	DefaultClaimTTL             = 2 * time.Minute
	DefaultMaxQueuedPerMerchant = 1000
)

// DefaultClusterKeys are the signature keys scanned when CLUSTER_KEYS is unset.
var DefaultClusterKeys = []string{"ip+reason", "fingerprint"}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		KafkaBrokers:    getEnvList("KAFKA_BROKERS", nil),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		KafkaFraudTopic: getEnv("KAFKA_FRAUD_TOPIC", DefaultKafkaFraudTopic),
		KafkaBlockTopic: getEnv("KAFKA_BLOCK_TOPIC", DefaultKafkaBlockTopic),
		EventBusQueue:   int(getEnvInt64("EVENT_BUS_QUEUE", DefaultEventBusQueue)),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Fraud: FraudConfig{
			ClusterInterval:          getEnvDuration("CLUSTER_INTERVAL", DefaultClusterInterval),
			ClusterWindow:            getEnvDuration("CLUSTER_WINDOW", DefaultClusterWindow),
			MinClusterSize:           int(getEnvInt64("MIN_CLUSTER_SIZE", DefaultMinClusterSize)),
			ClusterKeys:              getEnvList("CLUSTER_KEYS", DefaultClusterKeys),
			MinRuleConfidence:        getEnvFloat("MIN_RULE_CONFIDENCE", DefaultMinRuleConfidence),
			DecayInterval:            getEnvDuration("DECAY_INTERVAL", DefaultDecayInterval),
			DecayGrace:               getEnvDuration("DECAY_GRACE", DefaultDecayGrace),
			DecayPerHour:             getEnvFloat("DECAY_PER_HOUR", DefaultDecayPerHour),
			DeactivationThreshold:    getEnvFloat("DEACTIVATION_THRESHOLD", DefaultDeactivationThreshold),
			MaxMergeStep:             getEnvFloat("MAX_MERGE_STEP", DefaultMaxMergeStep),
			ReplayRepeatOffenderMin:  int(getEnvInt64("REPLAY_REPEAT_OFFENDER_MIN", DefaultReplayRepeatOffenderMin)),
			ReplayApplyMinConfidence: getEnvFloat("REPLAY_APPLY_MIN_CONFIDENCE", DefaultReplayApplyMinConfidence),
			BlockAlertInterval:       getEnvDuration("BLOCK_ALERT_INTERVAL", DefaultBlockAlertInterval),
			BlockAlertWorkers:        int(getEnvInt64("BLOCK_ALERT_WORKERS", DefaultBlockAlertWorkers)),
		},
		Webhook: WebhookConfig{
			DeliveryTimeout:       getEnvDuration("WEBHOOK_TIMEOUT", DefaultDeliveryTimeout),
			RetryBaseDelay:        getEnvDuration("WEBHOOK_RETRY_BASE", DefaultRetryBaseDelay),
			RetryFactor:           getEnvFloat("WEBHOOK_RETRY_FACTOR", DefaultRetryFactor),
			RetryMaxDelay:         getEnvDuration("WEBHOOK_RETRY_CAP", DefaultRetryMaxDelay),
			RetryJitter:           getEnvFloat("WEBHOOK_RETRY_JITTER", DefaultRetryJitter),
			MaxRetries:            int(getEnvInt64("WEBHOOK_MAX_RETRIES", DefaultMaxRetries)),
			PollInterval:          getEnvDuration("WEBHOOK_POLL_INTERVAL", DefaultPollInterval),
			BatchSize:             int(getEnvInt64("WEBHOOK_BATCH_SIZE", DefaultBatchSize)),
			ClaimTTL:              getEnvDuration("WEBHOOK_CLAIM_TTL", DefaultClaimTTL),
			MaxQueuedPerMerchant:  int(getEnvInt64("WEBHOOK_MAX_QUEUED_PER_MERCHANT", DefaultMaxQueuedPerMerchant)),
			AllowPrivateEndpoints: getEnvBool("WEBHOOK_ALLOW_PRIVATE_ENDPOINTS", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that tuning values are usable together.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	f := c.Fraud
	if f.MinClusterSize < 1 {
		return fmt.Errorf("MIN_CLUSTER_SIZE must be >= 1")
	}
	if f.ClusterWindow <= 0 || f.ClusterInterval <= 0 || f.DecayInterval <= 0 {
		return fmt.Errorf("cluster and decay intervals must be positive")
	}
	if len(f.ClusterKeys) == 0 {
		return fmt.Errorf("CLUSTER_KEYS must name at least one signature key")
	}
	for name, v := range map[string]float64{
		"MIN_RULE_CONFIDENCE":         f.MinRuleConfidence,
		"DEACTIVATION_THRESHOLD":      f.DeactivationThreshold,
		"REPLAY_APPLY_MIN_CONFIDENCE": f.ReplayApplyMinConfidence,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within [0,100]", name)
		}
	}
	if f.MaxMergeStep <= 0 {
		return fmt.Errorf("MAX_MERGE_STEP must be positive")
	}
	if f.BlockAlertWorkers < 1 {
		return fmt.Errorf("BLOCK_ALERT_WORKERS must be >= 1")
	}

	w := c.Webhook
	if w.RetryBaseDelay <= 0 {
		return fmt.Errorf("WEBHOOK_RETRY_BASE must be positive")
	}
	if w.RetryMaxDelay < w.RetryBaseDelay {
		return fmt.Errorf("WEBHOOK_RETRY_CAP must be >= WEBHOOK_RETRY_BASE")
	}
	if w.RetryFactor < 1 {
		return fmt.Errorf("WEBHOOK_RETRY_FACTOR must be >= 1")
	}
	if w.RetryJitter < 0 || w.RetryJitter >= 1 {
		return fmt.Errorf("WEBHOOK_RETRY_JITTER must be within [0,1)")
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be >= 0")
	}
	if w.BatchSize < 1 || w.MaxQueuedPerMerchant < 1 {
		return fmt.Errorf("WEBHOOK_BATCH_SIZE and WEBHOOK_MAX_QUEUED_PER_MERCHANT must be >= 1")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
