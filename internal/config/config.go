package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	appErr "github.com/samims/dispatch/internal/errors"
)

const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// Config is the process configuration, read from the environment (and an
// optional .env file) with command line flags taking precedence.
type Config struct {
	Role     string
	Port     string
	LogLevel string

	ServiceName  string
	OTLPEndpoint string

	DatabaseURL   string
	RedisURL      string
	EncryptionKey string

	Kafka KafkaConfig
	Queue QueueConfig

	HookTimeout     time.Duration
	ProviderTimeout time.Duration
	VAPIDSubject    string

	RateLimit       int
	RateLimitWindow time.Duration
}

// KafkaConfig holds the outcome event stream settings. Empty brokers
// disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// QueueConfig holds per-queue concurrency and retry policy.
type QueueConfig struct {
	NotificationConcurrency int
	WorkflowConcurrency     int
	Attempts                int
	Backoff                 time.Duration
	PollInterval            time.Duration
	Lease                   time.Duration
}

// RegisterFlags declares the command line flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("role", RoleAll, "process role: api, worker or all")
	fs.String("port", "8080", "HTTP listen port")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
}

// Load reads configuration. A missing .env file is not an error.
func Load(fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{
		Role:          v.GetString("role"),
		Port:          v.GetString("port"),
		LogLevel:      v.GetString("log-level"),
		ServiceName:   v.GetString("SERVICE_NAME"),
		OTLPEndpoint:  v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisURL:      v.GetString("REDIS_URL"),
		EncryptionKey: v.GetString("ENCRYPTION_KEY"),
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_EVENTS_TOPIC"),
		},
		Queue: QueueConfig{
			NotificationConcurrency: v.GetInt("NOTIFICATION_CONCURRENCY"),
			WorkflowConcurrency:     v.GetInt("WORKFLOW_CONCURRENCY"),
			Attempts:                v.GetInt("JOB_ATTEMPTS"),
			Backoff:                 v.GetDuration("JOB_BACKOFF"),
			PollInterval:            v.GetDuration("QUEUE_POLL_INTERVAL"),
			Lease:                   v.GetDuration("QUEUE_LEASE"),
		},
		HookTimeout:     v.GetDuration("HOOK_TIMEOUT"),
		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		VAPIDSubject:    v.GetString("VAPID_SUBJECT"),
		RateLimit:       v.GetInt("RATE_LIMIT"),
		RateLimitWindow: v.GetDuration("RATE_LIMIT_WINDOW"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "dispatch")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("KAFKA_EVENTS_TOPIC", "dispatch.events")
	v.SetDefault("NOTIFICATION_CONCURRENCY", 10)
	v.SetDefault("WORKFLOW_CONCURRENCY", 5)
	v.SetDefault("JOB_ATTEMPTS", 3)
	v.SetDefault("JOB_BACKOFF", time.Second)
	v.SetDefault("QUEUE_POLL_INTERVAL", 250*time.Millisecond)
	v.SetDefault("QUEUE_LEASE", 5*time.Minute)
	v.SetDefault("HOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("PROVIDER_TIMEOUT", 15*time.Second)
	v.SetDefault("VAPID_SUBJECT", "mailto:support@example.com")
	v.SetDefault("RATE_LIMIT", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleAPI, RoleWorker, RoleAll:
	default:
		return &appErr.ConfigError{Field: "role", Message: fmt.Sprintf("unknown role %q", c.Role)}
	}
	if c.DatabaseURL == "" {
		return &appErr.ConfigError{Field: "DATABASE_URL", Message: "must be set"}
	}
	if c.EncryptionKey == "" {
		return &appErr.ConfigError{Field: "ENCRYPTION_KEY", Message: "must be set"}
	}
	if c.Queue.NotificationConcurrency < 1 || c.Queue.WorkflowConcurrency < 1 {
		return &appErr.ConfigError{Field: "concurrency", Message: "queue concurrency must be at least 1"}
	}
	if c.Queue.Attempts < 1 {
		return &appErr.ConfigError{Field: "JOB_ATTEMPTS", Message: "must be at least 1"}
	}
	if c.RateLimit < 1 || c.RateLimitWindow <= 0 {
		return &appErr.ConfigError{Field: "RATE_LIMIT", Message: "limit and window must be positive"}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
