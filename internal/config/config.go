// Package config loads the proxy configuration from defaults, an optional
// config file and CQL_PROXY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/phast-fr/cql-proxy/internal/observability/tracing"
)

// EnvPrefix prefixes every environment variable, e.g. CQL_PROXY_SERVER_PORT.
const EnvPrefix = "CQL_PROXY"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	FHIR     FHIRConfig     `mapstructure:"fhir"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Database DatabaseConfig `mapstructure:"database"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Inbox    InboxConfig    `mapstructure:"inbox"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type FHIRConfig struct {
	// Timeout bounds each call to a library, terminology or data service.
	Timeout         time.Duration `mapstructure:"timeout"`
	ExpandValueSets bool          `mapstructure:"expand_value_sets"`
}

type AuthConfig struct {
	// APIKeys holds "client:key" pairs. A bare key is mapped to the
	// client "default". No keys disables API-key auth.
	APIKeys []string `mapstructure:"api_keys"`
}

// Keys maps each API key to its client id.
func (a AuthConfig) Keys() map[string]string {
	keys := make(map[string]string, len(a.APIKeys))
	for _, entry := range a.APIKeys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		client, key, ok := strings.Cut(entry, ":")
		if !ok {
			client, key = "default", entry
		}
		keys[key] = client
	}
	return keys
}

type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	RequestTopic    string   `mapstructure:"request_topic"`
	ResultTopic     string   `mapstructure:"result_topic"`
	AuditTopic      string   `mapstructure:"audit_topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	ConsumerGroup   string   `mapstructure:"consumer_group"`
	Partitions      int32    `mapstructure:"partitions"`
	Replication     int16    `mapstructure:"replication"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Retention    time.Duration `mapstructure:"retention"`
}

type InboxConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.read_timeout":     "30s",
	"server.write_timeout":    "120s",
	"server.shutdown_timeout": "30s",

	"log.level": "info",

	"fhir.timeout":           "30s",
	"fhir.expand_value_sets": false,

	"auth.api_keys": []string{},

	"tracing.enabled":         false,
	"tracing.service_name":    "cql-proxy",
	"tracing.service_version": "1.0.0",
	"tracing.environment":     "development",
	"tracing.otlp_endpoint":   "localhost:4317",
	"tracing.insecure":        true,
	"tracing.sample_rate":     1.0,

	"kafka.brokers":           []string{"localhost:9092"},
	"kafka.request_topic":     "cql.execution.requested",
	"kafka.result_topic":      "cql.execution.completed",
	"kafka.audit_topic":       "cql.execution.audit",
	"kafka.dead_letter_topic": "cql.dead.letter",
	"kafka.consumer_group":    "cql-proxy-worker",
	"kafka.partitions":        6,
	"kafka.replication":       1,

	"database.url":       "",
	"database.max_conns": 10,

	"outbox.batch_size":    100,
	"outbox.poll_interval": "100ms",
	"outbox.max_retries":   5,
	"outbox.retention":     "24h",

	"inbox.ttl":              "168h",
	"inbox.cleanup_interval": "1h",
	"inbox.recovery_timeout": "5m",
	"inbox.max_attempts":     5,

	"worker.concurrency":  8,
	"worker.queue_size":   256,
	"worker.max_retries":  0,
	"worker.retry_delay":  "500ms",
	"worker.task_timeout": "5m",
}

// Load reads the configuration. A .env file in the working directory is
// loaded into the environment first. file names an explicit config file;
// when empty, config.yaml is looked up in the working directory and in
// /etc/cql-proxy and skipped when absent.
func Load(file string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cql-proxy")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// A single comma-separated env value arrives as one element.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Auth.APIKeys = splitList(cfg.Auth.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings every command relies on. Settings used by
// a single command, like database.url, are checked by RequireDatabase and
// RequireKafka.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.FHIR.Timeout < 0 {
		return fmt.Errorf("fhir.timeout must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	if c.Inbox.MaxAttempts < 0 {
		return fmt.Errorf("inbox.max_attempts must not be negative, got %d", c.Inbox.MaxAttempts)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	return nil
}

// RequireKafka reports whether the Kafka settings are complete.
func (c *Config) RequireKafka() error {
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	for name, topic := range map[string]string{
		"kafka.request_topic": c.Kafka.RequestTopic,
		"kafka.result_topic":  c.Kafka.ResultTopic,
		"kafka.audit_topic":   c.Kafka.AuditTopic,
	} {
		if topic == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// RequireDatabase reports whether database.url is set.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (%s_DATABASE_URL)", EnvPrefix)
	}
	return nil
}
