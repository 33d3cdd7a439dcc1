package main

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/luno/jettison/errors"
	"github.com/spf13/viper"
)

type Settings struct {
	TenantID string `mapstructure:"tenant_id" validate:"required"`

	Database      DatabaseSettings      `mapstructure:"database"`
	Queue         QueueSettings         `mapstructure:"queue"`
	Stream        StreamSettings        `mapstructure:"stream"`
	Retention     RetentionSettings     `mapstructure:"retention"`
	Observability ObservabilitySettings `mapstructure:"observability"`
	Outputs       OutputSettings        `mapstructure:"outputs"`
}

type DatabaseSettings struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

type QueueSettings struct {
	URL             string `mapstructure:"url" validate:"required"`
	Inbound         string `mapstructure:"inbound" validate:"required"`
	Durable         bool   `mapstructure:"durable"`
	TTLSeconds      int    `mapstructure:"ttl_seconds" validate:"gte=0"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`

	MaxRetries          int `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds" validate:"gte=0"`
	TimeoutSeconds      int `mapstructure:"timeout_seconds" validate:"gte=0"`
}

type StreamSettings struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Project       bool     `mapstructure:"project"`
}

type RetentionSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type ObservabilitySettings struct {
	ServiceName string `mapstructure:"service_name"`
	TracingURL  string `mapstructure:"tracing_url"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type OutputSettings struct {
	Bus  BusOutputSettings  `mapstructure:"bus"`
	File FileOutputSettings `mapstructure:"file"`
}

type BusOutputSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	ProjectID     string `mapstructure:"project_id"`
	OrderingKey   string `mapstructure:"ordering_key"`
	CreateMissing bool   `mapstructure:"create_missing"`

	MaxRetries          int `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds" validate:"gte=0"`
	TimeoutSeconds      int `mapstructure:"timeout_seconds" validate:"gte=0"`
}

type FileOutputSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Format    string `mapstructure:"format"`
}

func (s *Settings) Validate() error {
	return errors.Wrap(validator.New().Struct(s), "validate settings")
}

// LoadSettings reads worker.yaml from the given path (or the working
// directory) and overlays EXCHANGE_ prefixed environment variables, so env
// vars like EXCHANGE_DATABASE_DSN win over the file.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("worker")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetDefault("queue.durable", true)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_backoff_seconds", 1)
	v.SetDefault("queue.timeout_seconds", 30)
	v.SetDefault("outputs.bus.max_retries", 3)
	v.SetDefault("outputs.bus.retry_backoff_seconds", 1)
	v.SetDefault("outputs.bus.timeout_seconds", 30)
	v.SetDefault("stream.consumer_group", "exchange-projector")
	v.SetDefault("retention.schedule", "0 3 * * *")
	v.SetDefault("retention.max_age", 90*24*time.Hour)
	v.SetDefault("observability.service_name", "exchange-worker")
	v.SetDefault("observability.metrics_addr", ":9464")
	v.SetDefault("outputs.bus.create_missing", true)
	v.SetDefault("outputs.file.format", "jsonl")

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read worker config")
		}
	}

	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"tenant_id",
		"database.dsn",
		"queue.url", "queue.inbound", "queue.durable", "queue.ttl_seconds", "queue.dead_letter_queue",
		"queue.max_retries", "queue.retry_backoff_seconds", "queue.timeout_seconds",
		"stream.brokers", "stream.topic", "stream.consumer_group", "stream.project",
		"retention.enabled", "retention.schedule", "retention.max_age",
		"observability.service_name", "observability.tracing_url", "observability.metrics_addr",
		"outputs.bus.enabled", "outputs.bus.project_id", "outputs.bus.ordering_key", "outputs.bus.create_missing",
		"outputs.bus.max_retries", "outputs.bus.retry_backoff_seconds", "outputs.bus.timeout_seconds",
		"outputs.file.enabled", "outputs.file.directory", "outputs.file.format",
	} {
		err := v.BindEnv(key)
		if err != nil {
			return nil, errors.Wrap(err, "bind env")
		}
	}

	var cfg Settings
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, errors.Wrap(err, "decode worker config")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
