package exchange

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/spf13/viper"
)

// OutputConfig is the declarative configuration of one output route. The
// common fields apply to every handler type; exactly one of the per-type
// blocks is read, selected by Type. Disabled routes are loaded but should not
// be registered with a router.
type OutputConfig struct {
	Type        string `mapstructure:"type" validate:"required"`
	Destination string `mapstructure:"destination" validate:"required"`

	Enabled             bool `mapstructure:"enabled"`
	MaxRetries          int  `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoffSeconds int  `mapstructure:"retry_backoff_seconds" validate:"gte=0"`
	TimeoutSeconds      int  `mapstructure:"timeout_seconds" validate:"gte=0"`

	Queue QueueConfig `mapstructure:"queue"`
	Bus   BusConfig   `mapstructure:"bus"`
	File  FileConfig  `mapstructure:"file"`
}

// RetryBackoff is the base delay a handler grows exponentially when hinting a
// retry. Unset falls back to one second.
func (c OutputConfig) RetryBackoff() time.Duration {
	if c.RetryBackoffSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// Timeout bounds a single dispatch attempt. Unset falls back to 30 seconds.
func (c OutputConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryHint returns the retry_after_seconds carried on a failed dispatch for
// the given attempt, or zero once max_retries attempts are spent.
func (c OutputConfig) RetryHint(attempt int) int {
	maxAttempts := c.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if attempt >= maxAttempts {
		return 0
	}
	base := c.RetryBackoff()
	secs := int(RetryDelay(attempt, base, base<<uint(maxAttempts)) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type QueueConfig struct {
	URL        string `mapstructure:"url" validate:"omitempty,uri"`
	Durable    bool   `mapstructure:"durable"`
	TTLSeconds int    `mapstructure:"ttl_seconds" validate:"gte=0"`
}

type BusConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	OrderingKey   string `mapstructure:"ordering_key"`
	CreateMissing bool   `mapstructure:"create_missing"`
}

type FileConfig struct {
	Directory   string `mapstructure:"directory"`
	Format      string `mapstructure:"format" validate:"omitempty,oneof=json jsonl text"`
	Permissions uint32 `mapstructure:"permissions"`
}

// HandlerTypeOf maps a configured type string to a handler type. The
// service_bus alias is kept for configs migrated from older deployments.
func HandlerTypeOf(s string) (HandlerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue":
		return HandlerTypeQueue, nil
	case "bus", "service_bus":
		return HandlerTypeBus, nil
	case "file":
		return HandlerTypeFile, nil
	case "noop", "":
		return HandlerTypeNoop, nil
	default:
		return "", errors.Wrap(ErrUnknownHandlerType, "", j.KV("type", s))
	}
}

func defaultedOutputViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("type", "noop")
	v.SetDefault("enabled", true)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff_seconds", 1)
	v.SetDefault("timeout_seconds", 30)
	v.SetDefault("queue.durable", true)
	v.SetDefault("queue.ttl_seconds", 0)
	v.SetDefault("bus.create_missing", true)
	v.SetDefault("file.format", "jsonl")
	v.SetDefault("file.permissions", 0o644)
	return v
}

func finaliseOutputConfig(v *viper.Viper) (*OutputConfig, error) {
	var cfg OutputConfig
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, errors.Wrap(err, "decode output config")
	}

	// An unparseable type string fails eagerly so a mistyped route surfaces
	// at load. Dispatch stays the authority on unregistered handler types.
	if _, err := HandlerTypeOf(cfg.Type); err != nil {
		return nil, err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "validate output config")
	}

	return &cfg, nil
}

// OutputConfigFromMap builds an output config from an in-memory settings map,
// typically the Params block of an Output.
func OutputConfigFromMap(settings map[string]any) (*OutputConfig, error) {
	v := defaultedOutputViper()
	for key, value := range settings {
		v.Set(key, value)
	}
	return finaliseOutputConfig(v)
}

// OutputConfigFromEnv builds an output config from environment variables
// sharing the given prefix, e.g. ORDERS_TYPE, ORDERS_DESTINATION,
// ORDERS_QUEUE_URL.
func OutputConfigFromEnv(prefix string) (*OutputConfig, error) {
	v := defaultedOutputViper()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"type", "destination",
		"enabled", "max_retries", "retry_backoff_seconds", "timeout_seconds",
		"queue.url", "queue.durable", "queue.ttl_seconds",
		"bus.project_id", "bus.ordering_key", "bus.create_missing",
		"file.directory", "file.format", "file.permissions",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrap(err, "bind env", j.KV("key", key))
		}
	}
	return finaliseOutputConfig(v)
}

// OutputConfigFromFile builds an output config from a YAML file.
func OutputConfigFromFile(path string) (*OutputConfig, error) {
	v := defaultedOutputViper()
	v.SetConfigFile(path)
	err := v.ReadInConfig()
	if err != nil {
		return nil, errors.Wrap(err, "read output config file", j.KV("path", path))
	}
	return finaliseOutputConfig(v)
}
