// Package config loads and validates the broker configuration from files
// and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"hostbroker/internal/errors"
	"hostbroker/pkg/resilience"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete broker configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment" validate:"omitempty,oneof=development staging production"`

	Provider      ProviderConfig      `yaml:"provider" json:"provider"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Templates     TemplatesConfig     `yaml:"templates" json:"templates"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" json:"scheduler"`
	Resilience    ResilienceConfig    `yaml:"resilience" json:"resilience"`
	Selection     SelectionConfig     `yaml:"selection" json:"selection"`
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Events        EventsConfig        `yaml:"events" json:"events"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// LoadedFrom records the sources that contributed values, in order.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// ProviderConfig selects and tunes the cloud provider integration.
type ProviderConfig struct {
	Type                string        `yaml:"type" json:"type" validate:"required,oneof=aws"`
	Name                string        `yaml:"name" json:"name" validate:"required"`
	Region              string        `yaml:"region" json:"region"`
	Endpoint            string        `yaml:"endpoint" json:"endpoint"` // non-empty overrides the SDK endpoint (localstack)
	MaxActiveOperations int           `yaml:"max_active_operations" json:"max_active_operations" validate:"min=1"`
	MaxInstancesPerCall int           `yaml:"max_instances_per_call" json:"max_instances_per_call" validate:"min=1"`
	PollInterval        time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MissedPollThreshold int           `yaml:"missed_poll_threshold" json:"missed_poll_threshold" validate:"min=1"`
}

// Storage backend names accepted by StorageConfig.Type.
const (
	StorageMemory   = "memory"
	StorageJSONFile = "jsonfile"
	StorageDynamo   = "dynamo"
)

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Type        string `yaml:"type" json:"type" validate:"required,oneof=memory jsonfile dynamo"`
	TablePrefix string `yaml:"table_prefix" json:"table_prefix"`
	DataDir     string `yaml:"data_dir" json:"data_dir"` // jsonfile backend
	Region      string `yaml:"region" json:"region"`     // dynamo backend
}

// TemplatesConfig tunes template discovery and caching.
type TemplatesConfig struct {
	ConfDir  string        `yaml:"conf_dir" json:"conf_dir"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// SchedulerConfig holds the host factory integration directories.
type SchedulerConfig struct {
	WorkDir string `yaml:"work_dir" json:"work_dir"`
	ConfDir string `yaml:"conf_dir" json:"conf_dir"`
	LogDir  string `yaml:"log_dir" json:"log_dir"`
}

// RetryConfig tunes exponential backoff for provider calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	BaseDelay    time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	GrowthFactor float64       `yaml:"growth_factor" json:"growth_factor"`
	JitterFactor float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// BreakerConfig tunes the per-service circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// ResilienceConfig bundles retry, breaker, and timeout tuning.
type ResilienceConfig struct {
	Retry            RetryConfig              `yaml:"retry" json:"retry"`
	Breaker          BreakerConfig            `yaml:"breaker" json:"breaker"`
	DefaultTimeout   time.Duration            `yaml:"default_timeout" json:"default_timeout"`
	OperationTimeout map[string]time.Duration `yaml:"operation_timeouts" json:"operation_timeouts"`
}

// SelectionConfig tunes provider strategy selection. MaxFailover bounds how
// many additional strategies are tried after the first one fails retryably.
type SelectionConfig struct {
	Policy              string        `yaml:"policy" json:"policy" validate:"required,oneof=FIRST_AVAILABLE ROUND_ROBIN WEIGHTED_ROUND_ROBIN LEAST_CONNECTIONS FASTEST_RESPONSE HIGHEST_SUCCESS_RATE CAPABILITY_BASED HEALTH_BASED RANDOM"`
	MetricsWindow       int           `yaml:"metrics_window" json:"metrics_window" validate:"min=1"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	MaxFailover         int           `yaml:"max_failover" json:"max_failover" validate:"min=0"`
}

// PoolConfig bounds handler fan-out.
type PoolConfig struct {
	Workers   int `yaml:"workers" json:"workers" validate:"min=1"`
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"min=1"`
}

// EventsConfig controls domain-event forwarding to EventBridge.
type EventsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	BusName   string `yaml:"bus_name" json:"bus_name"`
	Source    string `yaml:"source" json:"source"`
	BatchSize int    `yaml:"batch_size" json:"batch_size" validate:"min=1,max=10"`
}

// ObservabilityConfig controls metrics and tracing sinks.
type ObservabilityConfig struct {
	CloudWatchNamespace string  `yaml:"cloudwatch_namespace" json:"cloudwatch_namespace"`
	CloudWatchEnabled   bool    `yaml:"cloudwatch_enabled" json:"cloudwatch_enabled"`
	TracingEnabled      bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint     string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	TracingSampleRate   float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

var validate = validator.New()

// Validate checks the configuration and returns a validation error carrying
// one field message per violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Internal(errors.CodeConfigInvalid, "configuration validation failed").
			WithCause(err).
			Build()
	}

	builder := errors.Validation(errors.CodeConfigInvalid, "invalid configuration")
	for _, fe := range validationErrors {
		builder = builder.WithField(fieldPath(fe), fieldMessage(fe))
	}
	return builder.Build()
}

// fieldPath strips the root struct name: "Config.Provider.Type" -> "provider.type".
func fieldPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	return strings.ToLower(path)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return "is invalid"
	}
}

// RetryConfig converts the tuning block into the resilience package form.
func (c ResilienceConfig) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  c.Retry.MaxAttempts,
		BaseDelay:    c.Retry.BaseDelay,
		MaxDelay:     c.Retry.MaxDelay,
		GrowthFactor: c.Retry.GrowthFactor,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// BreakerConfig converts the tuning block into the resilience package form.
func (c ResilienceConfig) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
		HalfOpenProbes:   1,
	}
}

// TimeoutConfig converts the tuning block into the resilience package form.
func (c ResilienceConfig) TimeoutConfig() resilience.TimeoutConfig {
	return resilience.TimeoutConfig{
		Default:      c.DefaultTimeout,
		PerOperation: c.OperationTimeout,
	}
}

// ExecutorConfig returns the composed resilience configuration.
func (c ResilienceConfig) ExecutorConfig() resilience.ExecutorConfig {
	return resilience.ExecutorConfig{
		Retry:    c.RetryConfig(),
		Breaker:  c.BreakerConfig(),
		Timeouts: c.TimeoutConfig(),
	}
}

// IsProduction reports whether the broker runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}
