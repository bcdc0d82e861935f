package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hostbroker/pkg/resilience"
)

// FileLoader parses one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extensions() []string
}

// Loader assembles configuration from defaults, an optional config file, and
// environment variables. Later sources override earlier ones:
//
//  1. Built-in defaults
//  2. config.{yaml,yml,json} in the scheduler conf directory
//  3. Environment variables
type Loader struct {
	confDir     string
	sources     []string
	fileLoaders []FileLoader
}

// NewLoader creates a loader rooted at the given conf directory. An empty
// confDir skips file loading.
func NewLoader(confDir string) *Loader {
	return &Loader{
		confDir:     confDir,
		fileLoaders: []FileLoader{&YAMLLoader{}, &JSONLoader{}},
	}
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	l.sources = []string{"defaults"}

	if l.confDir != "" {
		if err := l.loadFile("config", cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	l.applyEnvironment(cfg)
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds the configuration from the conf directory named by the
// scheduler environment variables.
func Load() (*Config, error) {
	confDir := envFirst("HF_PROVIDER_CONFDIR", "PROVIDER_CONFDIR")
	return NewLoader(confDir).Load()
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, loader := range l.fileLoaders {
		for _, ext := range loader.Extensions() {
			path := filepath.Join(l.confDir, fmt.Sprintf("%s.%s", name, ext))
			file, err := os.Open(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}

			err = loader.Load(file, cfg)
			file.Close()
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", path, err)
			}
			l.sources = append(l.sources, path)
			return nil
		}
	}
	return os.ErrNotExist
}

// applyEnvironment overlays environment variables, the highest priority
// source. Scheduler directory variables accept the HF_ prefix first and the
// bare prefix as a fallback.
func (l *Loader) applyEnvironment(cfg *Config) {
	if val := os.Getenv("ENVIRONMENT"); val != "" {
		cfg.Environment = Environment(strings.ToLower(val))
	}

	if val := os.Getenv("PROVIDER_TYPE"); val != "" {
		cfg.Provider.Type = strings.ToLower(val)
	}
	if val := os.Getenv("PROVIDER_NAME"); val != "" {
		cfg.Provider.Name = val
	}
	if val := os.Getenv("AWS_REGION"); val != "" {
		cfg.Provider.Region = val
		cfg.Storage.Region = val
	}
	if val := os.Getenv("AWS_ENDPOINT_URL"); val != "" {
		cfg.Provider.Endpoint = val
	}

	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		cfg.Storage.Type = strings.ToLower(val)
	}
	if val := os.Getenv("STORAGE_TABLE_PREFIX"); val != "" {
		cfg.Storage.TablePrefix = val
	}

	if val := envFirst("HF_PROVIDER_WORKDIR", "PROVIDER_WORKDIR"); val != "" {
		cfg.Scheduler.WorkDir = val
		if cfg.Storage.DataDir == "" {
			cfg.Storage.DataDir = filepath.Join(val, "data")
		}
	}
	if val := envFirst("HF_PROVIDER_CONFDIR", "PROVIDER_CONFDIR"); val != "" {
		cfg.Scheduler.ConfDir = val
		if cfg.Templates.ConfDir == "" {
			cfg.Templates.ConfDir = val
		}
	}
	if val := envFirst("HF_PROVIDER_LOGDIR", "PROVIDER_LOGDIR"); val != "" {
		cfg.Scheduler.LogDir = val
	}

	if val := os.Getenv("TEMPLATE_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.Templates.CacheTTL = d
		}
	}
	if val := os.Getenv("SELECTION_POLICY"); val != "" {
		cfg.Selection.Policy = strings.ToUpper(val)
	}
	if val := os.Getenv("POOL_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Pool.Workers = n
		}
	}
	if val := os.Getenv("EVENTS_ENABLED"); val != "" {
		cfg.Events.Enabled = parseBool(val)
	}
	if val := os.Getenv("EVENT_BUS_NAME"); val != "" {
		cfg.Events.BusName = val
	}
	if val := os.Getenv("TRACING_ENDPOINT"); val != "" {
		cfg.Observability.TracingEndpoint = val
		cfg.Observability.TracingEnabled = true
	}
}

// envFirst returns the first non-empty value among the named variables.
func envFirst(names ...string) string {
	for _, name := range names {
		if val := os.Getenv(name); val != "" {
			return val
		}
	}
	return ""
}

func parseBool(s string) bool {
	val, _ := strconv.ParseBool(s)
	return val
}

// Default returns the built-in configuration. The broker can run against the
// memory backend with no file or environment at all.
func Default() *Config {
	timeouts := resilience.DefaultTimeoutConfig()
	return &Config{
		Environment: Development,
		Provider: ProviderConfig{
			Type:                "aws",
			Name:                "aws-default",
			Region:              "us-east-1",
			MaxActiveOperations: 32,
			MaxInstancesPerCall: 50,
			PollInterval:        30 * time.Second,
			MissedPollThreshold: 3,
		},
		Storage: StorageConfig{
			Type:        "memory",
			TablePrefix: "hostbroker",
			Region:      "us-east-1",
		},
		Templates: TemplatesConfig{
			CacheTTL: 5 * time.Minute,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:  3,
				BaseDelay:    1 * time.Second,
				MaxDelay:     60 * time.Second,
				GrowthFactor: 2.0,
				JitterFactor: 0.1,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			DefaultTimeout:   timeouts.Default,
			OperationTimeout: timeouts.PerOperation,
		},
		Selection: SelectionConfig{
			Policy:              "FIRST_AVAILABLE",
			MetricsWindow:       100,
			HealthCheckInterval: 30 * time.Second,
			MaxFailover:         2,
		},
		Pool: PoolConfig{
			Workers:   16,
			QueueSize: 256,
		},
		Events: EventsConfig{
			Enabled:   false,
			BusName:   "default",
			Source:    "hostbroker",
			BatchSize: 10,
		},
		Observability: ObservabilityConfig{
			CloudWatchNamespace: "HostBroker",
			TracingSampleRate:   0.01,
		},
	}
}

// YAMLLoader parses YAML configuration files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (y *YAMLLoader) Extensions() []string { return []string{"yaml", "yml"} }

// JSONLoader parses JSON configuration files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extensions() []string { return []string{"json"} }
