// Package di assembles the broker's object graph. Construction is phased so
// each layer only sees what earlier phases built: configuration and logging
// first, then observability sinks, storage, templates, the provider context,
// event distribution, and finally the application buses. Every component that
// holds resources registers a shutdown hook; Shutdown releases them in
// reverse construction order.
package di

import (
	"context"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	commandbus "hostbroker/internal/application/commands/bus"
	commandhandlers "hostbroker/internal/application/commands/handlers"
	"hostbroker/internal/application/mediator"
	"hostbroker/internal/application/poller"
	querybus "hostbroker/internal/application/queries/bus"
	queryhandlers "hostbroker/internal/application/queries/handlers"
	"hostbroker/internal/concurrency"
	"hostbroker/internal/config"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
	"hostbroker/internal/events"
	"hostbroker/internal/events/eventbridge"
	"hostbroker/internal/provider"
	awsprovider "hostbroker/internal/provider/aws"
	"hostbroker/internal/repository"
	"hostbroker/internal/repository/dynamo"
	"hostbroker/internal/repository/factory"
	"hostbroker/internal/scheduler"
	"hostbroker/internal/scheduler/hostfactory"
	"hostbroker/internal/templates"
	"hostbroker/pkg/observability"
)

// Container owns every long-lived broker component.
type Container struct {
	Config          *config.Config
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry
	Tracing         *observability.TracerProvider
	CloudWatch      *observability.CloudWatchPublisher

	Stores    *repository.Stores
	Remap     *scheduler.Registry
	Templates *templates.Manager
	Providers *provider.Context
	Health    *provider.HealthChecker
	Events    *events.Dispatcher
	Pool      *concurrency.Pool

	CommandBus *commandbus.CommandBus
	QueryBus   *querybus.QueryBus
	Mediator   *mediator.Mediator
	Adapter    *hostfactory.Adapter
	Sweeper    *poller.Sweeper

	watcher   *config.Watcher
	shutdowns []shutdownHook
}

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

type settings struct {
	cfg    *config.Config
	logger *zap.Logger
}

// Option overrides a construction input, mainly for tests and embedders.
type Option func(*settings)

// WithConfig injects a pre-built configuration instead of loading one from
// the environment.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithLogger injects the process logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// New builds the container. A failed phase tears down everything the earlier
// phases brought up before returning.
func New(ctx context.Context, opts ...Option) (*Container, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	c := &Container{}
	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"config", func(context.Context) error { return c.initConfig(s.cfg) }},
		{"logging", func(context.Context) error { return c.initLogging(s.logger) }},
		{"observability", c.initObservability},
		{"storage", c.initStorage},
		{"templates", c.initTemplates},
		{"providers", c.initProviders},
		{"events", c.initEvents},
		{"application", c.initApplication},
	}
	for _, phase := range phases {
		if err := phase.run(ctx); err != nil {
			teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.Shutdown(teardownCtx)
			cancel()
			return nil, err
		}
	}
	return c, nil
}

// Start launches the background workers: the pool and the periodic provider
// health sweep. One-shot invocations can skip Start; dispatching works
// without it.
func (c *Container) Start(ctx context.Context) {
	c.Pool.Start(ctx)
	c.Health.Start(ctx)
}

// Shutdown releases every component in reverse construction order. All hooks
// run even when one fails; the first failure is returned.
func (c *Container) Shutdown(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var first error
	for i := len(c.shutdowns) - 1; i >= 0; i-- {
		hook := c.shutdowns[i]
		if err := hook.fn(ctx); err != nil {
			logger.Warn("shutdown hook failed",
				zap.String("component", hook.name),
				zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	c.shutdowns = nil
	return first
}

func (c *Container) onShutdown(name string, fn func(ctx context.Context) error) {
	c.shutdowns = append(c.shutdowns, shutdownHook{name: name, fn: fn})
}

func (c *Container) initConfig(cfg *config.Config) error {
	if cfg != nil {
		c.Config = cfg
		return cfg.Validate()
	}
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	c.Config = loaded
	return nil
}

func (c *Container) initLogging(logger *zap.Logger) error {
	if logger == nil {
		built, err := observability.NewLogger(string(c.Config.Environment))
		if err != nil {
			return errors.Internal(errors.CodeConfigInvalid, "could not build logger").
				WithCause(err).
				Build()
		}
		logger = built
	}
	c.Logger = logger
	c.onShutdown("logger", func(context.Context) error {
		_ = c.Logger.Sync()
		return nil
	})
	return nil
}

func (c *Container) initObservability(ctx context.Context) error {
	c.MetricsRegistry = prometheus.NewRegistry()
	c.Metrics = observability.NewMetrics(c.MetricsRegistry)

	obs := c.Config.Observability
	if obs.CloudWatchEnabled {
		awsCfg, err := c.awsSDKConfig(ctx, c.Config.Provider.Region)
		if err != nil {
			c.Logger.Warn("cloudwatch metrics disabled, aws configuration unavailable", zap.Error(err))
		} else {
			client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if c.Config.Provider.Endpoint != "" {
					o.BaseEndpoint = awssdk.String(c.Config.Provider.Endpoint)
				}
			})
			c.CloudWatch = observability.NewCloudWatchPublisher(obs.CloudWatchNamespace, client,
				observability.NamedLogger(c.Logger, "cloudwatch"))
		}
	}

	if obs.TracingEnabled {
		tp, err := observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName: "hostbroker",
			Environment: string(c.Config.Environment),
			Endpoint:    obs.TracingEndpoint,
			SampleRate:  obs.TracingSampleRate,
		})
		if err != nil {
			// Tracing is an aid, not a dependency; the broker runs without it.
			c.Logger.Warn("tracing disabled, exporter initialization failed", zap.Error(err))
		} else {
			c.Tracing = tp
			c.onShutdown("tracing", tp.Shutdown)
		}
	}
	return nil
}

func (c *Container) initStorage(ctx context.Context) error {
	var client dynamo.API
	if c.Config.Storage.Type == config.StorageDynamo {
		awsCfg, err := c.awsSDKConfig(ctx, c.Config.Storage.Region)
		if err != nil {
			return errors.Internal(errors.CodeConfigInvalid, "could not load aws configuration for dynamo storage").
				WithCause(err).
				Build()
		}
		client = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if c.Config.Provider.Endpoint != "" {
				o.BaseEndpoint = awssdk.String(c.Config.Provider.Endpoint)
			}
		})
	}

	stores, err := factory.New(c.Config.Storage, client, observability.NamedLogger(c.Logger, "repository"))
	if err != nil {
		return err
	}
	c.Stores = stores
	return nil
}

func (c *Container) initTemplates(context.Context) error {
	c.Remap = scheduler.HostFactory()
	c.Templates = templates.NewManager(
		c.Config.Templates,
		c.Config.Provider.Type,
		c.Config.Provider.Name,
		c.Remap,
		observability.NamedLogger(c.Logger, "templates"),
		templates.WithRepository(c.Stores.Templates),
		templates.WithMetrics(c.Metrics),
	)

	if dir := c.Config.Templates.ConfDir; dir != "" {
		watcher, err := config.NewWatcher(dir, observability.NamedLogger(c.Logger, "watcher"))
		if err != nil {
			// Stale cache entries expire through the TTL anyway.
			c.Logger.Warn("template directory watch disabled", zap.String("dir", dir), zap.Error(err))
			return nil
		}
		watcher.OnChange(c.Templates.OnFileEvent)
		c.watcher = watcher
		c.onShutdown("template watcher", func(context.Context) error {
			watcher.Stop()
			return nil
		})
	}
	return nil
}

func (c *Container) initProviders(ctx context.Context) error {
	c.Providers = provider.NewContext(
		provider.Policy(c.Config.Selection.Policy),
		observability.NamedLogger(c.Logger, "providers"),
		provider.WithMetricsWindow(c.Config.Selection.MetricsWindow),
		provider.WithMaxFailover(c.Config.Selection.MaxFailover),
		provider.WithObservability(c.Metrics),
	)

	pcfg := c.Config.Provider
	strategy, err := c.buildStrategy(ctx, pcfg.Name, pcfg.Type, nil)
	if err != nil {
		return err
	}
	err = c.Providers.Register(provider.Registration{
		Name:                pcfg.Name,
		ProviderType:        pcfg.Type,
		Config:              map[string]string{"region": pcfg.Region, "endpoint": pcfg.Endpoint},
		Capabilities:        providerCapabilities(pcfg.Type),
		MaxActiveOperations: pcfg.MaxActiveOperations,
		Strategy:            strategy,
	})
	if err != nil {
		return err
	}

	c.Health = provider.NewHealthChecker(c.Providers, c.Config.Selection.HealthCheckInterval,
		observability.NamedLogger(c.Logger, "health"))
	c.onShutdown("health checker", func(context.Context) error {
		c.Health.Stop()
		return nil
	})
	return nil
}

func (c *Container) initEvents(ctx context.Context) error {
	c.Events = events.NewDispatcher(observability.NamedLogger(c.Logger, "events"))

	if c.Config.Events.Enabled {
		client, err := eventbridge.NewClient(ctx, c.Config.Provider.Region, c.Config.Provider.Endpoint)
		if err != nil {
			return err
		}
		publisher := eventbridge.NewPublisher(client, c.Config.Events,
			observability.NamedLogger(c.Logger, "eventbridge"))
		c.Events.SubscribeAll(publisher.Handle)
	}

	if c.CloudWatch != nil {
		c.subscribeCloudWatch()
	}
	return nil
}

func (c *Container) initApplication(ctx context.Context) error {
	c.Pool = concurrency.NewPool(c.Config.Pool,
		observability.NamedLogger(c.Logger, "pool"),
		concurrency.WithMetrics(c.Metrics))
	c.onShutdown("worker pool", c.Pool.Stop)

	c.CommandBus = commandbus.NewCommandBus()
	err := commandhandlers.Register(c.CommandBus, commandhandlers.Deps{
		Stores:              c.Stores,
		Providers:           c.Providers,
		Templates:           c.Templates,
		Events:              c.Events,
		Factory:             c.buildStrategy,
		Metrics:             c.Metrics,
		Logger:              observability.NamedLogger(c.Logger, "commands"),
		ProvisionTimeout:    c.Config.Resilience.OperationTimeout["provision_request"],
		MissedPollThreshold: c.Config.Provider.MissedPollThreshold,
	})
	if err != nil {
		return err
	}

	c.QueryBus = querybus.NewQueryBus()
	err = queryhandlers.Register(c.QueryBus, queryhandlers.Deps{
		Stores:    c.Stores,
		Providers: c.Providers,
		Templates: c.Templates,
		Logger:    observability.NamedLogger(c.Logger, "queries"),
	})
	if err != nil {
		return err
	}

	c.Mediator = mediator.NewMediator(c.CommandBus, c.QueryBus,
		observability.NamedLogger(c.Logger, "mediator"))
	if c.Tracing != nil {
		c.Mediator.AddBehavior(mediator.NewTracingBehavior(c.Tracing.Tracer()))
	}
	c.Mediator.AddBehavior(mediator.NewLoggingBehavior(observability.NamedLogger(c.Logger, "dispatch")))
	c.Mediator.AddBehavior(mediator.NewMetricsBehavior(c.Metrics))
	c.Mediator.AddBehavior(mediator.NewValidationBehavior())

	c.Adapter = hostfactory.NewAdapter(c.Mediator, c.Remap, c.Config.Provider.Type,
		observability.NamedLogger(c.Logger, "scheduler"))
	c.Sweeper = poller.NewSweeper(c.Mediator, c.Pool,
		observability.NamedLogger(c.Logger, "sweeper"))
	return nil
}

// buildStrategy constructs a provider strategy; it doubles as the runtime
// registration factory the command handlers use. Overrides carries optional
// per-registration settings (region, endpoint) on top of the process
// configuration.
func (c *Container) buildStrategy(ctx context.Context, name, providerType string, overrides map[string]string) (provider.Strategy, error) {
	switch providerType {
	case awsprovider.ProviderTypeAWS:
		pcfg := c.Config.Provider
		pcfg.Name = name
		if region := overrides["region"]; region != "" {
			pcfg.Region = region
		}
		if endpoint := overrides["endpoint"]; endpoint != "" {
			pcfg.Endpoint = endpoint
		}
		clients, err := awsprovider.NewClients(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		return awsprovider.NewStrategy(pcfg, c.Config.Resilience.ExecutorConfig(), clients, c.Templates,
			observability.NamedLogger(c.Logger, "provider.aws")), nil

	default:
		return nil, errors.Validation(errors.CodeProviderNotFound, "unsupported provider type").
			WithField("provider.type", providerType).
			Build()
	}
}

// providerCapabilities lists what a provider type can serve, for the
// CAPABILITY_BASED selection policy.
func providerCapabilities(providerType string) []string {
	switch providerType {
	case awsprovider.ProviderTypeAWS:
		return []string{"ondemand", "spot", "fleet", "asg"}
	default:
		return nil
	}
}

// subscribeCloudWatch mirrors terminal request outcomes into CloudWatch.
// Durations are not carried on the events, so only counts are published.
func (c *Container) subscribeCloudWatch() {
	record := func(outcome string) events.Handler {
		return func(ctx context.Context, event shared.DomainEvent) error {
			c.CloudWatch.RecordRequestOutcome(ctx, requestTypeOf(event.AggregateID()), outcome, 0)
			return nil
		}
	}
	c.Events.Subscribe(request.EventRequestCompleted, record("completed"))
	c.Events.Subscribe(request.EventRequestCancelled, record("cancelled"))
	c.Events.Subscribe(request.EventRequestFailed, func(ctx context.Context, event shared.DomainEvent) error {
		c.CloudWatch.RecordRequestOutcome(ctx, requestTypeOf(event.AggregateID()), "failed", 0)
		if data := event.EventData(); data != nil {
			if code, ok := data["code"].(string); ok && code != "" {
				c.CloudWatch.RecordError(ctx, "request", code)
			}
		}
		return nil
	})
}

// requestTypeOf derives the request type from the id prefix, which is cheaper
// than a store read inside an event handler.
func requestTypeOf(aggregateID string) string {
	id, err := shared.ParseRequestID(aggregateID)
	if err != nil {
		return "unknown"
	}
	return string(id.Type())
}

// awsSDKConfig loads the shared AWS configuration for the auxiliary clients
// (DynamoDB, CloudWatch). The provider strategy and EventBridge clients load
// their own so each can apply service-specific options.
func (c *Container) awsSDKConfig(ctx context.Context, region string) (awssdk.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
