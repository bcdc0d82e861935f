package mediator

import (
	"context"
	"time"

	commandbus "hostbroker/internal/application/commands/bus"
	querybus "hostbroker/internal/application/queries/bus"
	"hostbroker/internal/errors"
	"hostbroker/pkg/observability"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Behavior is a cross-cutting concern applied to every command and query.
// PreProcess may enrich the context (tracing does); returning an error aborts
// the dispatch. PostProcess always runs, in reverse registration order.
type Behavior interface {
	PreProcess(ctx context.Context, command commandbus.Command) (context.Context, error)
	PostProcess(ctx context.Context, command commandbus.Command, result interface{}, err error, elapsed time.Duration)
	PreProcessQuery(ctx context.Context, query querybus.Query) (context.Context, error)
	PostProcessQuery(ctx context.Context, query querybus.Query, result interface{}, err error, elapsed time.Duration)
}

// LoggingBehavior logs every command and query with its outcome.
type LoggingBehavior struct {
	logger *zap.Logger
}

// NewLoggingBehavior creates a new logging behavior.
func NewLoggingBehavior(logger *zap.Logger) *LoggingBehavior {
	return &LoggingBehavior{logger: logger}
}

func (b *LoggingBehavior) PreProcess(ctx context.Context, command commandbus.Command) (context.Context, error) {
	b.logger.Info("Executing command", zap.String("command", command.CommandName()))
	return ctx, nil
}

func (b *LoggingBehavior) PostProcess(_ context.Context, command commandbus.Command, _ interface{}, err error, elapsed time.Duration) {
	if err != nil {
		b.logger.Error("Command failed",
			zap.String("command", command.CommandName()),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	b.logger.Info("Command succeeded",
		zap.String("command", command.CommandName()),
		zap.Duration("duration", elapsed))
}

func (b *LoggingBehavior) PreProcessQuery(ctx context.Context, query querybus.Query) (context.Context, error) {
	b.logger.Debug("Executing query", zap.String("query", query.QueryName()))
	return ctx, nil
}

func (b *LoggingBehavior) PostProcessQuery(_ context.Context, query querybus.Query, _ interface{}, err error, elapsed time.Duration) {
	if err != nil {
		b.logger.Error("Query failed",
			zap.String("query", query.QueryName()),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	b.logger.Debug("Query succeeded",
		zap.String("query", query.QueryName()),
		zap.Duration("duration", elapsed))
}

// ValidationBehavior runs struct-tag validation before the message's own
// Validate method, so malformed payloads are rejected with field-level
// messages before any handler logic runs.
type ValidationBehavior struct {
	validate *validator.Validate
}

// NewValidationBehavior creates a new validation behavior.
func NewValidationBehavior() *ValidationBehavior {
	return &ValidationBehavior{validate: validator.New()}
}

func (b *ValidationBehavior) PreProcess(ctx context.Context, command commandbus.Command) (context.Context, error) {
	if err := b.check(command, command.CommandName()); err != nil {
		return ctx, err
	}
	return ctx, nil
}

func (b *ValidationBehavior) PostProcess(context.Context, commandbus.Command, interface{}, error, time.Duration) {
}

func (b *ValidationBehavior) PreProcessQuery(ctx context.Context, query querybus.Query) (context.Context, error) {
	if err := b.check(query, query.QueryName()); err != nil {
		return ctx, err
	}
	return ctx, nil
}

func (b *ValidationBehavior) PostProcessQuery(context.Context, querybus.Query, interface{}, error, time.Duration) {
}

func (b *ValidationBehavior) check(msg interface{}, name string) error {
	err := b.validate.Struct(msg)
	if err == nil {
		return nil
	}
	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		// Non-struct messages cannot carry tags; nothing to check.
		return nil
	}
	builder := errors.Validation(errors.CodeValidationFailed, name+" failed validation").
		WithOperation("mediator.validate")
	for _, fe := range ves {
		builder = builder.WithField(fe.Field(), "failed rule "+fe.Tag())
	}
	return builder.Build()
}

// MetricsBehavior records dispatch counts and handler latency.
type MetricsBehavior struct {
	metrics *observability.Metrics
}

// NewMetricsBehavior creates a new metrics behavior.
func NewMetricsBehavior(metrics *observability.Metrics) *MetricsBehavior {
	return &MetricsBehavior{metrics: metrics}
}

func (b *MetricsBehavior) PreProcess(ctx context.Context, _ commandbus.Command) (context.Context, error) {
	return ctx, nil
}

func (b *MetricsBehavior) PostProcess(_ context.Context, command commandbus.Command, _ interface{}, err error, elapsed time.Duration) {
	b.metrics.ObserveDispatch("command", command.CommandName(), outcome(err), elapsed)
}

func (b *MetricsBehavior) PreProcessQuery(ctx context.Context, _ querybus.Query) (context.Context, error) {
	return ctx, nil
}

func (b *MetricsBehavior) PostProcessQuery(_ context.Context, query querybus.Query, _ interface{}, err error, elapsed time.Duration) {
	b.metrics.ObserveDispatch("query", query.QueryName(), outcome(err), elapsed)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// TracingBehavior opens one span per dispatch. The span is carried in the
// context returned from PreProcess and closed in PostProcess.
type TracingBehavior struct {
	tracer trace.Tracer
}

// NewTracingBehavior creates a new tracing behavior.
func NewTracingBehavior(tracer trace.Tracer) *TracingBehavior {
	return &TracingBehavior{tracer: tracer}
}

func (b *TracingBehavior) PreProcess(ctx context.Context, command commandbus.Command) (context.Context, error) {
	if b.tracer == nil {
		return ctx, nil
	}
	ctx, _ = b.tracer.Start(ctx, "command "+command.CommandName(),
		trace.WithAttributes(attribute.String("bus.kind", "command")))
	return ctx, nil
}

func (b *TracingBehavior) PostProcess(ctx context.Context, _ commandbus.Command, _ interface{}, err error, _ time.Duration) {
	b.finish(ctx, err)
}

func (b *TracingBehavior) PreProcessQuery(ctx context.Context, query querybus.Query) (context.Context, error) {
	if b.tracer == nil {
		return ctx, nil
	}
	ctx, _ = b.tracer.Start(ctx, "query "+query.QueryName(),
		trace.WithAttributes(attribute.String("bus.kind", "query")))
	return ctx, nil
}

func (b *TracingBehavior) PostProcessQuery(ctx context.Context, _ querybus.Query, _ interface{}, err error, _ time.Duration) {
	b.finish(ctx, err)
}

func (b *TracingBehavior) finish(ctx context.Context, err error) {
	if b.tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
