package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// CloudWatchAPI is the slice of the CloudWatch client the publisher needs.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher mirrors selected broker metrics into CloudWatch so
// fleet dashboards work without a Prometheus stack. Publishing is best
// effort; failures are logged and never fail the calling operation.
type CloudWatchPublisher struct {
	namespace string
	client    CloudWatchAPI
	logger    *zap.Logger
}

// NewCloudWatchPublisher builds a publisher. A nil client disables
// publishing.
func NewCloudWatchPublisher(namespace string, client CloudWatchAPI, logger *zap.Logger) *CloudWatchPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudWatchPublisher{
		namespace: namespace,
		client:    client,
		logger:    logger,
	}
}

// RecordRequestOutcome publishes the latency and count of a terminal request.
func (p *CloudWatchPublisher) RecordRequestOutcome(ctx context.Context, requestType, outcome string, duration time.Duration) {
	if p == nil || p.client == nil {
		return
	}

	dimensions := []types.Dimension{
		{Name: aws.String("RequestType"), Value: aws.String(requestType)},
		{Name: aws.String("Outcome"), Value: aws.String(outcome)},
	}
	p.put(ctx, []types.MetricDatum{
		{
			MetricName: aws.String("RequestDuration"),
			Dimensions: dimensions,
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       types.StandardUnitMilliseconds,
			Timestamp:  aws.Time(time.Now()),
		},
		{
			MetricName: aws.String("RequestCount"),
			Dimensions: dimensions,
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
		},
	})
}

// RecordProviderCall publishes one outbound provider call.
func (p *CloudWatchPublisher) RecordProviderCall(ctx context.Context, provider, operation string, duration time.Duration, err error) {
	if p == nil || p.client == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	p.put(ctx, []types.MetricDatum{
		{
			MetricName: aws.String("ProviderCallLatency"),
			Dimensions: []types.Dimension{
				{Name: aws.String("Provider"), Value: aws.String(provider)},
				{Name: aws.String("Operation"), Value: aws.String(operation)},
				{Name: aws.String("Status"), Value: aws.String(status)},
			},
			Value:     aws.Float64(float64(duration.Milliseconds())),
			Unit:      types.StandardUnitMilliseconds,
			Timestamp: aws.Time(time.Now()),
		},
	})
}

// RecordError publishes an error occurrence by kind and code.
func (p *CloudWatchPublisher) RecordError(ctx context.Context, errorType, errorCode string) {
	if p == nil || p.client == nil {
		return
	}

	p.put(ctx, []types.MetricDatum{
		{
			MetricName: aws.String("Errors"),
			Dimensions: []types.Dimension{
				{Name: aws.String("ErrorType"), Value: aws.String(errorType)},
				{Name: aws.String("ErrorCode"), Value: aws.String(errorCode)},
			},
			Value:     aws.Float64(1),
			Unit:      types.StandardUnitCount,
			Timestamp: aws.Time(time.Now()),
		},
	})
}

func (p *CloudWatchPublisher) put(ctx context.Context, data []types.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}
	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.Warn("failed to publish cloudwatch metrics",
			zap.String("namespace", p.namespace),
			zap.Error(err),
		)
	}
}
