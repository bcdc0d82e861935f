// Package eventbridge forwards domain events to an Amazon EventBridge bus so
// external consumers (billing, audit, capacity dashboards) can react to
// provisioning activity without polling the broker's store.
package eventbridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	sdk "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"hostbroker/internal/config"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// maxBatch is the PutEvents entry ceiling imposed by the EventBridge API.
const maxBatch = 10

// API is the slice of the EventBridge client the publisher uses.
type API interface {
	PutEvents(ctx context.Context, params *sdk.PutEventsInput, optFns ...func(*sdk.Options)) (*sdk.PutEventsOutput, error)
}

// NewClient builds an EventBridge client with the broker's region and
// optional endpoint override.
func NewClient(ctx context.Context, region, endpoint string) (*sdk.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Internal(errors.CodeConfigInvalid, "could not load aws configuration").
			WithOperation("eventbridge_load_config").
			WithCause(err).
			Build()
	}
	return sdk.NewFromConfig(awsCfg, func(o *sdk.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// envelope is the Detail payload for one forwarded event.
type envelope struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	Version     int                    `json:"version"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Publisher forwards domain events to EventBridge in PutEvents batches. It is
// registered as a wildcard subscriber on the in-process dispatcher, so a
// delivery failure is logged there and never blocks the broker.
type Publisher struct {
	client    API
	busName   string
	source    string
	batchSize int
	logger    *zap.Logger
}

// NewPublisher creates a publisher from the events configuration. Batch size
// is clamped to the EventBridge limit of 10 entries per call.
func NewPublisher(client API, cfg config.EventsConfig, logger *zap.Logger) *Publisher {
	busName := cfg.BusName
	if busName == "" {
		busName = "default"
	}
	source := cfg.Source
	if source == "" {
		source = "hostbroker"
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > maxBatch {
		batchSize = maxBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:    client,
		busName:   busName,
		source:    source,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Handle forwards a single event. The signature matches the dispatcher's
// Handler type.
func (p *Publisher) Handle(ctx context.Context, event shared.DomainEvent) error {
	return p.Publish(ctx, event)
}

// Publish forwards the given events, batchSize entries per PutEvents call.
// Events that cannot be serialized are logged and skipped rather than
// poisoning the rest of the batch.
func (p *Publisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(events))
	for _, event := range events {
		if event == nil {
			continue
		}
		detail, err := json.Marshal(envelope{
			EventID:     event.EventID(),
			EventType:   event.EventType(),
			AggregateID: event.AggregateID(),
			Version:     event.Version(),
			OccurredAt:  event.OccurredAt(),
			Data:        event.EventData(),
		})
		if err != nil {
			p.logger.Error("failed to serialize event for eventbridge",
				zap.String("event_type", event.EventType()),
				zap.String("event_id", event.EventID()),
				zap.Error(err))
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.busName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(event.EventType()),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(event.OccurredAt()),
			Resources:    []string{event.AggregateID()},
		})
	}

	for start := 0; start < len(entries); start += p.batchSize {
		end := start + p.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := p.putBatch(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) putBatch(ctx context.Context, batch []types.PutEventsRequestEntry) error {
	out, err := p.client.PutEvents(ctx, &sdk.PutEventsInput{Entries: batch})
	if err != nil {
		return errors.NewError(errors.ErrorTypeInternal, errors.CodeEventPublishFailed, "eventbridge put events failed").
			WithOperation("eventbridge.put_events").
			WithDetailsf("%d entries", len(batch)).
			WithCause(err).
			Build()
	}

	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode == nil {
				continue
			}
			p.logger.Error("eventbridge rejected event",
				zap.String("detail_type", aws.ToString(batch[i].DetailType)),
				zap.String("error_code", aws.ToString(entry.ErrorCode)),
				zap.String("error_message", aws.ToString(entry.ErrorMessage)))
		}
		return errors.NewError(errors.ErrorTypeInternal, errors.CodeEventPublishFailed, "eventbridge rejected events").
			WithOperation("eventbridge.put_events").
			WithDetailsf("%d of %d entries failed", out.FailedEntryCount, len(batch)).
			Build()
	}
	return nil
}
