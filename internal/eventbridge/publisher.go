package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/sirupsen/logrus"

	"change-events/internal/config"
	"change-events/internal/models"
)

// ErrPartialFailure is returned when EventBridge rejects some entries of a batch
var ErrPartialFailure = errors.New("eventbridge rejected entries")

// API is the subset of the EventBridge client used for publishing
type API interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher sends event batches with PutEvents
type Publisher struct {
	client API
	logger *logrus.Logger
}

// NewPublisher builds a client from the default AWS credential chain
func NewPublisher(ctx context.Context, cfg config.EventBridgeConfig, logger *logrus.Logger) (*Publisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Infof("Publishing to EventBridge in %s", awsCfg.Region)
	return New(client, logger), nil
}

// New creates a publisher over an existing client
func New(client API, logger *logrus.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// PublishBatch sends batch in one PutEvents call. A rejected entry fails the
// whole batch; the dispatcher retries it.
func (p *Publisher) PublishBatch(ctx context.Context, batch models.Batch) error {
	entries, err := toEntries(batch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to put events: %w", err)
	}

	if out.FailedEntryCount > 0 {
		return fmt.Errorf("%d of %d entries: %s: %w",
			out.FailedEntryCount, len(entries), failureCodes(out.Entries), ErrPartialFailure)
	}

	p.logger.Debugf("Put %d events", len(entries))
	return nil
}

func toEntries(batch models.Batch) ([]types.PutEventsRequestEntry, error) {
	if len(batch) > models.MaxBatchSize {
		return nil, fmt.Errorf("%d events: %w", len(batch), models.ErrBatchTooLarge)
	}

	entries := make([]types.PutEventsRequestEntry, 0, len(batch))
	for _, event := range batch {
		detail, err := json.Marshal(event.Detail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal detail of %s: %w", event.Detail.ID, err)
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(event.BusName),
			DetailType:   aws.String(event.DetailType),
			Source:       aws.String(event.Source),
			Detail:       aws.String(string(detail)),
		})
	}
	return entries, nil
}

func failureCodes(results []types.PutEventsResultEntry) string {
	var codes []string
	for _, r := range results {
		if r.ErrorCode != nil {
			codes = append(codes, aws.ToString(r.ErrorCode))
		}
	}
	return strings.Join(codes, ", ")
}

// Close is a no-op, the client holds no connection
func (p *Publisher) Close() error {
	return nil
}
