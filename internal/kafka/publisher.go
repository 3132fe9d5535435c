package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"change-events/internal/config"
	"change-events/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes event batches to a Kafka topic, keyed by record ID so that
// changes to one record stay on one partition
type Publisher struct {
	writer messageWriter
	topic  string
	logger *logrus.Logger
}

// NewPublisher creates a synchronous writer for cfg.Topic
func NewPublisher(cfg config.KafkaConfig, logger *logrus.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker address")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              models.MaxBatchSize,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	logger.Infof("Writing to Kafka topic %s on %v", cfg.Topic, cfg.Brokers)
	return &Publisher{writer: writer, topic: cfg.Topic, logger: logger}, nil
}

// PublishBatch writes batch in a single WriteMessages call
func (p *Publisher) PublishBatch(ctx context.Context, batch models.Batch) error {
	msgs, err := toMessages(batch)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", p.topic, err)
	}

	p.logger.Debugf("Published %d events to %s", len(msgs), p.topic)
	return nil
}

func toMessages(batch models.Batch) ([]kafka.Message, error) {
	if len(batch) > models.MaxBatchSize {
		return nil, fmt.Errorf("%d events: %w", len(batch), models.ErrBatchTooLarge)
	}

	msgs := make([]kafka.Message, 0, len(batch))
	for _, event := range batch {
		value, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", event.Detail.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(event.Detail.ID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "detail-type", Value: []byte(event.DetailType)},
				{Key: "source", Value: []byte(event.Source)},
				{Key: "operation", Value: []byte(event.Detail.Operation)},
			},
		})
	}
	return msgs, nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
