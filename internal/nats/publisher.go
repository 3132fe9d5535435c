package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"change-events/internal/config"
	"change-events/internal/models"
)

// Message headers carried next to the event JSON
const (
	HeaderDetailType = "Detail-Type"
	HeaderSource     = "Source"
	HeaderRecordID   = "Record-Id"
)

// Publisher handles publishing event batches to NATS
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream // nil for core NATS
	subject string
	logger  *logrus.Logger
}

// NewPublisher connects to NATS. With JetStream enabled the stream covering
// "<subject>.>" is created or updated.
func NewPublisher(ctx context.Context, cfg config.NATSConfig, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("Connected to NATS at %s", cfg.URL)

	p := &Publisher{
		conn:    conn,
		subject: cfg.Subject,
		logger:  logger,
	}

	if cfg.JetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
		}
		logger.Infof("Using JetStream stream %s", cfg.Stream)
		p.js = js
	}

	return p, nil
}

// PublishBatch publishes every event of batch. Core NATS publishes are
// flushed before returning; JetStream publishes wait for each ack.
func (p *Publisher) PublishBatch(ctx context.Context, batch models.Batch) error {
	msgs, err := buildMessages(p.subject, batch)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if p.js != nil {
			if _, err := p.js.PublishMsg(ctx, msg); err != nil {
				return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
			}
			continue
		}
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish to NATS: %w", err)
		}
	}

	if p.js == nil {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("failed to flush NATS connection: %w", err)
		}
	}

	p.logger.Debugf("Published %d events to %s", len(msgs), p.subject)
	return nil
}

func buildMessages(subject string, batch models.Batch) ([]*nats.Msg, error) {
	if len(batch) > models.MaxBatchSize {
		return nil, fmt.Errorf("%d events: %w", len(batch), models.ErrBatchTooLarge)
	}

	msgs := make([]*nats.Msg, 0, len(batch))
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", event.Detail.ID, err)
		}

		msg := nats.NewMsg(eventSubject(subject, event.DetailType))
		msg.Data = data
		msg.Header.Set(HeaderDetailType, event.DetailType)
		msg.Header.Set(HeaderSource, event.Source)
		msg.Header.Set(HeaderRecordID, event.Detail.ID)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func eventSubject(subject, detailType string) string {
	if detailType == "" {
		return subject
	}
	return subject + "." + detailType
}

// Close closes the NATS connection
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
