package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"change-events/internal/models"
	"change-events/internal/routing"
	"change-events/internal/telemetry"
)

// Source yields bursts of change records. Next returns io.EOF once the
// source is exhausted. Ack commits the position of the last burst returned.
type Source interface {
	Next(ctx context.Context) ([]models.ChangeRecord, error)
	Ack() error
	Close() error
}

// Processor moves bursts from a source through transformation and enrichment
// to the bus
type Processor struct {
	source      Source
	transformer *Transformer
	enricher    *Enricher
	dispatcher  *Dispatcher
	rules       []*routing.Rule
	metrics     *telemetry.Metrics
	logger      *logrus.Logger
}

// Options wires the collaborators of a Processor
type Options struct {
	Source      Source
	Transformer *Transformer // optional
	Enricher    *Enricher
	Dispatcher  *Dispatcher
	Rules       []*routing.Rule // optional, logged at debug level for each event
	Metrics     *telemetry.Metrics
	Logger      *logrus.Logger
}

// NewProcessor creates a processor from opts
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if opts.Enricher == nil {
		return nil, fmt.Errorf("enricher is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Processor{
		source:      opts.Source,
		transformer: opts.Transformer,
		enricher:    opts.Enricher,
		dispatcher:  opts.Dispatcher,
		rules:       opts.Rules,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}, nil
}

// Start processes bursts until the source is exhausted or ctx is cancelled.
// A burst that cannot be delivered stops processing without being acked, so
// it is read again on restart.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting change processor...")

	for {
		records, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Context cancelled, stopping change processor")
				return nil
			}
			if errors.Is(err, io.EOF) {
				p.logger.Info("Source exhausted, stopping change processor")
				return nil
			}
			p.logger.Errorf("Error reading change records: %v", err)
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := p.Handle(ctx, records); err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Context cancelled, stopping change processor")
				return nil
			}
			return fmt.Errorf("failed to deliver burst of %d records: %w", len(records), err)
		}
		if err := p.source.Ack(); err != nil {
			p.logger.Warnf("Failed to commit source position: %v", err)
		}
	}
}

// Handle transforms, enriches and dispatches a single burst
func (p *Processor) Handle(ctx context.Context, records []models.ChangeRecord) error {
	p.metrics.RecordsReceived.Add(float64(len(records)))

	accepted := make([]models.ChangeRecord, 0, len(records))
	for _, record := range records {
		if p.transformer != nil {
			transformed, err := p.transformer.Transform(record)
			if errors.Is(err, ErrRecordRejected) {
				p.metrics.RecordsRejected.Inc()
				continue
			}
			if err != nil {
				// A broken transform must not lose the record
				p.logger.Errorf("Error transforming record %s, publishing it unchanged: %v", record.ID, err)
			} else {
				record = transformed
			}
		}

		if record.Malformed() {
			p.metrics.RecordsMalformed.Inc()
			p.logger.Warnf("Malformed %s record %s (table: %s), publishing with no changed fields",
				record.Operation, record.ID, record.Table)
		}
		accepted = append(accepted, record)
	}

	batches, err := p.enricher.Enrich(accepted)
	if err != nil {
		return fmt.Errorf("failed to enrich records: %w", err)
	}

	if len(p.rules) > 0 && p.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, b := range batches {
			for _, event := range b {
				if names := routing.Matching(p.rules, event); len(names) > 0 {
					p.logger.Debugf("Event %s (%s) matches rules %v", event.Detail.ID, event.Detail.Operation, names)
				}
			}
		}
	}

	if err := p.dispatcher.Dispatch(ctx, batches); err != nil {
		return err
	}

	p.logger.Infof("Processed %d records in %d batches (%d rejected)",
		len(accepted), len(batches), len(records)-len(accepted))
	return nil
}
