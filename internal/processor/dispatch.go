package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"change-events/internal/config"
	"change-events/internal/models"
	"change-events/internal/telemetry"
)

// Publisher delivers a batch of enriched events to the bus in one call
type Publisher interface {
	PublishBatch(ctx context.Context, batch models.Batch) error
	Close() error
}

// Dispatcher sends the batches of a burst concurrently, retrying each batch
// as a unit. Batches are not ordered relative to one another.
type Dispatcher struct {
	publisher Publisher
	config    config.PublishConfig
	metrics   *telemetry.Metrics
	logger    *logrus.Logger
}

// NewDispatcher creates a dispatcher delivering through publisher
func NewDispatcher(publisher Publisher, cfg config.PublishConfig, metrics *telemetry.Metrics, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		config:    cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Dispatch publishes every batch. The first batch to exhaust its retries
// cancels the rest and its error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, batches []models.Batch) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.config.Concurrency, 1))

	for i, b := range batches {
		g.Go(func() error {
			if err := d.publishWithRetry(ctx, i, b); err != nil {
				d.metrics.BatchFailures.Inc()
				return err
			}
			d.metrics.BatchesPublished.Inc()
			d.metrics.EventsPublished.Add(float64(len(b)))
			d.metrics.BatchSize.Observe(float64(len(b)))
			return nil
		})
	}
	return g.Wait()
}

// publishWithRetry publishes one batch with exponential backoff
func (d *Dispatcher) publishWithRetry(ctx context.Context, index int, b models.Batch) error {
	delay := d.config.RetryInitial
	attempts := 0

	for {
		err := d.publisher.PublishBatch(ctx, b)
		if err == nil {
			d.logger.Debugf("Published batch %d (%d events)", index, len(b))
			return nil
		}

		if errors.Is(err, models.ErrBatchTooLarge) {
			return fmt.Errorf("batch %d: %w", index, err)
		}

		attempts++
		if d.config.MaxRetries > 0 && attempts >= d.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for batch %d: %w", d.config.MaxRetries, index, err)
		}

		d.logger.WithFields(logrus.Fields{
			"batch":       index,
			"events":      len(b),
			"attempt":     attempts,
			"retry_delay": delay,
		}).Warnf("Failed to publish batch, retrying: %v", err)
		d.metrics.PublishRetries.Inc()

		if !sleep(ctx, delay) {
			return fmt.Errorf("batch %d abandoned: %w", index, ctx.Err())
		}

		delay = time.Duration(float64(delay) * d.config.RetryMultiplier)
		if d.config.RetryMax > 0 && delay > d.config.RetryMax {
			delay = d.config.RetryMax
		}
	}
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
