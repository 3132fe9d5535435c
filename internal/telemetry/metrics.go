package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "change_events"

// Metrics holds the pipeline counters
type Metrics struct {
	RecordsReceived  prometheus.Counter
	RecordsRejected  prometheus.Counter
	RecordsMalformed prometheus.Counter
	EventsPublished  prometheus.Counter
	BatchesPublished prometheus.Counter
	BatchFailures    prometheus.Counter
	PublishRetries   prometheus.Counter
	BatchSize        prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Change records read from the source.",
		}),
		RecordsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Change records dropped by the transformer.",
		}),
		RecordsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_malformed_total",
			Help:      "Change records enriched with an empty field list because their images did not fit the operation.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Enriched events delivered to the bus.",
		}),
		BatchesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_published_total",
			Help:      "Batches delivered to the bus.",
		}),
		BatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Batches that exhausted their retries.",
		}),
		PublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Batch publish attempts that failed and were retried.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Events per delivered batch.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
}

// Serve exposes the metrics of gatherer on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shut down metrics server: %v", err)
		}
	}()

	logger.Infof("Serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
