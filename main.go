package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"change-events/internal/binlog"
	"change-events/internal/config"
	"change-events/internal/eventbridge"
	"change-events/internal/kafka"
	"change-events/internal/nats"
	"change-events/internal/processor"
	"change-events/internal/routing"
	"change-events/internal/stream"
	"change-events/internal/telemetry"
)

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func newSource(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (processor.Source, func(), error) {
	if cfg.Source.Kind == config.SourceFile {
		logger.Infof("Reading change records from %d files", len(cfg.Source.Files))
		return stream.NewFileSource(cfg.Source.Files, logger), func() {}, nil
	}

	db, err := binlog.OpenDB(cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.User, cfg.MySQL.Password)
	if err != nil {
		return nil, nil, err
	}
	if err := binlog.NewChecker(db, logger).Check(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("MySQL validation failed: %w", err)
	}

	reader, err := binlog.NewReader(binlog.ReaderConfig{
		Host:          cfg.MySQL.Host,
		Port:          cfg.MySQL.Port,
		User:          cfg.MySQL.User,
		Password:      cfg.MySQL.Password,
		ServerID:      cfg.MySQL.ServerID,
		Flavor:        cfg.MySQL.Flavor,
		PositionFile:  cfg.Binlog.PositionFile,
		StartPosition: cfg.Binlog.StartPosition,
	}, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create binlog reader: %w", err)
	}

	columns, err := binlog.NewColumnResolver(db)
	if err != nil {
		reader.Close()
		db.Close()
		return nil, nil, err
	}

	source := binlog.NewSource(reader, columns, cfg.Binlog.MaxBurst, logger)
	return source, func() { db.Close() }, nil
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (processor.Publisher, error) {
	switch cfg.Bus.Kind {
	case config.BusKafka:
		return kafka.NewPublisher(cfg.Kafka, logger)
	case config.BusEventBridge:
		return eventbridge.NewPublisher(ctx, cfg.EventBridge, logger)
	default:
		return nats.NewPublisher(ctx, cfg.NATS, logger)
	}
}

func main() {
	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.Info("Starting change event service...")

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Fatalf("Change event service failed: %v", err)
	}
	logger.Info("Change event service stopped")
}

// run processes changes until the source is exhausted, ctx is cancelled or a
// signal arrives. Resources are released before it returns.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source, cleanup, err := newSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	defer cleanup()
	defer source.Close()

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s publisher: %w", cfg.Bus.Kind, err)
	}
	defer publisher.Close()

	transformer, err := processor.NewTransformer(cfg.Processor, logger)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	rules, err := routing.CompileAll(cfg.Routing.Rules)
	if err != nil {
		return fmt.Errorf("failed to compile routing rules: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics.Listen, registry, logger); err != nil {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	proc, err := processor.NewProcessor(processor.Options{
		Source:      source,
		Transformer: transformer,
		Enricher:    processor.NewEnricher(cfg.Bus.Metadata(), cfg.Publish.BatchSize),
		Dispatcher:  processor.NewDispatcher(publisher, cfg.Publish, metrics, logger),
		Rules:       rules,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Start processing in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- proc.Start(ctx)
	}()

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		return <-errChan
	case err := <-errChan:
		return err
	}
}
