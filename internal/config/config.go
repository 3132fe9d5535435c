package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"change-events/internal/models"
	"change-events/internal/routing"
)

const (
	SourceBinlog = "binlog"
	SourceFile   = "file"

	BusNATS        = "nats"
	BusKafka       = "kafka"
	BusEventBridge = "eventbridge"
)

type Config struct {
	Source      SourceConfig      `yaml:"source"`
	MySQL       MySQLConfig       `yaml:"mysql"`
	Binlog      BinlogConfig      `yaml:"binlog"`
	Bus         BusConfig         `yaml:"bus"`
	Publish     PublishConfig     `yaml:"publish"`
	NATS        NATSConfig        `yaml:"nats"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	EventBridge EventBridgeConfig `yaml:"eventbridge"`
	Processor   *ProcessorConfig  `yaml:"processor"`
	Routing     RoutingConfig     `yaml:"routing"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type SourceConfig struct {
	Kind  string   `yaml:"kind"`  // binlog, file
	Files []string `yaml:"files"` // stream event files, one burst each
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"` // mysql, mariadb
}

type BinlogConfig struct {
	PositionFile  string `yaml:"position_file"`
	StartPosition uint32 `yaml:"start_position"`
	MaxBurst      int    `yaml:"max_burst"` // Flush a transaction early past this many records
}

// BusConfig selects the delivery channel and the static metadata stamped on events
type BusConfig struct {
	Kind       string `yaml:"kind"` // nats, kafka, eventbridge
	Name       string `yaml:"name"`
	DetailType string `yaml:"detail_type"`
	Source     string `yaml:"source"`
}

// Metadata returns the routing metadata for enriched events
func (b BusConfig) Metadata() models.Metadata {
	return models.Metadata{
		BusName:    b.Name,
		DetailType: b.DetailType,
		Source:     b.Source,
	}
}

type PublishConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	MaxRetries      int           `yaml:"max_retries"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	JetStream     bool          `yaml:"jetstream"`
	Stream        string        `yaml:"stream"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EventBridgeConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // Override for local emulators
}

// ProcessorConfig configures the optional record transformation step
type ProcessorConfig struct {
	Enabled bool            `yaml:"enabled"`
	Script  string          `yaml:"script"` // JavaScript file exporting a transform function
	Rules   []ProcessorRule `yaml:"rules"`
}

// ProcessorRule reshapes the images of records from matching tables
type ProcessorRule struct {
	Table   string            `yaml:"table"` // Glob, empty matches all
	Include []string          `yaml:"include"`
	Exclude []string          `yaml:"exclude"`
	Rename  map[string]string `yaml:"rename"`
}

type RoutingConfig struct {
	Rules []routing.Pattern `yaml:"rules"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9090", empty disables
}

// Load reads, defaults and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourceBinlog
	}
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = "mysql"
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.Binlog.PositionFile == "" {
		c.Binlog.PositionFile = "binlog.pos"
	}
	if c.Binlog.MaxBurst == 0 {
		c.Binlog.MaxBurst = 1000
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = BusNATS
	}
	if c.Bus.Name == "" {
		c.Bus.Name = "data-change-events"
	}
	if c.Bus.DetailType == "" {
		c.Bus.DetailType = "data-change"
	}
	if c.Publish.BatchSize == 0 {
		c.Publish.BatchSize = models.MaxBatchSize
	}
	if c.Publish.Concurrency == 0 {
		c.Publish.Concurrency = 4
	}
	if c.Publish.RetryInitial == 0 {
		c.Publish.RetryInitial = 100 * time.Millisecond
	}
	if c.Publish.RetryMax == 0 {
		c.Publish.RetryMax = 30 * time.Second
	}
	if c.Publish.RetryMultiplier == 0 {
		c.Publish.RetryMultiplier = 2.0
	}
	if c.Publish.MaxRetries == 0 {
		c.Publish.MaxRetries = 10
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = c.Bus.Name
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "CHANGE_EVENTS"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = c.Bus.Name
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceBinlog:
		if c.MySQL.Host == "" {
			return fmt.Errorf("mysql.host is required for the binlog source")
		}
		if c.MySQL.ServerID == 0 {
			return fmt.Errorf("mysql.server_id is required for the binlog source")
		}
	case SourceFile:
		if len(c.Source.Files) == 0 {
			return fmt.Errorf("source.files is required for the file source")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	switch c.Bus.Kind {
	case BusNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats bus")
		}
	case BusKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka bus")
		}
	case BusEventBridge:
	default:
		return fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}

	if c.Bus.Source == "" {
		return fmt.Errorf("bus.source is required")
	}
	if c.Publish.BatchSize < 1 || c.Publish.BatchSize > models.MaxBatchSize {
		return fmt.Errorf("publish.batch_size must be between 1 and %d, got %d", models.MaxBatchSize, c.Publish.BatchSize)
	}
	if c.Publish.Concurrency < 1 {
		return fmt.Errorf("publish.concurrency must be positive, got %d", c.Publish.Concurrency)
	}

	if c.Processor != nil && c.Processor.Enabled {
		if c.Processor.Script != "" && len(c.Processor.Rules) > 0 {
			return fmt.Errorf("cannot specify both 'processor.script' and 'processor.rules'")
		}
		for i, rule := range c.Processor.Rules {
			if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
				return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
			}
		}
	}

	if _, err := routing.CompileAll(c.Routing.Rules); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	return nil
}
