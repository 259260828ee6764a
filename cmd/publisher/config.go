package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/event-publisher/pkg/kafka"
	"github.com/ava-labs/event-publisher/pkg/retry"
)

const defaultServiceName = "event-publisher"

// Config holds all configuration for the publisher application
type Config struct {
	// Application settings
	Verbose     bool
	LogLevel    string
	ServiceName string

	// Input settings
	Input         string
	BatchSize     int
	BatchInterval time.Duration

	// Kafka settings
	Kafka                  kafka.ProducerConfig
	Topic                  string
	EnsureTopic            bool
	TopicNumPartitions     int
	TopicReplicationFactor int
	TopicRetention         time.Duration

	// Retry settings
	Retry retry.Config

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// TopicConfig returns the settings used by --ensure-topic.
func (c *Config) TopicConfig() kafka.TopicConfig {
	tc := kafka.TopicConfig{
		Name:              c.Topic,
		NumPartitions:     c.TopicNumPartitions,
		ReplicationFactor: c.TopicReplicationFactor,
	}
	if c.TopicRetention > 0 {
		tc.Config = map[string]string{
			"retention.ms": strconv.FormatInt(c.TopicRetention.Milliseconds(), 10),
		}
	}
	return tc
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch-interval must be greater than 0, got %s", c.BatchInterval)
	}
	if c.EnsureTopic {
		if c.Topic == "" {
			return errors.New("ensure-topic requires --topic")
		}
		if err := c.TopicConfig().Validate(); err != nil {
			return fmt.Errorf("invalid topic settings: %w", err)
		}
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("invalid kafka config: %w", err)
	}
	return c.Retry.Validate()
}

// buildConfig builds a Config from CLI context flags and the KAFKA_* and
// RETRY_* environment variables
func buildConfig(c *cli.Context) (*Config, error) {
	kafkaCfg, err := kafka.LoadProducerConfig()
	if err != nil {
		return nil, err
	}
	if c.IsSet("bootstrap-servers") {
		kafkaCfg.BootstrapServers = c.String("bootstrap-servers")
	}

	retryCfg, err := retry.LoadConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:                c.Bool("verbose"),
		LogLevel:               c.String("log-level"),
		ServiceName:            c.String("service-name"),
		Input:                  c.String("input"),
		BatchSize:              c.Int("batch-size"),
		BatchInterval:          c.Duration("batch-interval"),
		Kafka:                  kafkaCfg,
		Topic:                  c.String("topic"),
		EnsureTopic:            c.Bool("ensure-topic"),
		TopicNumPartitions:     c.Int("topic-num-partitions"),
		TopicReplicationFactor: c.Int("topic-replication-factor"),
		TopicRetention:         c.Duration("topic-retention"),
		Retry:                  retryCfg,
		MetricsHost:            c.String("metrics-host"),
		MetricsPort:            c.Int("metrics-port"),
		Environment:            c.String("environment"),
		Region:                 c.String("region"),
		CloudProvider:          c.String("cloud-provider"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
