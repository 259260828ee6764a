package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// appFlags are parsed before any command so that --env-file can populate the
// environment read by command flags and the Kafka and retry configs.
func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "Load environment variables from this file before reading configuration (existing variables win)",
			EnvVars: []string{"ENV_FILE"},
		},
	}
}

// runFlags returns all CLI flags for the publisher run command
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level when not verbose (debug, info, warn, error)",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "info",
		},
		&cli.StringFlag{
			Name:    "service-name",
			Usage:   "Service name used for the logger and metrics labels",
			EnvVars: []string{"SERVICE_NAME"},
			Value:   defaultServiceName,
		},
		// Input flags
		&cli.StringFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "JSON lines file to publish ('-' for stdin)",
			EnvVars: []string{"INPUT"},
			Value:   "-",
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "Maximum number of messages per publish call",
			EnvVars: []string{"BATCH_SIZE"},
			Value:   100,
		},
		&cli.DurationFlag{
			Name:    "batch-interval",
			Usage:   "Publish a partial batch after this long without filling it",
			EnvVars: []string{"BATCH_INTERVAL"},
			Value:   time.Second,
		},
		// Kafka flags; the remaining producer settings come from KAFKA_* variables
		&cli.StringFlag{
			Name:    "bootstrap-servers",
			Aliases: []string{"b"},
			Usage:   "Kafka bootstrap servers (comma-separated), overrides KAFKA_BOOTSTRAP_SERVERS",
		},
		&cli.StringFlag{
			Name:    "topic",
			Aliases: []string{"t"},
			Usage:   "Topic for input lines that do not name one",
			EnvVars: []string{"KAFKA_TOPIC"},
		},
		&cli.BoolFlag{
			Name:    "ensure-topic",
			Usage:   "Create --topic, or grow its partitions, before publishing",
			EnvVars: []string{"KAFKA_ENSURE_TOPIC"},
		},
		&cli.IntFlag{
			Name:    "topic-num-partitions",
			Usage:   "The number of partitions to use for the Kafka topic (must be greater than 0)",
			EnvVars: []string{"KAFKA_TOPIC_NUM_PARTITIONS"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "topic-replication-factor",
			Usage:   "The replication factor to use for the Kafka topic (must be greater than 0)",
			EnvVars: []string{"KAFKA_TOPIC_REPLICATION_FACTOR"},
			Value:   1,
		},
		&cli.DurationFlag{
			Name:    "topic-retention",
			Usage:   "Retention for a newly created topic (0 keeps the broker default)",
			EnvVars: []string{"KAFKA_TOPIC_RETENTION"},
		},
		// Metrics flags
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Aliases: []string{"R"},
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Aliases: []string{"P"},
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	}
}
