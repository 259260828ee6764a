package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/event-publisher/pkg/kafka"
	"github.com/ava-labs/event-publisher/pkg/metrics"
	"github.com/ava-labs/event-publisher/pkg/publisher"
	"github.com/ava-labs/event-publisher/pkg/retry"
	"github.com/ava-labs/event-publisher/pkg/utils"
)

func run(c *cli.Context) error {
	// Build configuration from CLI flags and environment
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.ServiceName, cfg.Verbose, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"input", cfg.Input,
		"batchSize", cfg.BatchSize,
		"batchInterval", cfg.BatchInterval,
		"bootstrapServers", cfg.Kafka.BootstrapServers,
		"clientID", cfg.Kafka.ClientID,
		"acks", cfg.Kafka.Acks,
		"compressionType", cfg.Kafka.CompressionType,
		"enableIdempotence", cfg.Kafka.EnableIdempotence,
		"flushTimeout", *cfg.Kafka.FlushTimeout,
		"saslEnabled", cfg.Kafka.SASL.Enabled(),
		"topic", cfg.Topic,
		"ensureTopic", cfg.EnsureTopic,
		"retryMaxRetries", cfg.Retry.MaxRetries,
		"retryInitialInterval", cfg.Retry.InitialInterval,
		"retryMaxInterval", cfg.Retry.MaxInterval,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Service:       cfg.ServiceName,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnsureTopic {
		if err := ensureTopic(ctx, cfg, sugar); err != nil {
			return err
		}
	}

	factory, err := kafka.NewProducerFactory(cfg.Kafka, sugar, kafka.WithProducerMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create producer factory: %w", err)
	}
	watched := newWatchedFactory(factory)

	executor, err := retry.New(cfg.Retry, sugar, retry.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create retry executor: %w", err)
	}

	pub, err := publisher.New(sugar, watched, executor, publisher.Config{
		BootstrapServers: cfg.Kafka.BootstrapServers,
		FlushTimeout:     *factory.Config().FlushTimeout,
	}, publisher.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer pub.Close()

	input, closeInput, err := openInput(cfg.Input)
	if err != nil {
		return err
	}
	defer closeInput() //nolint:errcheck // read-only file

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, metrics.WithHealthCheck(watched.Health))
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	// The reader is not part of the group: a blocked read on stdin must not
	// hold up shutdown.
	msgs := make(chan publisher.OutboundMessage, cfg.BatchSize)
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- readMessages(ctx, input, cfg.Topic, uuid.NewString, msgs, sugar)
	}()

	// runCtx ends when the input is fully published so the other goroutines stop.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancelRun()
		published, err := publishLoop(gctx, pub, msgs, cfg.BatchSize, cfg.BatchInterval)
		sugar.Infow("publishing stopped", "published", published)
		if err != nil {
			return err
		}
		return <-readErrCh
	})

	// Fatal producer error logging goroutine
	g.Go(func() error {
		return watchFatalErrors(gctx, watched.Fatal(), sugar)
	})

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	err = g.Wait()

	// Flush what was enqueued before reporting the outcome.
	pub.Close()

	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		return nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
		return err
	}

	sugar.Info("shutdown complete")
	return nil
}

func ensureTopic(ctx context.Context, cfg *Config, log *zap.SugaredLogger) error {
	adminClient, err := kafka.NewAdminClient(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer adminClient.Close()

	if err := kafka.EnsureTopic(ctx, adminClient, cfg.TopicConfig(), log); err != nil {
		return fmt.Errorf("failed to ensure kafka topic exists: %w", err)
	}
	return nil
}
