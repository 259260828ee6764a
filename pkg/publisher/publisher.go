package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/event-publisher/pkg/metrics"
)

const (
	// DefaultLabel names the publish operation for the retry executor.
	DefaultLabel = "kafka-publish"
	// DefaultFlushTimeout bounds how long disposal waits for pending messages.
	DefaultFlushTimeout = 10 * time.Second
)

var (
	errNilLogger   = errors.New("logger is required")
	errNilFactory  = errors.New("producer factory is required")
	errNilExecutor = errors.New("retry executor is required")
)

// Config holds the static publisher configuration.
type Config struct {
	// BootstrapServers is only used for log context.
	BootstrapServers string
	// FlushTimeout bounds the flush performed when the producer is disposed.
	// Zero means DefaultFlushTimeout.
	FlushTimeout time.Duration
}

// Option configures optional Publisher behavior.
type Option func(*Publisher)

// WithMetrics records publish and producer lifecycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithLabel overrides the operation label passed to the retry executor.
func WithLabel(label string) Option {
	return func(p *Publisher) {
		p.label = label
	}
}

// Publisher publishes batches of messages through a single lazily created
// producer. It is safe for concurrent use.
type Publisher struct {
	log     *zap.SugaredLogger
	factory ProducerFactory
	retrier RetryExecutor
	metrics *metrics.Metrics

	cfg   Config
	label string

	// mu guards producer and generation. Only creation and disposal take it;
	// Produce on an existing producer does not.
	mu         *semaphore.Weighted
	producer   Producer
	generation uint64
}

// New creates a Publisher. No producer is created until the first Publish.
func New(
	log *zap.SugaredLogger,
	factory ProducerFactory,
	retrier RetryExecutor,
	cfg Config,
	opts ...Option,
) (*Publisher, error) {
	switch {
	case log == nil:
		return nil, errNilLogger
	case factory == nil:
		return nil, errNilFactory
	case retrier == nil:
		return nil, errNilExecutor
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	p := &Publisher{
		log:     log,
		factory: factory,
		retrier: retrier,
		cfg:     cfg,
		label:   DefaultLabel,
		mu:      semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish enqueues every message in batch, in order, on the current producer.
//
// The whole "get producer, then enqueue" unit of work runs inside the retry
// executor, so transient failures may cause messages to be enqueued more than
// once. Enqueueing is asynchronous: a nil return means every message was handed
// to the producer, not that the broker acknowledged it.
//
// If ctx is canceled the context error is returned and the producer is left as
// is. Any other failure disposes the producer so the next call creates a new
// one, and is returned to the caller unchanged.
func (p *Publisher) Publish(ctx context.Context, batch Batch) error {
	start := time.Now()

	err := p.retrier.Execute(ctx, p.label, func(ctx context.Context) error {
		return p.produceMessages(ctx, batch)
	})

	switch {
	case err == nil:
		p.metrics.ObservePublish(metrics.StatusSuccess, len(batch), time.Since(start))
		return nil
	case isCanceled(err):
		p.metrics.ObservePublish(metrics.StatusCanceled, len(batch), time.Since(start))
		return err
	}

	// Disposal must run even though the caller's context may be about to end.
	p.reset(context.WithoutCancel(ctx))

	p.metrics.ObservePublish(metrics.StatusError, len(batch), time.Since(start))
	p.log.Errorw("failed to publish messages to kafka",
		"error", err,
		"messages", len(batch),
		"bootstrapServers", p.cfg.BootstrapServers,
	)
	return err
}

// Close flushes and closes the current producer, if any. It is safe to call
// multiple times. A later Publish creates a new producer.
func (p *Publisher) Close() {
	// Acquire cannot fail with a background context.
	_ = p.mu.Acquire(context.Background(), 1)
	defer p.mu.Release(1)

	p.disposeLocked()
}

func (p *Publisher) produceMessages(ctx context.Context, batch Batch) error {
	producer, err := p.getOrCreateProducer(ctx)
	if err != nil {
		return err
	}

	p.log.Debugw("publishing messages to kafka",
		"messages", len(batch),
		"bootstrapServers", p.cfg.BootstrapServers,
	)

	for _, m := range batch {
		if err := producer.Produce(m.toKafkaMessage()); err != nil {
			return err
		}
		p.metrics.IncMessagesEnqueued()
	}
	return nil
}

// getOrCreateProducer returns the current producer, creating it if needed.
// Waiting for the lock is interrupted by ctx.
func (p *Publisher) getOrCreateProducer(ctx context.Context) (Producer, error) {
	if err := p.mu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.mu.Release(1)

	if p.producer != nil {
		return p.producer, nil
	}

	producer, err := p.factory.CreateProducer()
	if err != nil {
		return nil, err
	}
	p.producer = producer
	p.generation++
	p.metrics.ProducerCreated()
	p.log.Infow("created kafka producer",
		"generation", p.generation,
		"bootstrapServers", p.cfg.BootstrapServers,
	)
	return producer, nil
}

// reset disposes the current producer after a failed publish.
func (p *Publisher) reset(ctx context.Context) {
	if err := p.mu.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.mu.Release(1)

	p.disposeLocked()
}

// disposeLocked flushes, closes and clears the producer. Callers must hold mu.
func (p *Publisher) disposeLocked() {
	if p.producer == nil {
		return
	}

	pending := p.producer.Flush(p.cfg.FlushTimeout)
	if pending > 0 {
		p.log.Warnw("flush incomplete, pending messages may be lost",
			"pending", pending,
			"generation", p.generation,
		)
	}
	p.producer.Close()
	p.producer = nil
	p.metrics.ProducerDisposed(pending)
	p.log.Infow("disposed kafka producer", "generation", p.generation)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
