package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ava-labs/event-publisher/pkg/metrics"
)

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics records attempts and delays per operation label.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithClassifier replaces IsTransient as the retry decision.
func WithClassifier(isTransient func(error) bool) Option {
	return func(e *Executor) {
		e.isTransient = isTransient
	}
}

// Executor retries operations with exponential backoff.
// It is safe for concurrent use; every Execute call gets its own backoff state.
type Executor struct {
	cfg         Config
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	isTransient func(error) bool
}

// New creates an Executor using cfg, with defaults applied to unset fields.
func New(cfg Config, log *zap.SugaredLogger, opts ...Option) (*Executor, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:         cfg,
		log:         log,
		isTransient: IsTransient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs fn until it succeeds, fails with a non-transient error, ctx is
// done, or the policy is exhausted.
//
// On cancellation the context error is returned. Otherwise the error from the
// last attempt is returned as is.
func (e *Executor) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempt++
		err := fn(ctx)
		switch {
		case err == nil:
			e.metrics.ObserveRetryAttempt(label, metrics.StatusSuccess)
			return nil
		case ctx.Err() != nil:
			e.metrics.ObserveRetryAttempt(label, metrics.StatusCanceled)
			return backoff.Permanent(ctx.Err())
		case !e.isTransient(err):
			e.metrics.ObserveRetryAttempt(label, metrics.StatusError)
			return backoff.Permanent(err)
		default:
			e.metrics.ObserveRetryAttempt(label, metrics.StatusError)
			return err
		}
	}

	notify := func(err error, next time.Duration) {
		e.metrics.ObserveRetryDelay(label, next)
		e.log.Warnw("operation failed, retrying",
			"label", label,
			"attempt", attempt,
			"delay", next,
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(operation, b, notify)
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	b.Multiplier = e.cfg.Multiplier
	b.RandomizationFactor = *e.cfg.RandomizationFactor
	b.MaxElapsedTime = e.cfg.MaxElapsedTime
	b.Reset()
	return b
}
