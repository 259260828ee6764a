package publisher

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Producer is an open channel to the broker.
type Producer interface {
	// Produce enqueues msg for asynchronous delivery. It does not wait for a
	// delivery report.
	Produce(msg *kafka.Message) error

	// Flush waits up to timeout for outstanding messages to be delivered and
	// returns the number of messages still pending.
	Flush(timeout time.Duration) int

	// Close releases the producer. It must not be used afterwards.
	Close()
}

// ProducerFactory creates ready-to-use producers. It does not retry.
type ProducerFactory interface {
	CreateProducer() (Producer, error)
}

// RetryExecutor runs fn, retrying it according to its own policy.
//
// Execute must return the context error when ctx is canceled and otherwise
// surface the last error from fn unchanged once it gives up.
type RetryExecutor interface {
	Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error
}
