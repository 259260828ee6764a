package retry

import (
	"context"
	"errors"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// IsTransient reports whether err is worth retrying.
//
// Context errors are never transient. Kafka errors are transient when the
// client marks them retriable or timed out, or for codes caused by broker
// availability and a full local queue; fatal Kafka errors never are. Errors
// exposing Temporary() are trusted. Anything else is treated as transient,
// since the number of attempts is bounded anyway.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var kErr kafka.Error
	if errors.As(err, &kErr) {
		return isTransientKafkaError(kErr)
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	return true
}

func isTransientKafkaError(err kafka.Error) bool {
	if err.IsFatal() {
		return false
	}
	if err.IsRetriable() || err.IsTimeout() {
		return true
	}

	switch err.Code() {
	case kafka.ErrQueueFull,
		kafka.ErrTransport,
		kafka.ErrAllBrokersDown,
		kafka.ErrBrokerNotAvailable,
		kafka.ErrLeaderNotAvailable,
		kafka.ErrNotLeaderForPartition,
		kafka.ErrRequestTimedOut,
		kafka.ErrTimedOut,
		kafka.ErrNetworkException:
		return true
	default:
		return false
	}
}
