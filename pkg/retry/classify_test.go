package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
)

type temporaryErr struct{ temporary bool }

func (e temporaryErr) Error() string   { return "temporary" }
func (e temporaryErr) Temporary() bool { return e.temporary }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "canceled", err: context.Canceled, expected: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, expected: false},
		{name: "wrapped canceled", err: fmt.Errorf("produce: %w", context.Canceled), expected: false},
		{name: "queue full", err: kafka.NewError(kafka.ErrQueueFull, "queue full", false), expected: true},
		{name: "all brokers down", err: kafka.NewError(kafka.ErrAllBrokersDown, "down", false), expected: true},
		{name: "transport", err: kafka.NewError(kafka.ErrTransport, "reset", false), expected: true},
		{name: "broker not available", err: kafka.NewError(kafka.ErrBrokerNotAvailable, "gone", false), expected: true},
		{name: "wrapped kafka error", err: fmt.Errorf("enqueue: %w", kafka.NewError(kafka.ErrQueueFull, "", false)), expected: true},
		{name: "fatal", err: kafka.NewError(kafka.ErrFatal, "fatal", true), expected: false},
		{name: "fatal with retriable code", err: kafka.NewError(kafka.ErrQueueFull, "fatal", true), expected: false},
		{name: "invalid message", err: kafka.NewError(kafka.ErrInvalidMsg, "bad", false), expected: false},
		{name: "unknown topic", err: kafka.NewError(kafka.ErrUnknownTopicOrPart, "nope", false), expected: false},
		{name: "authentication", err: kafka.NewError(kafka.ErrAuthentication, "denied", false), expected: false},
		{name: "temporary true", err: temporaryErr{temporary: true}, expected: true},
		{name: "temporary false", err: temporaryErr{temporary: false}, expected: false},
		{name: "plain error", err: errors.New("boom"), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}
