package testutils

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
)

// MockProducer is a mock implementation of publisher.Producer for testing.
// Produced messages are recorded in order, including those that fail.
type MockProducer struct {
	mock.Mock
}

// Produce mocks the Produce method
func (m *MockProducer) Produce(msg *kafka.Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

// Flush mocks the Flush method
func (m *MockProducer) Flush(timeout time.Duration) int {
	args := m.Called(timeout)
	return args.Int(0)
}

// Close mocks the Close method
func (m *MockProducer) Close() {
	m.Called()
}

// ProducedMessages returns the messages passed to Produce, in call order.
func (m *MockProducer) ProducedMessages() []*kafka.Message {
	var msgs []*kafka.Message
	for _, call := range m.Calls {
		if call.Method == "Produce" {
			msgs = append(msgs, call.Arguments.Get(0).(*kafka.Message))
		}
	}
	return msgs
}
