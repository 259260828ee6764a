package kafka

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/event-publisher/pkg/metrics"
)

// ErrProducerClosed is returned by Produce after Close.
var ErrProducerClosed = errors.New("kafka producer closed")

// client is the subset of *kafka.Producer used by Producer.
type client interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Logs() chan kafka.LogEvent
	Flush(timeoutMs int) int
	Close()
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducerMetrics records delivery reports and client errors.
func WithProducerMetrics(m *metrics.Metrics) ProducerOption {
	return func(p *Producer) {
		p.metrics = m
	}
}

// Producer is an asynchronous Kafka producer.
//
// Produce only enqueues; delivery reports are consumed by a background
// goroutine that logs and counts them. Once the client reports a fatal error
// the producer is unusable: Produce returns that error and the error is sent
// on Errors.
//
// Events and client logs are drained until Close, including after a fatal
// error: the client counts undrained events as pending, so Flush would
// otherwise wait out its full timeout.
//
// Flush should be called before Close to deliver in-flight messages. Close
// MUST be called to stop background goroutines.
type Producer struct {
	client     client
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once

	mu       sync.RWMutex
	closed   bool
	fatalErr error
}

// NewProducer creates a Kafka producer from conf.
func NewProducer(
	conf *kafka.ConfigMap,
	log *zap.SugaredLogger,
	opts ...ProducerOption,
) (*Producer, error) {
	logsChEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, err
	}

	return newProducer(p, logsChEnabled.(bool), log, opts...), nil
}

func newProducer(
	c client,
	logsEnabled bool,
	log *zap.SugaredLogger,
	opts ...ProducerOption,
) *Producer {
	q := &Producer{
		client:     c,
		log:        log,
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		errCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	if logsEnabled {
		go q.printKafkaLogs()
	} else {
		close(q.logsDone)
	}

	go q.monitorProducerEvents()

	return q
}

// Produce enqueues msg without waiting for delivery.
//
// The error returned by the client is passed through unchanged, e.g. a
// kafka.Error with code ErrQueueFull when the local queue is full.
func (q *Producer) Produce(msg *kafka.Message) error {
	// Held across the client call so Close cannot close the client underneath it.
	q.mu.RLock()
	defer q.mu.RUnlock()

	switch {
	case q.closed:
		return ErrProducerClosed
	case q.fatalErr != nil:
		return q.fatalErr
	}

	return q.client.Produce(msg, nil)
}

// Flush waits up to timeout for in-flight messages to be delivered and
// returns the number of messages still pending.
func (q *Producer) Flush(timeout time.Duration) int {
	return q.client.Flush(int(timeout.Milliseconds()))
}

// Close stops background goroutines and closes the client.
// Messages not yet delivered are dropped; call Flush first.
//
// Calling Close multiple times does nothing.
func (q *Producer) Close() {
	q.once.Do(func() {
		q.log.Info("closing kafka producer")
		defer close(q.errCh)

		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		// Signal the monitor or logs goroutines to stop.
		close(q.closedCh)

		// Wait for the monitor or logs goroutines to stop.
		<-q.eventsDone
		<-q.logsDone

		q.client.Close()
		q.log.Info("kafka producer closed")
	})
}

// Errors returns a channel that receives at most one fatal error.
// The channel is closed when the producer shuts down.
// Non-fatal Kafka errors are logged and ignored.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

func (q *Producer) printKafkaLogs() {
	defer close(q.logsDone)
	for {
		select {
		case <-q.closedCh:
			q.log.Info("stopping kafka logs printing, done channel closed")
			return
		case log, ok := <-q.client.Logs():
			if !ok {
				q.log.Info("kafka logs printing, event channel closed")
				return
			}
			q.log.Debugf("level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}

func (q *Producer) monitorProducerEvents() {
	defer close(q.eventsDone)
	for {
		select {
		case <-q.closedCh:
			q.log.Info("stopping kafka producer events monitoring, done channel closed")
			return
		case ev, ok := <-q.client.Events():
			if !ok {
				q.fail(errors.New("kafka producer events monitoring, event channel closed"))
				return
			}

			switch e := ev.(type) {
			case *kafka.Message:
				q.handleDeliveryReport(e)
			case kafka.Error:
				q.metrics.IncKafkaError(e.IsFatal())
				if e.IsFatal() {
					q.log.Errorw("fatal kafka producer error", "code", e.Code(), "error", e)
					q.fail(e)
					continue
				}
				q.log.Warnf("ignoring non-fatal kafka error: %#x, %v", e.Code(), e)
			case kafka.Stats:
				q.log.Debugf("kafka stats event received %s", e.String())
			default:
				q.log.Warnf("Unknown event: %+v", e)
			}
		}
	}
}

func (q *Producer) handleDeliveryReport(m *kafka.Message) {
	if err := m.TopicPartition.Error; err != nil {
		q.metrics.IncDelivery(metrics.StatusError)
		q.log.Warnw("failed to deliver message",
			"topic", topicName(m.TopicPartition),
			"partition", m.TopicPartition.Partition,
			"error", err,
		)
		return
	}

	q.metrics.IncDelivery(metrics.StatusSuccess)
	q.log.Debugf("delivered to topic [%s] partition [%d] at offset [%v]",
		topicName(m.TopicPartition), m.TopicPartition.Partition, m.TopicPartition.Offset)
}

// fail marks the producer unusable and reports err on the error channel.
// Only the first error is kept and reported.
func (q *Producer) fail(err error) {
	q.mu.Lock()
	first := q.fatalErr == nil
	if first {
		q.fatalErr = err
	}
	q.mu.Unlock()

	if !first {
		q.log.Warnw("ignoring fatal kafka error after the first", "error", err)
		return
	}

	select {
	case q.errCh <- err:
	default:
		q.log.Warnf("error channel is full, should not happen: %v", err)
	}
}

func topicName(tp kafka.TopicPartition) string {
	if tp.Topic == nil {
		return ""
	}
	return *tp.Topic
}
