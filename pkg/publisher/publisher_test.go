package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/event-publisher/pkg/kafka/testutils"
	"github.com/ava-labs/event-publisher/pkg/metrics"
	"github.com/ava-labs/event-publisher/pkg/retry"
)

const publishFailedMsg = "failed to publish messages to kafka"

var errBroker = errors.New("broker unavailable")

type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) CreateProducer() (Producer, error) {
	args := m.Called()
	p, _ := args.Get(0).(Producer)
	return p, args.Error(1)
}

// attemptRetrier runs fn up to attempts times and returns the last error.
type attemptRetrier struct {
	attempts int
}

func (r attemptRetrier) Execute(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < r.attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

type retrierFunc func(ctx context.Context, label string, fn func(ctx context.Context) error) error

func (f retrierFunc) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	return f(ctx, label, fn)
}

func newMockProducer() *testutils.MockProducer {
	p := &testutils.MockProducer{}
	p.On("Flush", DefaultFlushTimeout).Return(0)
	p.On("Close").Return()
	return p
}

func newTestPublisher(t *testing.T, factory ProducerFactory, retrier RetryExecutor, opts ...Option) *Publisher {
	t.Helper()
	p, err := New(testutils.NewTestLogger(t), factory, retrier, Config{BootstrapServers: "localhost:9092"}, opts...)
	require.NoError(t, err)
	return p
}

func traceBatch(n int) Batch {
	batch := make(Batch, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, NewOutboundMessage(
			NewRoutingTarget("orders", kafka.PartitionAny),
			fmt.Sprintf("order-%d", i),
			fmt.Sprintf(`{"id":%d}`, i),
			NewMetadata("trace-id", "abc"),
		))
	}
	return batch
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := testutils.NewTestLogger(t)
	factory := &mockFactory{}
	retrier := attemptRetrier{attempts: 1}

	tests := []struct {
		name    string
		build   func() (*Publisher, error)
		wantErr error
	}{
		{
			name:    "nil logger",
			build:   func() (*Publisher, error) { return New(nil, factory, retrier, Config{}) },
			wantErr: errNilLogger,
		},
		{
			name:    "nil factory",
			build:   func() (*Publisher, error) { return New(log, nil, retrier, Config{}) },
			wantErr: errNilFactory,
		},
		{
			name:    "nil retry executor",
			build:   func() (*Publisher, error) { return New(log, factory, nil, Config{}) },
			wantErr: errNilExecutor,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.build()
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, p)
		})
	}
}

func TestNew_DoesNotCreateProducer(t *testing.T) {
	factory := &mockFactory{}
	newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	factory.AssertNotCalled(t, "CreateProducer")
}

func TestPublish_EnqueuesEachMessageWithHeaders(t *testing.T) {
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})
	batch := traceBatch(3)

	require.NoError(t, p.Publish(context.Background(), batch))

	sent := producer.ProducedMessages()
	require.Len(t, sent, 3)
	for i, km := range sent {
		assert.Equal(t, "orders", *km.TopicPartition.Topic)
		assert.Equal(t, []byte(batch[i].RoutingKey()), km.Key)
		assert.Equal(t, []byte(batch[i].Payload()), km.Value)
		assert.Equal(t, []kafka.Header{{Key: "trace-id", Value: []byte("abc")}}, km.Headers)
	}
	factory.AssertNumberOfCalls(t, "CreateProducer", 1)
	producer.AssertNotCalled(t, "Flush", mock.Anything)
	producer.AssertNotCalled(t, "Close")
}

func TestPublish_HeadersKeepMetadataOrder(t *testing.T) {
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil)

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})
	msg := NewOutboundMessage(NewRoutingTarget("orders", 1), "k", "v",
		NewMetadata("trace-id", "abc", "source", "billing", "attempt", "1"))

	require.NoError(t, p.Publish(context.Background(), Batch{msg}))

	sent := producer.ProducedMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, []kafka.Header{
		{Key: "trace-id", Value: []byte("abc")},
		{Key: "source", Value: []byte("billing")},
		{Key: "attempt", Value: []byte("1")},
	}, sent[0].Headers)
	assert.Equal(t, int32(1), sent[0].TopicPartition.Partition)
}

func TestPublish_EmptyBatchCreatesProducerWithoutEnqueue(t *testing.T) {
	producer := newMockProducer()
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	require.NoError(t, p.Publish(context.Background(), nil))
	require.NoError(t, p.Publish(context.Background(), Batch{}))

	factory.AssertNumberOfCalls(t, "CreateProducer", 1)
	producer.AssertNotCalled(t, "Produce", mock.Anything)
}

func TestPublish_ReusesProducer(t *testing.T) {
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(context.Background(), traceBatch(2)))
	}

	factory.AssertNumberOfCalls(t, "CreateProducer", 1)
	producer.AssertNumberOfCalls(t, "Produce", 6)
}

func TestPublish_ConcurrentFirstCallsCreateOnce(t *testing.T) {
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(producer, nil)

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	const callers = 10
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- p.Publish(context.Background(), traceBatch(1))
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	factory.AssertNumberOfCalls(t, "CreateProducer", 1)
	producer.AssertNumberOfCalls(t, "Produce", callers)
}

func TestPublish_FactoryFailsOnceThenRetrySucceeds(t *testing.T) {
	log, logs := testutils.NewObservedLogger(zapcore.ErrorLevel)
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(nil, errBroker).Once()
	factory.On("CreateProducer").Return(producer, nil).Once()

	p, err := New(log, factory, attemptRetrier{attempts: 2}, Config{})
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), traceBatch(3)))

	factory.AssertNumberOfCalls(t, "CreateProducer", 2)
	producer.AssertNumberOfCalls(t, "Produce", 3)
	producer.AssertNotCalled(t, "Close")
	assert.Zero(t, logs.Len(), "a recovered failure is not logged as an error")
}

func TestPublish_RetriesExhaustedDisposesProducer(t *testing.T) {
	log, logs := testutils.NewObservedLogger(zapcore.ErrorLevel)
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(errBroker)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil).Once()

	p, err := New(log, factory, attemptRetrier{attempts: 3}, Config{})
	require.NoError(t, err)

	err = p.Publish(context.Background(), traceBatch(2))

	assert.Same(t, errBroker, err, "the original error reaches the caller unwrapped")
	producer.AssertNumberOfCalls(t, "Produce", 3)
	producer.AssertNumberOfCalls(t, "Flush", 1)
	producer.AssertNumberOfCalls(t, "Close", 1)

	entries := logs.FilterMessage(publishFailedMsg).All()
	require.Len(t, entries, 1)
	assert.Equal(t, errBroker.Error(), entries[0].ContextMap()["error"])
}

func TestPublish_FactoryFailureIsTerminal(t *testing.T) {
	log, logs := testutils.NewObservedLogger(zapcore.ErrorLevel)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(nil, errBroker)

	p, err := New(log, factory, attemptRetrier{attempts: 2}, Config{})
	require.NoError(t, err)

	err = p.Publish(context.Background(), traceBatch(1))

	assert.Same(t, errBroker, err)
	factory.AssertNumberOfCalls(t, "CreateProducer", 2)
	assert.Equal(t, 1, logs.FilterMessage(publishFailedMsg).Len())
}

func TestPublish_FreshProducerAfterTerminalFailure(t *testing.T) {
	first := newMockProducer()
	first.On("Produce", mock.Anything).Return(errBroker)
	second := newMockProducer()
	second.On("Produce", mock.Anything).Return(nil)

	factory := &mockFactory{}
	factory.On("CreateProducer").Return(first, nil).Once()
	factory.On("CreateProducer").Return(second, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	require.ErrorIs(t, p.Publish(context.Background(), traceBatch(1)), errBroker)
	require.NoError(t, p.Publish(context.Background(), traceBatch(1)))

	factory.AssertNumberOfCalls(t, "CreateProducer", 2)
	first.AssertNumberOfCalls(t, "Close", 1)
	second.AssertNumberOfCalls(t, "Produce", 1)
	second.AssertNotCalled(t, "Close")
}

type callerKey struct{}

func TestPublish_RetryRecreatesProducerDisposedByAnotherCaller(t *testing.T) {
	first := newMockProducer()
	first.On("Produce", mock.Anything).Return(errBroker)
	second := newMockProducer()
	second.On("Produce", mock.Anything).Return(nil)

	factory := &mockFactory{}
	factory.On("CreateProducer").Return(first, nil).Once()
	factory.On("CreateProducer").Return(second, nil).Once()

	firstAttemptFailed := make(chan struct{})
	otherCallerDone := make(chan struct{})

	// The retrying caller makes one attempt, waits for the other caller to
	// fail terminally, then attempts again. The other caller gets one attempt.
	retrier := retrierFunc(func(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
		if ctx.Value(callerKey{}) != "retrying" {
			return fn(ctx)
		}
		if err := fn(ctx); err == nil {
			return nil
		}
		close(firstAttemptFailed)
		<-otherCallerDone
		return fn(ctx)
	})
	p := newTestPublisher(t, factory, retrier)

	retried := make(chan error, 1)
	go func() {
		ctx := context.WithValue(context.Background(), callerKey{}, "retrying")
		retried <- p.Publish(ctx, traceBatch(1))
	}()

	<-firstAttemptFailed
	require.ErrorIs(t, p.Publish(context.Background(), traceBatch(1)), errBroker)
	first.AssertNumberOfCalls(t, "Close", 1)
	close(otherCallerDone)

	select {
	case err := <-retried:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retrying publish did not return")
	}

	factory.AssertNumberOfCalls(t, "CreateProducer", 2)
	first.AssertNumberOfCalls(t, "Produce", 2)
	second.AssertNumberOfCalls(t, "Produce", 1)
	second.AssertNotCalled(t, "Close")
	assert.Equal(t, uint64(2), p.generation)
}

func TestPublish_FailureWithoutProducerSkipsDispose(t *testing.T) {
	factory := &mockFactory{}
	p := newTestPublisher(t, factory, retrierFunc(func(context.Context, string, func(context.Context) error) error {
		return errBroker
	}))

	require.ErrorIs(t, p.Publish(context.Background(), traceBatch(1)), errBroker)
	factory.AssertNotCalled(t, "CreateProducer")
}

func TestPublish_CancellationKeepsProducer(t *testing.T) {
	log, logs := testutils.NewObservedLogger(zapcore.ErrorLevel)
	producer := newMockProducer()
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil).Once()

	p, err := New(log, factory, attemptRetrier{attempts: 3}, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	producer.On("Produce", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(kafka.NewError(kafka.ErrQueueFull, "Local: Queue full", false)).
		Once()
	producer.On("Produce", mock.Anything).Return(nil)

	err = p.Publish(ctx, traceBatch(2))
	require.ErrorIs(t, err, context.Canceled)

	producer.AssertNotCalled(t, "Flush", mock.Anything)
	producer.AssertNotCalled(t, "Close")
	assert.Zero(t, logs.Len(), "cancellation is not an error")

	// The same producer serves the next call.
	require.NoError(t, p.Publish(context.Background(), traceBatch(2)))
	factory.AssertNumberOfCalls(t, "CreateProducer", 1)
}

func TestPublish_CancellationErrorsAreNotTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "canceled", err: context.Canceled},
		{name: "deadline exceeded", err: context.DeadlineExceeded},
		{name: "wrapped", err: fmt.Errorf("produce aborted: %w", context.Canceled)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, logs := testutils.NewObservedLogger(zapcore.ErrorLevel)
			producer := newMockProducer()
			producer.On("Produce", mock.Anything).Return(nil)
			factory := &mockFactory{}
			factory.On("CreateProducer").Return(producer, nil)

			calls := 0
			retrier := retrierFunc(func(ctx context.Context, _ string, fn func(context.Context) error) error {
				calls++
				if calls == 1 {
					return fn(ctx)
				}
				return tt.err
			})
			p, err := New(log, factory, retrier, Config{})
			require.NoError(t, err)

			require.NoError(t, p.Publish(context.Background(), traceBatch(1)))
			err = p.Publish(context.Background(), traceBatch(1))

			assert.Equal(t, tt.err, err)
			producer.AssertNotCalled(t, "Close")
			assert.Zero(t, logs.Len())
		})
	}
}

func TestPublish_CanceledWhileWaitingForLock(t *testing.T) {
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)

	creating := make(chan struct{})
	release := make(chan struct{})
	factory := &mockFactory{}
	factory.On("CreateProducer").
		Run(func(mock.Arguments) {
			close(creating)
			<-release
		}).
		Return(producer, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- p.Publish(context.Background(), traceBatch(1))
	}()
	<-creating

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, traceBatch(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-firstDone)
	factory.AssertNumberOfCalls(t, "CreateProducer", 1)
	producer.AssertNotCalled(t, "Close")
}

func TestClose_Idempotent(t *testing.T) {
	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})
	require.NoError(t, p.Publish(context.Background(), traceBatch(1)))

	p.Close()
	p.Close()

	producer.AssertNumberOfCalls(t, "Flush", 1)
	producer.AssertNumberOfCalls(t, "Close", 1)
}

func TestClose_WithoutProducer(t *testing.T) {
	factory := &mockFactory{}
	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	p.Close()

	factory.AssertNotCalled(t, "CreateProducer")
}

func TestClose_IncompleteFlushIsLogged(t *testing.T) {
	log, logs := testutils.NewObservedLogger(zapcore.WarnLevel)
	producer := &testutils.MockProducer{}
	producer.On("Produce", mock.Anything).Return(nil)
	producer.On("Flush", 2*time.Second).Return(4)
	producer.On("Close").Return()
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil)

	p, err := New(log, factory, attemptRetrier{attempts: 1}, Config{FlushTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), traceBatch(1)))

	p.Close()

	producer.AssertNumberOfCalls(t, "Close", 1)
	entries := logs.FilterMessage("flush incomplete, pending messages may be lost").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 4, entries[0].ContextMap()["pending"])
}

func TestPublish_AfterCloseCreatesNewProducer(t *testing.T) {
	first := newMockProducer()
	first.On("Produce", mock.Anything).Return(nil)
	second := newMockProducer()
	second.On("Produce", mock.Anything).Return(nil)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(first, nil).Once()
	factory.On("CreateProducer").Return(second, nil).Once()

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1})

	require.NoError(t, p.Publish(context.Background(), traceBatch(1)))
	p.Close()
	require.NoError(t, p.Publish(context.Background(), traceBatch(1)))

	first.AssertNumberOfCalls(t, "Produce", 1)
	second.AssertNumberOfCalls(t, "Produce", 1)
}

func TestPublish_PassesLabelToRetrier(t *testing.T) {
	producer := newMockProducer()
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil)

	var labels []string
	retrier := retrierFunc(func(ctx context.Context, label string, fn func(context.Context) error) error {
		labels = append(labels, label)
		return fn(ctx)
	})

	require.NoError(t, newTestPublisher(t, factory, retrier).Publish(context.Background(), nil))
	require.NoError(t, newTestPublisher(t, factory, retrier, WithLabel("audit-events")).Publish(context.Background(), nil))

	assert.Equal(t, []string{DefaultLabel, "audit-events"}, labels)
}

func TestPublish_WithRetryExecutor(t *testing.T) {
	noJitter := 0.0
	exec, err := retry.New(retry.Config{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2,
		MaxRetries:          2,
		RandomizationFactor: &noJitter,
	}, testutils.NewTestLogger(t))
	require.NoError(t, err)

	t.Run("transient error is retried", func(t *testing.T) {
		producer := newMockProducer()
		producer.On("Produce", mock.Anything).
			Return(kafka.NewError(kafka.ErrQueueFull, "Local: Queue full", false)).Once()
		producer.On("Produce", mock.Anything).Return(nil)
		factory := &mockFactory{}
		factory.On("CreateProducer").Return(producer, nil)

		p := newTestPublisher(t, factory, exec)
		require.NoError(t, p.Publish(context.Background(), traceBatch(2)))

		// The failed attempt is repeated from the first message.
		producer.AssertNumberOfCalls(t, "Produce", 3)
		producer.AssertNotCalled(t, "Close")
	})

	t.Run("fatal error is not retried", func(t *testing.T) {
		fatal := kafka.NewError(kafka.ErrFatal, "producer fenced", true)
		producer := newMockProducer()
		producer.On("Produce", mock.Anything).Return(fatal)
		factory := &mockFactory{}
		factory.On("CreateProducer").Return(producer, nil)

		p := newTestPublisher(t, factory, exec)
		err := p.Publish(context.Background(), traceBatch(2))

		assert.Equal(t, fatal, err)
		producer.AssertNumberOfCalls(t, "Produce", 1)
		producer.AssertNumberOfCalls(t, "Close", 1)
	})
}

func TestPublish_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	producer := newMockProducer()
	producer.On("Produce", mock.Anything).Return(nil).Times(3)
	producer.On("Produce", mock.Anything).Return(errBroker)
	factory := &mockFactory{}
	factory.On("CreateProducer").Return(producer, nil)

	p := newTestPublisher(t, factory, attemptRetrier{attempts: 1}, WithMetrics(m))

	require.NoError(t, p.Publish(context.Background(), traceBatch(3)))
	require.Error(t, p.Publish(context.Background(), traceBatch(1)))

	expected := `
# HELP event_publisher_publisher_batches_total Total Publish calls by final status
# TYPE event_publisher_publisher_batches_total counter
event_publisher_publisher_batches_total{status="error"} 1
event_publisher_publisher_batches_total{status="success"} 1
# HELP event_publisher_publisher_messages_enqueued_total Total messages handed to the producer, including re-sends from retries
# TYPE event_publisher_publisher_messages_enqueued_total counter
event_publisher_publisher_messages_enqueued_total 3
# HELP event_publisher_producer_created_total Total producers created
# TYPE event_publisher_producer_created_total counter
event_publisher_producer_created_total 1
# HELP event_publisher_producer_disposed_total Total producers flushed and closed
# TYPE event_publisher_producer_disposed_total counter
event_publisher_producer_disposed_total 1
# HELP event_publisher_producer_active 1 while a producer is open, 0 otherwise
# TYPE event_publisher_producer_active gauge
event_publisher_producer_active 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"event_publisher_publisher_batches_total",
		"event_publisher_publisher_messages_enqueued_total",
		"event_publisher_producer_created_total",
		"event_publisher_producer_disposed_total",
		"event_publisher_producer_active",
	))
}
