package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "event_publisher"

	// Status label values
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"

	Publisher = "publisher"
	Producer  = "producer"
	Retry     = "retry"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple publisher instances.
type Labels struct {
	Service       string // Name of the service embedding the publisher
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Publish calls
	batches          *prometheus.CounterVec // by status
	batchMessages    prometheus.Histogram
	publishDuration  *prometheus.HistogramVec // by status
	messagesEnqueued prometheus.Counter

	// Producer lifecycle
	producersCreated  prometheus.Counter
	producersDisposed prometheus.Counter
	producerActive    prometheus.Gauge
	flushPending      prometheus.Counter

	// Delivery reports and client errors
	deliveries  *prometheus.CounterVec // by status
	kafkaErrors *prometheus.CounterVec // by severity (fatal/non_fatal)

	// Retry executor
	retryAttempts *prometheus.CounterVec // by label, status
	retryDelay    *prometheus.HistogramVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "batches_total",
			Help:      "Total Publish calls by final status",
		}, []string{"status"}),
		batchMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "batch_messages",
			Help:      "Number of messages per Publish call",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "duration_seconds",
			Help:      "Publish call duration including retries",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),
		messagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "messages_enqueued_total",
			Help:      "Total messages handed to the producer, including re-sends from retries",
		}),
		producersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "created_total",
			Help:      "Total producers created",
		}),
		producersDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "disposed_total",
			Help:      "Total producers flushed and closed",
		}),
		producerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "active",
			Help:      "1 while a producer is open, 0 otherwise",
		}),
		flushPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "flush_pending_messages_total",
			Help:      "Messages still pending when a producer flush timed out",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "delivery_reports_total",
			Help:      "Delivery reports received from Kafka by status",
		}, []string{"status"}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "kafka_errors_total",
			Help:      "Kafka client errors by severity (fatal/non_fatal)",
		}, []string{"severity"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Retry,
			Name:      "attempts_total",
			Help:      "Attempts made by the retry executor by operation label and status",
		}, []string{"label", "status"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Retry,
			Name:      "delay_seconds",
			Help:      "Backoff delay scheduled before a retry",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"label"}),
	}

	err := errors.Join(
		reg.Register(m.batches),
		reg.Register(m.batchMessages),
		reg.Register(m.publishDuration),
		reg.Register(m.messagesEnqueued),
		reg.Register(m.producersCreated),
		reg.Register(m.producersDisposed),
		reg.Register(m.producerActive),
		reg.Register(m.flushPending),
		reg.Register(m.deliveries),
		reg.Register(m.kafkaErrors),
		reg.Register(m.retryAttempts),
		reg.Register(m.retryDelay),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObservePublish records the outcome of a Publish call.
func (m *Metrics) ObservePublish(status string, messages int, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status).Inc()
	m.batchMessages.Observe(float64(messages))
	m.publishDuration.WithLabelValues(status).Observe(d.Seconds())
}

// IncMessagesEnqueued counts a message handed to the producer.
func (m *Metrics) IncMessagesEnqueued() {
	if m == nil {
		return
	}
	m.messagesEnqueued.Inc()
}

// ProducerCreated records the start of a producer generation.
func (m *Metrics) ProducerCreated() {
	if m == nil {
		return
	}
	m.producersCreated.Inc()
	m.producerActive.Set(1)
}

// ProducerDisposed records the end of a producer generation and the number of
// messages left pending by its final flush.
func (m *Metrics) ProducerDisposed(pending int) {
	if m == nil {
		return
	}
	m.producersDisposed.Inc()
	m.producerActive.Set(0)
	if pending > 0 {
		m.flushPending.Add(float64(pending))
	}
}

// IncDelivery counts a delivery report with the given status.
func (m *Metrics) IncDelivery(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

// IncKafkaError counts a Kafka client error.
func (m *Metrics) IncKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}

// ObserveRetryAttempt records one attempt of a retried operation.
func (m *Metrics) ObserveRetryAttempt(label, status string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(label, status).Inc()
}

// ObserveRetryDelay records the backoff scheduled before the next attempt.
func (m *Metrics) ObserveRetryDelay(label string, d time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.WithLabelValues(label).Observe(d.Seconds())
}
