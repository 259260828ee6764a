package kafka

import (
	"go.uber.org/zap"

	"github.com/ava-labs/event-publisher/pkg/publisher"
)

// ProducerFactory creates Kafka producers from a fixed configuration.
type ProducerFactory struct {
	cfg  ProducerConfig
	log  *zap.SugaredLogger
	opts []ProducerOption
}

var _ publisher.ProducerFactory = (*ProducerFactory)(nil)

// NewProducerFactory returns a factory for producers configured by cfg.
func NewProducerFactory(
	cfg ProducerConfig,
	log *zap.SugaredLogger,
	opts ...ProducerOption,
) (*ProducerFactory, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ProducerFactory{
		cfg:  cfg,
		log:  log,
		opts: opts,
	}, nil
}

// CreateProducer creates a new producer. Errors from the Kafka client are
// returned unchanged.
func (f *ProducerFactory) CreateProducer() (publisher.Producer, error) {
	p, err := NewProducer(f.cfg.ConfigMap(), f.log, f.opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the configuration with defaults applied.
func (f *ProducerFactory) Config() ProducerConfig {
	return f.cfg
}
