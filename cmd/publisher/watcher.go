package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ava-labs/event-publisher/pkg/publisher"
)

// fatalErrorSource is implemented by producers that report fatal client
// errors, such as *kafka.Producer.
type fatalErrorSource interface {
	Errors() <-chan error
}

// watchedFactory forwards the fatal errors of every producer it creates.
//
// The publisher replaces a failed producer on its next failed publish; until
// then Health reports the error of the current producer.
type watchedFactory struct {
	factory publisher.ProducerFactory
	fatal   chan error

	mu         sync.Mutex
	generation uint64
	lastErr    error
}

func newWatchedFactory(f publisher.ProducerFactory) *watchedFactory {
	return &watchedFactory{
		factory: f,
		fatal:   make(chan error, 1),
	}
}

func (w *watchedFactory) CreateProducer() (publisher.Producer, error) {
	p, err := w.factory.CreateProducer()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.generation++
	gen := w.generation
	w.lastErr = nil
	w.mu.Unlock()

	if src, ok := p.(fatalErrorSource); ok {
		go w.forward(gen, src.Errors())
	}
	return p, nil
}

// forward runs until errs is closed, which happens when the producer is closed.
func (w *watchedFactory) forward(gen uint64, errs <-chan error) {
	for err := range errs {
		w.mu.Lock()
		if gen == w.generation {
			w.lastErr = err
		}
		w.mu.Unlock()

		select {
		case w.fatal <- err:
		default:
		}
	}
}

// Fatal returns the channel on which fatal producer errors are reported.
func (w *watchedFactory) Fatal() <-chan error {
	return w.fatal
}

// Health returns the fatal error of the current producer, if any.
func (w *watchedFactory) Health() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// watchFatalErrors logs fatal producer errors until ctx is done.
func watchFatalErrors(ctx context.Context, fatal <-chan error, log *zap.SugaredLogger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			log.Errorw("kafka producer failed, it will be replaced on the next publish", "error", err)
		}
	}
}
