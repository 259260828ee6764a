// Package publisher sends batches of outbound messages to Kafka through a
// single, lazily created producer.
//
// A Publisher owns at most one producer at a time. The producer is created on
// first use, shared by concurrent Publish calls, and torn down after any
// failure that is not a cancellation so that the next call starts over with a
// fresh connection. Retrying is delegated to a RetryExecutor; the Publisher
// itself never loops.
//
// Close MUST be called to flush and release the producer when the Publisher is
// no longer needed.
package publisher
