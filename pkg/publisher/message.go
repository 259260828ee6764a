package publisher

import "github.com/confluentinc/confluent-kafka-go/v2/kafka"

// RoutingTarget is the destination of a single message (topic and partition).
type RoutingTarget = kafka.TopicPartition

// NewRoutingTarget returns a RoutingTarget for the given topic and partition.
// Use kafka.PartitionAny to let the producer pick the partition from the key.
func NewRoutingTarget(topic string, partition int32) RoutingTarget {
	return RoutingTarget{
		Topic:     &topic,
		Partition: partition,
	}
}

// MetadataEntry is a single metadata key/value pair.
type MetadataEntry struct {
	Key   string
	Value string
}

// Metadata is an ordered list of string key/value pairs.
//
// Order is insertion order and is preserved when the entries are turned into
// Kafka headers. Duplicate keys are kept, as Kafka headers allow them.
type Metadata []MetadataEntry

// NewMetadata builds Metadata from alternating key/value arguments.
// A trailing key without a value gets an empty value.
func NewMetadata(kv ...string) Metadata {
	md := make(Metadata, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		var v string
		if i+1 < len(kv) {
			v = kv[i+1]
		}
		md = append(md, MetadataEntry{Key: kv[i], Value: v})
	}
	return md
}

// Add returns md with the pair appended.
func (md Metadata) Add(key, value string) Metadata {
	return append(md, MetadataEntry{Key: key, Value: value})
}

// Get returns the value of the first entry with the given key.
func (md Metadata) Get(key string) (string, bool) {
	for _, e := range md {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Len returns the number of entries, counting repeated keys.
func (md Metadata) Len() int {
	return len(md)
}

// Headers converts the metadata to Kafka headers, keeping insertion order.
func (md Metadata) Headers() []kafka.Header {
	if len(md) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(md))
	for _, e := range md {
		headers = append(headers, kafka.Header{Key: e.Key, Value: []byte(e.Value)})
	}
	return headers
}

// OutboundMessage is the envelope handed to Publish. It is immutable once
// constructed.
type OutboundMessage struct {
	target     RoutingTarget
	routingKey string
	payload    string
	metadata   Metadata
}

// NewOutboundMessage creates a message for target. routingKey becomes the
// Kafka message key and payload the message value. The metadata is copied.
func NewOutboundMessage(target RoutingTarget, routingKey, payload string, metadata Metadata) OutboundMessage {
	var md Metadata
	if len(metadata) > 0 {
		md = make(Metadata, len(metadata))
		copy(md, metadata)
	}
	if target.Topic != nil {
		topic := *target.Topic
		target.Topic = &topic
	}
	return OutboundMessage{
		target:     target,
		routingKey: routingKey,
		payload:    payload,
		metadata:   md,
	}
}

// Payload returns the message body, sent as the Kafka message value.
func (m OutboundMessage) Payload() string { return m.payload }

// RoutingKey returns the Kafka message key.
func (m OutboundMessage) RoutingKey() string { return m.routingKey }

// Target returns the topic and partition the message is sent to.
func (m OutboundMessage) Target() RoutingTarget { return m.target }

// Metadata returns a copy of the message metadata.
func (m OutboundMessage) Metadata() Metadata {
	if m.metadata == nil {
		return nil
	}
	md := make(Metadata, len(m.metadata))
	copy(md, m.metadata)
	return md
}

// toKafkaMessage builds the wire message for m.
func (m OutboundMessage) toKafkaMessage() *kafka.Message {
	tp := m.target
	if tp.Topic != nil {
		topic := *tp.Topic
		tp.Topic = &topic
	}
	return &kafka.Message{
		TopicPartition: tp,
		Key:            []byte(m.routingKey),
		Value:          []byte(m.payload),
		Headers:        m.metadata.Headers(),
	}
}

// Batch is an ordered set of messages submitted in a single Publish call.
type Batch []OutboundMessage
