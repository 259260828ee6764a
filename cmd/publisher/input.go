package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/event-publisher/pkg/publisher"
)

// maxLineBytes bounds a single input line, well above the default Kafka
// message.max.bytes.
const maxLineBytes = 4 << 20

var errMissingTopic = errors.New("no topic in line and no --topic configured")

// inputLine is one JSON line of input.
type inputLine struct {
	Topic     string          `json:"topic"`
	Partition *int32          `json:"partition"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  []inputMetadata `json:"metadata"`
}

type inputMetadata struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// parseLine decodes a single input line.
//
// A missing topic falls back to defaultTopic, a missing partition lets the
// producer choose, and a missing key is replaced by newKey(). Metadata keeps
// the order of the input array.
func parseLine(line []byte, defaultTopic string, newKey func() string) (publisher.OutboundMessage, error) {
	var in inputLine
	if err := json.Unmarshal(line, &in); err != nil {
		return publisher.OutboundMessage{}, fmt.Errorf("invalid json: %w", err)
	}

	topic := in.Topic
	if topic == "" {
		topic = defaultTopic
	}
	if topic == "" {
		return publisher.OutboundMessage{}, errMissingTopic
	}

	partition := kafka.PartitionAny
	if in.Partition != nil {
		if *in.Partition < 0 {
			return publisher.OutboundMessage{}, fmt.Errorf("partition must be >= 0, got %d", *in.Partition)
		}
		partition = *in.Partition
	}

	key := in.Key
	if key == "" {
		key = newKey()
	}

	payload, err := decodePayload(in.Payload)
	if err != nil {
		return publisher.OutboundMessage{}, fmt.Errorf("invalid payload: %w", err)
	}

	md := make(publisher.Metadata, 0, len(in.Metadata))
	for i, e := range in.Metadata {
		if e.Key == "" {
			return publisher.OutboundMessage{}, fmt.Errorf("metadata entry %d has an empty key", i)
		}
		md = md.Add(e.Key, e.Value)
	}

	return publisher.NewOutboundMessage(publisher.NewRoutingTarget(topic, partition), key, payload, md), nil
}

// decodePayload returns a JSON string unquoted and any other JSON value as
// its raw text.
func decodePayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] != '"' {
		return string(raw), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// openInput opens path for reading; "-" and "" mean stdin.
func openInput(path string) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, f.Close, nil
}

// readMessages parses r line by line and sends each message on out, closing
// out when r is exhausted. Blank lines are ignored; lines that fail to parse
// are logged and skipped.
func readMessages(
	ctx context.Context,
	r io.Reader,
	defaultTopic string,
	newKey func() string,
	out chan<- publisher.OutboundMessage,
	log *zap.SugaredLogger,
) error {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := parseLine(line, defaultTopic, newKey)
		if err != nil {
			log.Warnw("skipping invalid input line", "line", lineNo, "error", err)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input at line %d: %w", lineNo+1, err)
	}
	return nil
}

// batchPublisher is the part of *publisher.Publisher used by publishLoop.
type batchPublisher interface {
	Publish(ctx context.Context, batch publisher.Batch) error
}

// publishLoop collects messages from in into batches of up to batchSize.
//
// A batch is published when it is full, when interval passes with messages
// waiting, or when in is closed. The first publish error stops the loop.
// It returns the number of messages published.
func publishLoop(
	ctx context.Context,
	p batchPublisher,
	in <-chan publisher.OutboundMessage,
	batchSize int,
	interval time.Duration,
) (int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	published := 0
	batch := make(publisher.Batch, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.Publish(ctx, batch); err != nil {
			return fmt.Errorf("failed to publish batch of %d messages: %w", len(batch), err)
		}
		published += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return published, ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return published, flush()
			}
			batch = append(batch, msg)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return published, err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return published, err
			}
		}
	}
}
