package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	// metadataTimeout is the timeout for Kafka metadata operations.
	metadataTimeout = 10 * time.Second
)

// TopicAdmin is the subset of *kafka.AdminClient used to manage topics.
type TopicAdmin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(
		ctx context.Context,
		topics []kafka.TopicSpecification,
		options ...kafka.CreateTopicsAdminOption,
	) ([]kafka.TopicResult, error)
	CreatePartitions(
		ctx context.Context,
		partitions []kafka.PartitionsSpecification,
		options ...kafka.CreatePartitionsAdminOption,
	) ([]kafka.TopicResult, error)
}

// NewAdminClient creates an admin client sharing the producer's connection settings.
func NewAdminClient(cfg ProducerConfig) (*kafka.AdminClient, error) {
	cm := kafka.ConfigMap{"bootstrap.servers": cfg.BootstrapServers}
	cfg.SASL.ApplyToConfigMap(&cm)
	return kafka.NewAdminClient(&cm)
}

// TopicConfig holds Kafka topic configuration options for creation or validation.
type TopicConfig struct {
	Name              string            // Required: topic name
	NumPartitions     int               // Required: number of partitions (must be > 0)
	ReplicationFactor int               // Required: replication factor (must be > 0)
	Config            map[string]string // Optional: topic-level settings such as retention.ms, applied on creation
}

// Validate checks if the TopicConfig is valid for topic creation.
func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// TopicExists checks if a Kafka topic exists and returns its metadata if found.
//
// Returns nil metadata and a nil error when the topic does not exist.
func TopicExists(admin TopicAdmin, topicName string) (*kafka.TopicMetadata, error) {
	metadata, err := admin.GetMetadata(&topicName, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for topic %q: %w", topicName, err)
	}

	topicMetadata, exists := metadata.Topics[topicName]
	if !exists || topicMetadata.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return nil, nil
	}

	if topicMetadata.Error.Code() != kafka.ErrNoError {
		return nil, fmt.Errorf("topic %q has error: %w", topicName, topicMetadata.Error)
	}

	return &topicMetadata, nil
}

// CreateTopic creates a new Kafka topic with the given configuration.
// A topic that already exists is not an error.
func CreateTopic(
	ctx context.Context,
	admin TopicAdmin,
	config TopicConfig,
	log *zap.SugaredLogger,
) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	spec := kafka.TopicSpecification{
		Topic:             config.Name,
		NumPartitions:     config.NumPartitions,
		ReplicationFactor: config.ReplicationFactor,
		Config:            config.Config,
	}

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{spec})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", config.Name, err)
	}

	for _, result := range results {
		switch result.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic",
				"topic", result.Topic,
				"partitions", config.NumPartitions,
				"replicationFactor", config.ReplicationFactor)
		case kafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", result.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", result.Topic, result.Error)
		}
	}

	return nil
}

// EnsureTopic makes sure the topic a publisher writes to exists.
//
// A missing topic is created. An existing topic with fewer partitions than
// configured is grown; one with more partitions, or with a different
// replication factor, is left alone with a warning since neither can be
// changed through the admin API.
func EnsureTopic(
	ctx context.Context,
	admin TopicAdmin,
	config TopicConfig,
	log *zap.SugaredLogger,
) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	topicMetadata, err := TopicExists(admin, config.Name)
	if err != nil {
		return fmt.Errorf("failed to check topic existence: %w", err)
	}

	if topicMetadata == nil {
		return CreateTopic(ctx, admin, config, log)
	}

	currentPartitions := len(topicMetadata.Partitions)
	currentRF := getReplicationFactor(topicMetadata)

	if currentRF != config.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", config.Name,
			"current", currentRF,
			"desired", config.ReplicationFactor)
	}

	switch {
	case currentPartitions < config.NumPartitions:
		log.Infow("increasing topic partitions",
			"topic", config.Name,
			"from", currentPartitions,
			"to", config.NumPartitions)
		return increasePartitions(ctx, admin, config.Name, config.NumPartitions)
	case currentPartitions > config.NumPartitions:
		log.Warnw("topic has more partitions than configured, keeping current count",
			"topic", config.Name,
			"current", currentPartitions,
			"desired", config.NumPartitions)
	}
	return nil
}

func increasePartitions(ctx context.Context, admin TopicAdmin, topicName string, newPartitionCount int) error {
	results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{
		{Topic: topicName, IncreaseTo: newPartitionCount},
	})
	if err != nil {
		return fmt.Errorf("failed to increase partitions for topic %q: %w", topicName, err)
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", result.Topic, result.Error)
		}
	}
	return nil
}

// getReplicationFactor returns 0 if the topic has no partitions.
func getReplicationFactor(metadata *kafka.TopicMetadata) int {
	if len(metadata.Partitions) == 0 {
		return 0
	}
	return len(metadata.Partitions[0].Replicas)
}
