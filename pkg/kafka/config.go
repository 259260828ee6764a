package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default values for the Kafka producer
const (
	DefaultFlushTimeout    = 10 * time.Second
	DefaultMessageMaxBytes = 1048576 // 1MB, librdkafka default
	DefaultClientID        = "event-publisher"
	DefaultAcks            = "all"
	DefaultCompressionType = "lz4"
	DefaultBatchSize       = 16384 // 16KB
)

// ProducerConfig holds the configuration for a Kafka producer
type ProducerConfig struct {
	BootstrapServers  string         `env:"KAFKA_BOOTSTRAP_SERVERS"  envDefault:"localhost:9092"` // Kafka broker addresses
	ClientID          string         `env:"KAFKA_CLIENT_ID"          envDefault:"event-publisher"`
	Acks              string         `env:"KAFKA_ACKS"               envDefault:"all"`     // Replicas that must acknowledge a write
	LingerMs          int            `env:"KAFKA_LINGER_MS"          envDefault:"5"`       // Time to wait for more messages before sending a batch
	BatchSize         int            `env:"KAFKA_BATCH_SIZE"         envDefault:"16384"`   // Maximum batch size in bytes
	CompressionType   string         `env:"KAFKA_COMPRESSION_TYPE"   envDefault:"lz4"`     // none, gzip, snappy, lz4 or zstd
	EnableIdempotence bool           `env:"KAFKA_ENABLE_IDEMPOTENCE" envDefault:"true"`    // Avoid duplicates from client-side retries
	EnableLogs        bool           `env:"KAFKA_ENABLE_LOGS"        envDefault:"false"`   // Enable librdkafka client logs
	MessageMaxBytes   int            `env:"KAFKA_MESSAGE_MAX_BYTES"  envDefault:"1048576"` // Maximum message size
	FlushTimeout      *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"      envDefault:"10s"`     // Bound for flushing pending messages on dispose
	SASL              SASLConfig     `envPrefix:"KAFKA_SASL_"`
}

// SASLConfig holds SASL authentication settings. Authentication is enabled
// when a username is set.
type SASLConfig struct {
	Username         string `env:"USERNAME"`
	Password         string `env:"PASSWORD"`
	Mechanism        string `env:"MECHANISM"         envDefault:"SCRAM-SHA-512"` // SCRAM-SHA-256, SCRAM-SHA-512 or PLAIN
	SecurityProtocol string `env:"SECURITY_PROTOCOL" envDefault:"SASL_SSL"`      // SASL_SSL or SASL_PLAINTEXT
}

// Enabled reports whether SASL authentication is configured.
func (s SASLConfig) Enabled() bool {
	return s.Username != ""
}

// ApplyToConfigMap sets the SASL properties on cm when SASL is enabled.
func (s SASLConfig) ApplyToConfigMap(cm *kafka.ConfigMap) {
	if !s.Enabled() {
		return
	}
	_ = cm.SetKey("security.protocol", s.SecurityProtocol)
	_ = cm.SetKey("sasl.mechanisms", s.Mechanism)
	_ = cm.SetKey("sasl.username", s.Username)
	_ = cm.SetKey("sasl.password", s.Password)
}

// LoadProducerConfig loads the producer configuration from environment variables
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse producer config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c ProducerConfig) WithDefaults() ProducerConfig {
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	if c.MessageMaxBytes == 0 {
		c.MessageMaxBytes = DefaultMessageMaxBytes
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Acks == "" {
		c.Acks = DefaultAcks
	}
	if c.CompressionType == "" {
		c.CompressionType = DefaultCompressionType
	}
	return c
}

// Validate checks the fields the producer cannot start without.
func (c ProducerConfig) Validate() error {
	if strings.TrimSpace(c.BootstrapServers) == "" {
		return errors.New("bootstrap servers cannot be empty")
	}
	if c.SASL.Enabled() && c.SASL.Password == "" {
		return errors.New("sasl password is required when sasl username is set")
	}
	switch c.SASL.SecurityProtocol {
	case "", "SASL_SSL", "SASL_PLAINTEXT":
	default:
		return fmt.Errorf("unsupported security protocol %q", c.SASL.SecurityProtocol)
	}
	return nil
}

// ConfigMap builds the librdkafka configuration for the producer.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cfg := &kafka.ConfigMap{
		// Required
		"bootstrap.servers": c.BootstrapServers,
		"client.id":         c.ClientID,

		// Reliability
		"acks":               c.Acks,
		"enable.idempotence": c.EnableIdempotence,

		// Performance tuning
		"linger.ms":         c.LingerMs,
		"batch.size":        c.BatchSize,
		"compression.type":  c.CompressionType,
		"message.max.bytes": c.MessageMaxBytes,

		// Go channel for logs (optional, enable for debugging)
		"go.logs.channel.enable": c.EnableLogs,
	}
	c.SASL.ApplyToConfigMap(cfg)
	return cfg
}
