package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Default retry policy values
const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultMultiplier      = 2.0
	DefaultMaxRetries      = 5
)

// Config holds the backoff policy used by Executor.
type Config struct {
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"100ms"` // Delay before the first retry
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL"     envDefault:"10s"`   // Upper bound for a single delay
	Multiplier      float64       `env:"RETRY_MULTIPLIER"       envDefault:"2"`     // Growth factor between delays
	MaxRetries      uint64        `env:"RETRY_MAX_RETRIES"      envDefault:"5"`     // Retries after the first attempt
	MaxElapsedTime  time.Duration `env:"RETRY_MAX_ELAPSED_TIME" envDefault:"0s"`    // Give up after this long, 0 disables
	// RandomizationFactor spreads delays by +/- the given fraction. Nil means 0.5.
	RandomizationFactor *float64 `env:"RETRY_RANDOMIZATION_FACTOR"`
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries}.WithDefaults()
}

// LoadConfig loads the retry policy from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse retry config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
// MaxRetries and MaxElapsedTime keep their zero value, which is meaningful.
func (c Config) WithDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.RandomizationFactor == nil {
		f := 0.5
		c.RandomizationFactor = &f
	}
	return c
}

// Validate checks the policy for values the backoff cannot work with.
func (c Config) Validate() error {
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("max interval %s is below initial interval %s", c.MaxInterval, c.InitialInterval)
	}
	if c.RandomizationFactor != nil && (*c.RandomizationFactor < 0 || *c.RandomizationFactor > 1) {
		return errors.New("randomization factor must be within [0, 1]")
	}
	return nil
}
