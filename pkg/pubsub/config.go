package pubsub

import (
	"errors"
	"time"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
)

var (
	// ErrInvalidFalsePositiveRate is returned when the rate is outside (0, 1).
	ErrInvalidFalsePositiveRate = errors.New("false positive rate must be between 0 and 1")
	// ErrInvalidNamespace is returned when no namespace is configured.
	ErrInvalidNamespace = errors.New("namespace cannot be empty")
)

// Config holds the tuning options of one pub/sub instance. Every node of a
// cluster must use the same sizing options and seed for a namespace, otherwise
// their filters cannot be compared.
type Config struct {
	// Namespace separates independent pub/sub instances (one per message type).
	Namespace string `yaml:"namespace"`

	// FalsePositiveRate is the target Bloom filter false positive probability.
	FalsePositiveRate float64 `yaml:"falsePositiveRate"`

	// ExpectedSubscriberCount sizes the filter together with ExpectedTopicsPerSubscriber.
	ExpectedSubscriberCount int `yaml:"expectedSubscriberCount"`

	// ExpectedTopicsPerSubscriber sizes the filter together with ExpectedSubscriberCount.
	ExpectedTopicsPerSubscriber int `yaml:"expectedTopicsPerSubscriber"`

	// Seed is the hash seed of the filter.
	Seed uint64 `yaml:"seed"`

	// UpdateDebounceWindow coalesces bursts of subscriptions into one republish.
	UpdateDebounceWindow time.Duration `yaml:"updateDebounceWindow"`

	// RepublishInterval periodically republishes the local filter. A negative
	// value disables it.
	RepublishInterval time.Duration `yaml:"republishInterval"`

	// RestartDelay is how long a crashed supervisor waits before resuming.
	RestartDelay time.Duration `yaml:"restartDelay"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig(namespace string) Config {
	c := Config{Namespace: namespace}
	c.SetDefaults()
	return c
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.FalsePositiveRate == 0 {
		c.FalsePositiveRate = 0.01
	}
	if c.ExpectedSubscriberCount <= 0 {
		c.ExpectedSubscriberCount = 1000
	}
	if c.ExpectedTopicsPerSubscriber <= 0 {
		c.ExpectedTopicsPerSubscriber = 8
	}
	if c.UpdateDebounceWindow <= 0 {
		c.UpdateDebounceWindow = 100 * time.Millisecond
	}
	if c.RepublishInterval == 0 {
		c.RepublishInterval = 30 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return ErrInvalidNamespace
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		return ErrInvalidFalsePositiveRate
	}
	return nil
}

// FilterParams derives the cluster-wide filter shape from the sizing options.
func (c *Config) FilterParams() bloomfilter.Params {
	return bloomfilter.Optimal(c.ExpectedSubscriberCount*c.ExpectedTopicsPerSubscriber, c.FalsePositiveRate, c.Seed)
}
