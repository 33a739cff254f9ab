package meshnode

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/topicmesh/internal/discovery"
	"github.com/rmacdonaldsmith/topicmesh/internal/peerlink"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/gossip"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/natskv"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// Replication backends.
const (
	ReplicationMemory = "memory"
	ReplicationGossip = "gossip"
	ReplicationNATS   = "nats"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidListenAddress is returned when listen address is invalid
	ErrInvalidListenAddress = errors.New("listen address cannot be empty")
	// ErrUnknownReplication is returned for an unsupported replication backend
	ErrUnknownReplication = errors.New("unknown replication backend")
	// ErrInvalidHeartbeatTTL is returned when the heartbeat TTL is negative
	ErrInvalidHeartbeatTTL = errors.New("heartbeat TTL cannot be negative")
)

// Config represents configuration for a Node
type Config struct {
	// NodeID uniquely identifies this node; a random one is generated when empty
	NodeID string `yaml:"nodeId"`

	// PeerListen is the address the peer link listens on for forwarded frames
	// Format: "host:port" (e.g., "0.0.0.0:7400")
	PeerListen string `yaml:"peerListen"`

	// AdvertiseAddress is the address other nodes dial; defaults to the bound address
	AdvertiseAddress string `yaml:"advertiseAddress"`

	// ClusterSecret enables JWT authentication between nodes
	ClusterSecret string `yaml:"clusterSecret"`

	// Replication selects the filter replication backend: memory, gossip or nats
	Replication string `yaml:"replication"`

	Gossip gossip.Config `yaml:"gossip"`
	NATS   natskv.Config `yaml:"nats"`

	// HeartbeatTTL enables heartbeat liveness for subscribers when positive
	HeartbeatTTL time.Duration `yaml:"heartbeatTTL"`

	// MetricsListen is where the Prometheus handler is served; empty disables it
	MetricsListen string `yaml:"metricsListen"`

	// PubSub holds the defaults applied to every message type
	PubSub pubsub.Config `yaml:"pubsub"`

	// PeerLinkConfig overrides the peer link settings derived from this config
	PeerLinkConfig *peerlink.Config `yaml:"peerLink"`
}

// NewConfig creates a new Node configuration with safe defaults
func NewConfig(nodeID, peerListen string) *Config {
	return &Config{
		NodeID:      nodeID,
		PeerListen:  peerListen,
		Replication: ReplicationMemory,
	}
}

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config and applies defaults, generating a node ID
// when none is configured.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.SetDefaults()
	return &c, nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Replication == "" {
		c.Replication = ReplicationMemory
	}
	if c.PeerLinkConfig != nil {
		c.PeerLinkConfig.NodeID = c.NodeID
		if c.PeerLinkConfig.ListenAddress == "" {
			c.PeerLinkConfig.ListenAddress = c.PeerListen
		}
		c.PeerLinkConfig.SetDefaults()
	}
	c.Gossip.NodeID = c.NodeID
	c.NATS.NodeID = c.NodeID
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.PeerListen == "" && (c.PeerLinkConfig == nil || c.PeerLinkConfig.Listener == nil) {
		return ErrInvalidListenAddress
	}
	if c.HeartbeatTTL < 0 {
		return ErrInvalidHeartbeatTTL
	}

	switch c.Replication {
	case ReplicationMemory:
	case ReplicationGossip:
		if err := discovery.NewStaticDiscovery(c.Gossip.Seeds).Validate(); err != nil {
			return fmt.Errorf("invalid gossip seeds: %w", err)
		}
	case ReplicationNATS:
		nats := c.NATS
		nats.NodeID = c.NodeID
		if err := nats.Validate(); err != nil {
			return fmt.Errorf("invalid NATS config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownReplication, c.Replication)
	}

	// Validate PeerLink config if provided
	if c.PeerLinkConfig != nil {
		if err := c.PeerLinkConfig.Validate(); err != nil {
			return fmt.Errorf("invalid PeerLink config: %w", err)
		}
	}

	return nil
}

// WithPeerLinkConfig sets the PeerLink configuration
func (c *Config) WithPeerLinkConfig(config *peerlink.Config) *Config {
	c.PeerLinkConfig = config
	return c
}

// WithReplication selects the replication backend
func (c *Config) WithReplication(backend string) *Config {
	c.Replication = backend
	return c
}

// PubSubConfig returns the node's pub/sub defaults for a message type.
func (c *Config) PubSubConfig(namespace string) pubsub.Config {
	config := c.PubSub
	config.Namespace = namespace
	config.SetDefaults()
	return config
}

// peerLinkConfig derives the peer link settings.
func (c *Config) peerLinkConfig() *peerlink.Config {
	var config peerlink.Config
	if c.PeerLinkConfig != nil {
		config = *c.PeerLinkConfig
	}
	config.NodeID = c.NodeID
	if config.ListenAddress == "" {
		config.ListenAddress = c.PeerListen
	}
	if config.AdvertiseAddress == "" {
		config.AdvertiseAddress = c.AdvertiseAddress
	}
	if config.ClusterSecret == "" {
		config.ClusterSecret = c.ClusterSecret
	}
	config.SetDefaults()
	return &config
}
