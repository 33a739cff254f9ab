package peerlink

import (
	"context"
	"errors"
	"net"
	"time"
)

// Config holds configuration for PeerLink component
type Config struct {
	NodeID string `yaml:"-"`
	// ListenAddress is the address the gRPC server binds.
	ListenAddress string `yaml:"listenAddress"`
	// AdvertiseAddress is the address other nodes dial; defaults to the bound address.
	AdvertiseAddress string `yaml:"advertiseAddress"`
	// SendQueueSize bounds the frames waiting per peer.
	SendQueueSize int `yaml:"sendQueueSize"`
	// SendTimeout is how long Send waits for queue space; 0 fails at once.
	SendTimeout       time.Duration `yaml:"sendTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// MaxMissedHeartbeats marks a peer disconnected after that many failed probes.
	MaxMissedHeartbeats int           `yaml:"maxMissedHeartbeats"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	MaxMessageSize      int           `yaml:"maxMessageSize"`
	// ClusterSecret enables JWT authentication of peer streams when set.
	ClusterSecret string `yaml:"clusterSecret"`

	// Listener replaces the TCP listener, e.g. with an in-memory one.
	Listener net.Listener `yaml:"-"`
	// Dialer replaces the TCP dialer used to reach peers.
	Dialer func(ctx context.Context, address string) (net.Conn, error) `yaml:"-"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if c.ListenAddress == "" && c.Listener == nil {
		return errors.New("listen address cannot be empty")
	}
	if c.SendTimeout < 0 {
		return errors.New("send timeout cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 * 1024 * 1024 // 4MB
	}
}
