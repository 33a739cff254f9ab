package meshnode

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
)

// MeshNode represents a single node of the topic mesh.
// It owns the shared infrastructure every message type on the node uses:
// filter replication, the peer transport, subscriber liveness and metrics.
type MeshNode interface {
	io.Closer

	// Start opens the replication backend and starts the peer transport.
	Start(ctx context.Context) error

	// GetNodeID returns this node's unique identifier in the mesh.
	GetNodeID() string

	// Heartbeat extends the liveness deadline of a local subscriber.
	// It is a no-op unless heartbeat liveness is enabled.
	Heartbeat(subscriberID string)

	// GetConnectedPeers returns the peer nodes the transport has connections to.
	GetConnectedPeers(ctx context.Context) ([]peerlink.PeerNode, error)

	// GetHealth returns the overall health status of this node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the overall health of a node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool

	// ReplicationHealthy indicates if the filter replication backend is open
	ReplicationHealthy bool

	// PeerLinkHealthy indicates if the peer transport accepts frames
	PeerLinkHealthy bool

	// Namespaces is the number of message types served by the node
	Namespaces int

	// Subscribers is the number of local subscribers across namespaces
	Subscribers int

	// RemoteNodes is the number of other nodes with a published filter
	RemoteNodes int

	// ConnectedPeers is the number of connected peer nodes
	ConnectedPeers int

	// Message provides additional health information
	Message string
}
