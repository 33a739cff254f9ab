package peerlink

import (
	"context"
	"io"
)

// PeerHealthState represents the health state of a peer
type PeerHealthState int

const (
	PeerHealthy PeerHealthState = iota
	PeerUnhealthy
	PeerDisconnected
)

func (s PeerHealthState) String() string {
	switch s {
	case PeerHealthy:
		return "Healthy"
	case PeerUnhealthy:
		return "Unhealthy"
	case PeerDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// PeerNode represents a remote node the link has a connection to
type PeerNode interface {
	// ID returns unique identifier for this peer node
	ID() string

	// Address returns the network address of the peer node
	Address() string

	// IsHealthy returns whether the peer node is currently reachable
	IsHealthy() bool
}

// Dispatcher receives frames forwarded from other nodes for one namespace.
type Dispatcher interface {
	// Dispatch delivers a frame to local subscribers and returns how many received it.
	Dispatch(ctx context.Context, frame []byte) (int, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, frame []byte) (int, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, frame []byte) (int, error) {
	return f(ctx, frame)
}

// Resolver maps a node identity to its dispatch address.
type Resolver interface {
	Address(nodeID string) (string, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(nodeID string) (string, bool)

// Address implements Resolver.
func (f ResolverFunc) Address(nodeID string) (string, bool) { return f(nodeID) }

// Transport forwards frames to other nodes.
type Transport interface {
	io.Closer

	// Send hands frame to the node for asynchronous delivery. It does not wait
	// for the remote node; an error means the frame was not accepted.
	Send(ctx context.Context, nodeID string, frame []byte) error

	// Register installs the inbound dispatcher for a namespace.
	Register(namespace string, dispatcher Dispatcher)

	// Unregister removes the dispatcher for a namespace.
	Unregister(namespace string)
}

// PeerLink is a Transport that also tracks peer connections and their health.
type PeerLink interface {
	Transport

	// GetConnectedPeers returns all peers with an open connection.
	GetConnectedPeers(ctx context.Context) ([]PeerNode, error)

	// GetPeerHealth returns health status for a specific peer node.
	GetPeerHealth(ctx context.Context, peerID string) (PeerHealthState, error)

	// Disconnect closes the connection to the specified peer node.
	Disconnect(ctx context.Context, peerID string) error
}
