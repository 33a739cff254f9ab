package meshnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/discovery"
	"github.com/rmacdonaldsmith/topicmesh/internal/liveness"
	"github.com/rmacdonaldsmith/topicmesh/internal/metrics"
	"github.com/rmacdonaldsmith/topicmesh/internal/peerlink"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/gossip"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/memory"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/natskv"
	livenesspkg "github.com/rmacdonaldsmith/topicmesh/pkg/liveness"
	"github.com/rmacdonaldsmith/topicmesh/pkg/meshnode"
	peerlinkpkg "github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Error is the error class for this package.
var Error = errs.Class("meshnode")

var (
	// ErrNotStarted is returned when a factory is created on a node that was not started
	ErrNotStarted = errors.New("mesh node not started")
	// ErrClosed is returned by a closed node
	ErrClosed = errors.New("mesh node closed")
	// ErrDuplicateNamespace is returned when a namespace already has a factory on the node
	ErrDuplicateNamespace = errors.New("namespace already served by this node")
)

// Options supplies in-process infrastructure, mostly for tests and single
// process clusters.
type Options struct {
	// Hub is the replication hub used with the memory backend; a private hub
	// is created when nil.
	Hub *memory.Hub
	// Network replaces the gRPC peer link with an in-process transport.
	Network *peerlink.LocalNetwork
	// Registerer receives the node's metrics; nil disables metrics.
	Registerer prometheus.Registerer
}

// namespace is what the node needs from a factory.
type namespace interface {
	io.Closer
	address(nodeID string) (string, bool)
	stats() namespaceStats
}

type namespaceStats struct {
	subscribers int
	remoteNodes int
}

// Node implements the meshnode.MeshNode interface.
// It owns the components shared by every message type served on the node.
type Node struct {
	log    *zap.Logger
	config *Config
	opts   Options

	mu         sync.RWMutex
	started    bool
	closed     bool
	replicator replication.Replicator
	namespaces map[string]namespace

	transport  peerlinkpkg.Transport
	link       *peerlink.GRPCPeerLink // nil on a local network
	heartbeats *liveness.HeartbeatWatcher
	watcher    livenesspkg.Watcher
	metrics    *metrics.Metrics
}

var _ meshnode.MeshNode = (*Node)(nil)

// New creates a node with the given configuration. It builds the transport
// and metrics but opens nothing; call Start to begin operation.
func New(log *zap.Logger, config *Config, opts Options) (*Node, error) {
	if config == nil {
		return nil, Error.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, Error.Wrap(fmt.Errorf("invalid config: %w", err))
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	n := &Node{
		log:        log.Named("meshnode").With(zap.String("node", config.NodeID)),
		config:     config,
		opts:       opts,
		namespaces: make(map[string]namespace),
		metrics:    m,
	}

	if opts.Network != nil {
		n.transport = opts.Network.Join(config.NodeID)
	} else {
		link, err := peerlink.NewGRPCPeerLink(log, config.peerLinkConfig())
		if err != nil {
			return nil, Error.Wrap(fmt.Errorf("failed to create PeerLink: %w", err))
		}
		link.SetResolver(peerlinkpkg.ResolverFunc(n.resolve))
		n.link = link
		n.transport = link
	}

	n.watcher = liveness.DoneWatcher{}
	if config.HeartbeatTTL > 0 {
		n.heartbeats = liveness.NewHeartbeatWatcher(config.HeartbeatTTL)
		n.watcher = liveness.Multi(liveness.DoneWatcher{}, n.heartbeats)
	}

	return n, nil
}

// Start starts the peer link and opens the replication backend.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return Error.Wrap(ErrClosed)
	}
	if n.started {
		return nil // Already started, idempotent
	}

	if n.link != nil {
		if err := n.link.Start(ctx); err != nil {
			return Error.Wrap(err)
		}
	}

	replicator, err := n.openReplicator(ctx)
	if err != nil {
		if n.link != nil {
			_ = n.link.Stop(ctx)
		}
		return Error.Wrap(err)
	}
	n.replicator = replicator
	n.started = true

	n.log.Info("mesh node started",
		zap.String("replication", n.config.Replication),
		zap.String("address", n.transportAddress()))
	return nil
}

func (n *Node) openReplicator(ctx context.Context) (replication.Replicator, error) {
	switch n.config.Replication {
	case ReplicationGossip:
		config := n.config.Gossip
		config.NodeID = n.config.NodeID
		config.SetDefaults()
		self := net.JoinHostPort(config.BindAddr, strconv.Itoa(config.BindPort))
		if config.AdvertiseAddr != "" {
			self = net.JoinHostPort(config.AdvertiseAddr, strconv.Itoa(config.BindPort))
		}
		seeds, err := discovery.Addresses(ctx, discovery.NewStaticDiscovery(config.Seeds).ExcludeSelf(self))
		if err != nil {
			return nil, err
		}
		config.Seeds = seeds
		return gossip.New(n.log, config)

	case ReplicationNATS:
		config := n.config.NATS
		config.NodeID = n.config.NodeID
		return natskv.New(ctx, n.log, config)

	default:
		hub := n.opts.Hub
		if hub == nil {
			hub = memory.NewHub(0)
		}
		return hub.Join(n.config.NodeID), nil
	}
}

// transportAddress is the address published in this node's filter records.
func (n *Node) transportAddress() string {
	if n.link != nil {
		return n.link.AdvertiseAddress()
	}
	return n.config.NodeID
}

// resolve maps a node to the dispatch address it published for any namespace.
func (n *Node) resolve(nodeID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ns := range n.namespaces {
		if address, ok := ns.address(nodeID); ok && address != "" {
			return address, true
		}
	}
	return "", false
}

// attach reserves a namespace for a factory being built. The returned
// function installs the factory, or releases the reservation when given nil.
func (n *Node) attach(name string) (replication.Replicator, func(namespace), error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, nil, Error.Wrap(ErrClosed)
	}
	if !n.started {
		return nil, nil, Error.Wrap(ErrNotStarted)
	}
	if _, exists := n.namespaces[name]; exists {
		return nil, nil, Error.Wrap(fmt.Errorf("%q: %w", name, ErrDuplicateNamespace))
	}
	n.namespaces[name] = nil

	install := func(ns namespace) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if ns == nil {
			delete(n.namespaces, name)
			return
		}
		n.namespaces[name] = ns
	}
	return n.replicator, install, nil
}

func (n *Node) detach(name string) {
	n.mu.Lock()
	delete(n.namespaces, name)
	closed := n.closed
	n.mu.Unlock()

	if !closed {
		n.prunePeers()
	}
}

// prunePeers drops connections to nodes that no namespace has an entry for,
// so departed nodes do not keep sender goroutines and health probes alive.
func (n *Node) prunePeers() {
	if n.link == nil {
		return
	}
	for _, id := range n.link.Retain(func(id string) bool {
		_, ok := n.resolve(id)
		return ok
	}) {
		n.log.Info("disconnected departed peer", zap.String("peer", id))
	}
}

// Close closes every factory on the node, then the transport and the
// replication backend.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil // Already closed, idempotent
	}
	n.closed = true
	namespaces := make([]namespace, 0, len(n.namespaces))
	for _, ns := range n.namespaces {
		if ns != nil {
			namespaces = append(namespaces, ns)
		}
	}
	replicator := n.replicator
	n.mu.Unlock()

	var group errs.Group
	for _, ns := range namespaces {
		group.Add(ns.Close())
	}
	if err := n.transport.Close(); err != nil {
		group.Add(fmt.Errorf("failed to close PeerLink: %w", err))
	}
	if replicator != nil {
		if err := replicator.Close(); err != nil {
			group.Add(fmt.Errorf("failed to close replicator: %w", err))
		}
	}
	if n.heartbeats != nil {
		group.Add(n.heartbeats.Close())
	}

	n.log.Info("mesh node closed")
	return Error.Wrap(group.Err())
}

// GetNodeID returns this node's unique identifier in the mesh.
func (n *Node) GetNodeID() string {
	return n.config.NodeID
}

// Config returns the node's configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Heartbeat extends a subscriber's liveness deadline.
func (n *Node) Heartbeat(subscriberID string) {
	if n.heartbeats != nil {
		n.heartbeats.Beat(subscriberID)
	}
}

// PeerLink returns the gRPC peer link, or nil when the node runs on a local network.
func (n *Node) PeerLink() *peerlink.GRPCPeerLink {
	return n.link
}

// GetConnectedPeers returns all currently connected peer nodes.
func (n *Node) GetConnectedPeers(ctx context.Context) ([]peerlinkpkg.PeerNode, error) {
	if n.link == nil {
		return nil, nil
	}
	return n.link.GetConnectedPeers(ctx)
}

// GetHealth returns the overall health status of this node.
func (n *Node) GetHealth(ctx context.Context) (meshnode.HealthStatus, error) {
	n.mu.RLock()
	running := n.started && !n.closed
	replicationHealthy := running && n.replicator != nil
	var stats namespaceStats
	count := 0
	for _, ns := range n.namespaces {
		if ns == nil {
			continue
		}
		count++
		s := ns.stats()
		stats.subscribers += s.subscribers
		stats.remoteNodes = max(stats.remoteNodes, s.remoteNodes)
	}
	n.mu.RUnlock()

	peers, err := n.GetConnectedPeers(ctx)
	peerLinkHealthy := running && err == nil

	status := meshnode.HealthStatus{
		Healthy:            running && replicationHealthy && peerLinkHealthy,
		ReplicationHealthy: replicationHealthy,
		PeerLinkHealthy:    peerLinkHealthy,
		Namespaces:         count,
		Subscribers:        stats.subscribers,
		RemoteNodes:        stats.remoteNodes,
		ConnectedPeers:     len(peers),
	}
	switch {
	case n.isClosed():
		status.Message = "node closed"
	case !running:
		status.Message = "node not started"
	case err != nil:
		status.Message = fmt.Sprintf("peer link: %v", err)
	default:
		status.Message = "ok"
	}
	return status, nil
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}
