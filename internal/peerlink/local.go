package peerlink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
)

const localInboxSize = 1024

// LocalNetwork connects transports of nodes living in one process.
type LocalNetwork struct {
	log *zap.Logger

	mu      sync.RWMutex
	nodes   map[string]*LocalTransport
	blocked map[string]bool
}

// NewLocalNetwork creates an empty in-process network.
func NewLocalNetwork(log *zap.Logger) *LocalNetwork {
	return &LocalNetwork{
		log:     log.Named("localnet"),
		nodes:   make(map[string]*LocalTransport),
		blocked: make(map[string]bool),
	}
}

// Join attaches a node to the network.
func (n *LocalNetwork) Join(nodeID string) *LocalTransport {
	t := &LocalTransport{
		network:     n,
		nodeID:      nodeID,
		dispatchers: make(map[string]peerlink.Dispatcher),
		inbox:       make(chan []byte, localInboxSize),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[nodeID] = t
	n.mu.Unlock()

	go t.run()
	return t
}

// Block makes every send to nodeID fail until Unblock.
func (n *LocalNetwork) Block(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[nodeID] = true
}

// Unblock reverts Block.
func (n *LocalNetwork) Unblock(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, nodeID)
}

func (n *LocalNetwork) target(nodeID string) (*LocalTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.blocked[nodeID] {
		return nil, Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrPeerDisconnected))
	}
	t, ok := n.nodes[nodeID]
	if !ok {
		return nil, Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrUnknownPeer))
	}
	return t, nil
}

func (n *LocalNetwork) leave(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, nodeID)
}

// LocalTransport is one node's endpoint of a LocalNetwork. Frames to a node
// are delivered in order by that node's inbox goroutine.
type LocalTransport struct {
	network *LocalNetwork
	nodeID  string

	mu          sync.RWMutex
	dispatchers map[string]peerlink.Dispatcher

	inbox     chan []byte
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

var _ peerlink.Transport = (*LocalTransport)(nil)

// Send implements peerlink.Transport.
func (t *LocalTransport) Send(ctx context.Context, nodeID string, frame []byte) error {
	target, err := t.network.target(nodeID)
	if err != nil {
		return err
	}
	select {
	case <-target.closing:
		return Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrUnknownPeer))
	case target.inbox <- frame:
		return nil
	default:
		return Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrQueueFull))
	}
}

// Register implements peerlink.Transport.
func (t *LocalTransport) Register(namespace string, dispatcher peerlink.Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatchers[namespace] = dispatcher
}

// Unregister implements peerlink.Transport.
func (t *LocalTransport) Unregister(namespace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dispatchers, namespace)
}

// Close detaches the node from the network.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.leave(t.nodeID)
		close(t.closing)
		<-t.done
	})
	return nil
}

func (t *LocalTransport) run() {
	defer close(t.done)
	for {
		select {
		case <-t.closing:
			return
		case frame := <-t.inbox:
			t.dispatch(frame)
		}
	}
}

func (t *LocalTransport) dispatch(frame []byte) {
	namespace, err := wire.DispatchNamespace(frame)
	if err != nil {
		t.network.log.Warn("dropping malformed frame", zap.String("node", t.nodeID), zap.Error(err))
		return
	}
	t.mu.RLock()
	dispatcher, ok := t.dispatchers[namespace]
	t.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.network.log.Warn("dispatch failed", zap.String("node", t.nodeID), zap.String("namespace", namespace), zap.Error(err))
	}
}
