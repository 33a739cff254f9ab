// Package memory provides an in-process replication hub. Every replica of a hub
// behaves like a node of a gossip cluster: writes are applied locally at once
// and reach the other replicas asynchronously, optionally after a delay.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"github.com/rmacdonaldsmith/topicmesh/internal/replication/lww"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Error is the error class for this package.
var Error = errs.Class("memory replication")

// ErrClosed is returned by a closed replica.
var ErrClosed = errors.New("replica closed")

// Hub connects the replicas of one simulated cluster.
type Hub struct {
	mu       sync.RWMutex
	replicas map[string]*Replica
	delay    time.Duration
	isolated map[string]bool
}

// NewHub creates a hub whose updates propagate after delay.
func NewHub(delay time.Duration) *Hub {
	return &Hub{
		replicas: make(map[string]*Replica),
		isolated: make(map[string]bool),
		delay:    delay,
	}
}

// SetDelay changes the propagation delay of future updates.
func (h *Hub) SetDelay(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = delay
}

// Isolate stops propagation to and from nodeID until Heal is called.
func (h *Hub) Isolate(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[nodeID] = true
}

// Heal reconnects nodeID and exchanges full state with it.
func (h *Hub) Heal(nodeID string) {
	h.mu.Lock()
	delete(h.isolated, nodeID)
	h.mu.Unlock()
	h.sync(nodeID)
}

// Join creates the replica for nodeID, seeded with the state of the cluster.
func (h *Hub) Join(nodeID string) *Replica {
	r := &Replica{
		hub:     h,
		nodeID:  nodeID,
		state:   lww.NewMap(),
		inbox:   make(chan replication.Entry, 4096),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()

	h.mu.Lock()
	h.replicas[nodeID] = r
	h.mu.Unlock()

	h.sync(nodeID)
	return r
}

// sync pushes every replica's state to nodeID and nodeID's state to all others.
func (h *Hub) sync(nodeID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	target, ok := h.replicas[nodeID]
	if !ok {
		return
	}
	for id, other := range h.replicas {
		if id == nodeID {
			continue
		}
		for _, e := range other.state.All() {
			target.enqueue(e)
		}
		for _, e := range target.state.All() {
			other.enqueue(e)
		}
	}
}

func (h *Hub) broadcast(from string, e replication.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.isolated[from] {
		return
	}
	for id, r := range h.replicas {
		if id == from || h.isolated[id] {
			continue
		}
		if h.delay <= 0 {
			r.enqueue(e)
			continue
		}
		target := r
		time.AfterFunc(h.delay, func() { target.enqueue(e) })
	}
}

func (h *Hub) leave(nodeID string) {
	h.mu.Lock()
	delete(h.replicas, nodeID)
	others := make([]*Replica, 0, len(h.replicas))
	for _, r := range h.replicas {
		others = append(others, r)
	}
	h.mu.Unlock()

	for _, r := range others {
		for _, tomb := range r.state.DropOwner(nodeID) {
			r.listeners.Notify(tomb)
		}
	}
}

// Replica is one node's view of the hub. It implements replication.Replicator.
type Replica struct {
	hub       *Hub
	nodeID    string
	state     *lww.Map
	listeners lww.Listeners

	inbox     chan replication.Entry
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

var _ replication.Replicator = (*Replica)(nil)

// NodeID implements replication.Replicator.
func (r *Replica) NodeID() string { return r.nodeID }

// Put implements replication.Replicator.
func (r *Replica) Put(ctx context.Context, key string, value []byte, generation uint64) error {
	return r.write(ctx, replication.Entry{
		Key:        key,
		Owner:      r.nodeID,
		Generation: generation,
		Value:      append([]byte(nil), value...),
	})
}

// Delete implements replication.Replicator.
func (r *Replica) Delete(ctx context.Context, key string) error {
	cur, ok := r.state.Current(key)
	if !ok || cur.Deleted {
		return nil
	}
	return r.write(ctx, replication.Entry{Key: key, Owner: r.nodeID, Generation: cur.Generation + 1, Deleted: true})
}

func (r *Replica) write(ctx context.Context, e replication.Entry) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	select {
	case <-r.closing:
		return Error.Wrap(ErrClosed)
	default:
	}
	if r.state.Merge(e) {
		r.listeners.Notify(e)
	}
	r.hub.broadcast(r.nodeID, e)
	return nil
}

// Get implements replication.Replicator.
func (r *Replica) Get(ctx context.Context, key string) (replication.Entry, bool, error) {
	e, ok := r.state.Get(key)
	return e, ok, nil
}

// Entries implements replication.Replicator.
func (r *Replica) Entries(ctx context.Context, prefix string) ([]replication.Entry, error) {
	return r.state.Live(prefix), nil
}

// Subscribe implements replication.Replicator.
func (r *Replica) Subscribe(fn func(replication.Entry)) (cancel func()) {
	return r.listeners.Add(fn)
}

// Close leaves the hub; other replicas forget the entries this node owned.
func (r *Replica) Close() error {
	r.closeOnce.Do(func() {
		close(r.closing)
		<-r.done
		r.hub.leave(r.nodeID)
	})
	return nil
}

func (r *Replica) enqueue(e replication.Entry) {
	select {
	case r.inbox <- e:
	case <-r.closing:
	default:
		// inbox full: dropped like a lost gossip message; a later sync repairs it
	}
}

func (r *Replica) run() {
	defer close(r.done)
	for {
		select {
		case e := <-r.inbox:
			if r.state.Merge(e) {
				r.listeners.Notify(e)
			}
		case <-r.closing:
			return
		}
	}
}
