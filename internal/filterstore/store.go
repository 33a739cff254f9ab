package filterstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
	"github.com/rmacdonaldsmith/topicmesh/internal/metrics"
	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Error is the error class for this package.
var Error = errs.Class("filterstore")

var (
	// ErrNotStarted is returned by Publish before Start.
	ErrNotStarted = errors.New("filter store not started")
	// ErrEmptyNamespace is returned when namespace is empty
	ErrEmptyNamespace = errors.New("namespace cannot be empty")
)

// Config identifies the local node within a namespace.
type Config struct {
	Namespace string
	NodeID    string
	// Address is where other nodes forward frames for this node.
	Address string
	Params  bloomfilter.Params
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return ErrEmptyNamespace
	}
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	return c.Params.Validate()
}

type node struct {
	id         string
	address    string
	generation uint64
	// filter is nil for incompatible nodes
	filter *bloomfilter.Filter
}

// Store is the replicated filter store of one namespace.
type Store struct {
	log     *zap.Logger
	repl    replication.Replicator
	config  Config
	prefix  string
	metrics *metrics.Set

	mu      sync.Mutex
	started bool
	local   *node
	remote  map[string]*node
	cancel  func()

	view atomic.Pointer[View]

	notify    sync.Mutex
	listeners map[int]func(*View)
	nextID    int
}

// New creates a store. It does not read the replicator until Start.
func New(log *zap.Logger, repl replication.Replicator, config Config, m *metrics.Set) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}
	s := &Store{
		log:       log.Named("filterstore").With(zap.String("namespace", config.Namespace)),
		repl:      repl,
		config:    config,
		prefix:    config.Namespace + "/",
		metrics:   m,
		remote:    make(map[string]*node),
		listeners: make(map[int]func(*View)),
	}
	s.view.Store(&View{self: config.NodeID, nodes: map[string]*node{}})
	return s, nil
}

// Key returns the replication key of node's filter.
func (s *Store) Key(nodeID string) string {
	return s.prefix + nodeID
}

// Start subscribes to replicated changes and loads the entries already known.
// A known node whose filter parameters differ from the local ones is a cluster
// misconfiguration and fails with bloomfilter.ErrSizeMismatch.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// subscribe before listing so no change falls between the two
	cancel := s.repl.Subscribe(s.apply)

	entries, err := s.repl.Entries(ctx, s.prefix)
	if err != nil {
		cancel()
		return Error.Wrap(err)
	}

	var mismatched []string
	for _, e := range entries {
		record, err := wire.DecodeFilterRecord(e.Value)
		if err != nil {
			continue
		}
		if record.Params != s.config.Params {
			mismatched = append(mismatched, record.Node)
		}
	}
	if len(mismatched) > 0 {
		cancel()
		return Error.Wrap(fmt.Errorf("nodes %v use filter parameters different from %+v: %w",
			mismatched, s.config.Params, bloomfilter.ErrSizeMismatch))
	}

	for _, e := range entries {
		s.apply(e)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

// apply handles one replicated change. It runs on the replicator's listener
// goroutine and must not write to the replicator.
func (s *Store) apply(e replication.Entry) {
	id, ok := strings.CutPrefix(e.Key, s.prefix)
	if !ok || id == "" || id == s.config.NodeID {
		return
	}

	s.mu.Lock()
	changed := s.applyLocked(id, e)
	if changed {
		s.rebuildLocked()
	}
	s.mu.Unlock()

	if changed {
		s.publishView()
	}
}

func (s *Store) applyLocked(id string, e replication.Entry) bool {
	cur, known := s.remote[id]
	if e.Deleted {
		if !known || e.Generation < cur.generation {
			return false
		}
		delete(s.remote, id)
		s.log.Debug("node filter removed", zap.String("node", id))
		return true
	}

	record, err := wire.DecodeFilterRecord(e.Value)
	if err != nil {
		s.log.Warn("ignoring malformed filter record", zap.String("node", id), zap.Error(err))
		return false
	}
	if record.Node != id {
		s.log.Warn("ignoring filter record under foreign key", zap.String("key", e.Key), zap.String("node", record.Node))
		return false
	}
	if known && record.Generation <= cur.generation {
		return false
	}

	n := &node{id: id, address: record.Address, generation: record.Generation}
	filter, err := record.Filter()
	switch {
	case err != nil || record.Params != s.config.Params:
		// treat as candidate for every topic rather than lose deliveries
		s.log.Error("node filter is incompatible with local parameters",
			zap.String("node", id),
			zap.Any("remote", record.Params),
			zap.Any("local", s.config.Params),
			zap.Error(err))
	default:
		n.filter = filter
	}
	s.remote[id] = n
	return true
}

// Publish makes filter the local node's entry with the given generation. The
// local view changes immediately; replication happens in the background.
func (s *Store) Publish(ctx context.Context, filter *bloomfilter.Filter, generation uint64) error {
	if filter.Params() != s.config.Params {
		return Error.Wrap(fmt.Errorf("local filter %+v, store %+v: %w", filter.Params(), s.config.Params, bloomfilter.ErrSizeMismatch))
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Error.Wrap(ErrNotStarted)
	}
	if s.local != nil && generation <= s.local.generation {
		s.mu.Unlock()
		return nil
	}
	s.local = &node{
		id:         s.config.NodeID,
		address:    s.config.Address,
		generation: generation,
		filter:     filter.Clone(),
	}
	s.rebuildLocked()
	s.mu.Unlock()
	s.publishView()

	record := wire.FilterRecord{
		Node:       s.config.NodeID,
		Address:    s.config.Address,
		Generation: generation,
		Params:     s.config.Params,
		Bits:       filter.Bytes(),
	}
	if err := s.repl.Put(ctx, s.Key(s.config.NodeID), wire.EncodeFilterRecord(record), generation); err != nil {
		return Error.Wrap(err)
	}
	s.metrics.Republished()
	return nil
}

// Withdraw removes the local entry from the cluster.
func (s *Store) Withdraw(ctx context.Context) error {
	s.mu.Lock()
	s.local = nil
	s.rebuildLocked()
	s.mu.Unlock()
	s.publishView()

	return Error.Wrap(s.repl.Delete(ctx, s.Key(s.config.NodeID)))
}

// View returns the current immutable view.
func (s *Store) View() *View {
	return s.view.Load()
}

// Snapshot returns the known filters by node, including the local one.
// Incompatible nodes are omitted.
func (s *Store) Snapshot() map[string]*bloomfilter.Filter {
	return s.View().Filters()
}

// Address returns the dispatch address of a node.
func (s *Store) Address(nodeID string) (string, bool) {
	n, ok := s.View().nodes[nodeID]
	if !ok || n.address == "" {
		return "", false
	}
	return n.address, true
}

// OnUpdate registers fn to be called with the new view after every change.
// Calls are serialized. The returned function cancels the registration.
func (s *Store) OnUpdate(fn func(*View)) (cancel func()) {
	s.notify.Lock()
	defer s.notify.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notify.Lock()
			defer s.notify.Unlock()
			delete(s.listeners, id)
		})
	}
}

// Close stops watching the replicator.
func (s *Store) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Store) rebuildLocked() {
	nodes := make(map[string]*node, len(s.remote)+1)
	for id, n := range s.remote {
		nodes[id] = n
	}
	if s.local != nil {
		nodes[s.config.NodeID] = s.local
	}
	s.view.Store(&View{self: s.config.NodeID, nodes: nodes})
	s.metrics.Remote(len(s.remote))
}

func (s *Store) publishView() {
	s.notify.Lock()
	defer s.notify.Unlock()
	// always hand out the latest view, concurrent changes may have raced
	view := s.view.Load()
	for _, fn := range s.listeners {
		fn(view)
	}
}
