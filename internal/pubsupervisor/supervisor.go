// Package pubsupervisor publishes messages cluster-wide for one namespace and
// delivers frames forwarded by other nodes to local subscribers.
//
// Publish never waits on the network: candidate nodes come from a cached view
// of the filter store, local subscribers are matched exactly, and frames for
// remote candidates are handed to the transport's send queues.
package pubsupervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/filterstore"
	"github.com/rmacdonaldsmith/topicmesh/internal/metrics"
	"github.com/rmacdonaldsmith/topicmesh/internal/routingtable"
	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// Error is the error class for this package.
var Error = errs.Class("pubsupervisor")

// ErrWrongNamespace is returned when a frame for another namespace is dispatched.
var ErrWrongNamespace = errors.New("frame belongs to another namespace")

// Supervisor implements pubsub.Publisher and peerlink.Dispatcher.
type Supervisor[T any] struct {
	log       *zap.Logger
	namespace string
	nodeID    string
	extractor pubsub.TopicExtractor[T]
	codec     pubsub.Codec[T]
	registry  *routingtable.Registry[T]
	store     *filterstore.Store
	transport peerlink.Transport
	metrics   *metrics.Set

	view   atomic.Pointer[filterstore.View]
	cancel func()
	closed atomic.Bool
}

var (
	_ pubsub.Publisher[string] = (*Supervisor[string])(nil)
	_ peerlink.Dispatcher      = (*Supervisor[string])(nil)
)

// Options holds the collaborators of a Supervisor.
type Options[T any] struct {
	Namespace string
	NodeID    string
	Extractor pubsub.TopicExtractor[T]
	Codec     pubsub.Codec[T]
	Registry  *routingtable.Registry[T]
	Store     *filterstore.Store
	Transport peerlink.Transport
	Metrics   *metrics.Set
}

// New creates a publish supervisor. Start must be called before Publish.
func New[T any](log *zap.Logger, opts Options[T]) *Supervisor[T] {
	return &Supervisor[T]{
		log:       log.Named("pubsupervisor").With(zap.String("namespace", opts.Namespace)),
		namespace: opts.Namespace,
		nodeID:    opts.NodeID,
		extractor: opts.Extractor,
		codec:     opts.Codec,
		registry:  opts.Registry,
		store:     opts.Store,
		transport: opts.Transport,
		metrics:   opts.Metrics,
	}
}

// Start caches the filter store view and keeps it current. Inbound frames are
// accepted by Dispatch once the owner registers the supervisor with the transport.
func (s *Supervisor[T]) Start() {
	s.cancel = s.store.OnUpdate(func(view *filterstore.View) {
		s.view.Store(view)
	})
	s.view.Store(s.store.View())
}

// Publish implements pubsub.Publisher.
func (s *Supervisor[T]) Publish(ctx context.Context, msg T) (int, error) {
	if s.closed.Load() {
		return 0, Error.Wrap(pubsub.ErrClosed)
	}
	topics := s.extractor(msg)
	if len(topics) == 0 {
		return 0, Error.Wrap(pubsub.ErrEmptyTopics)
	}

	var candidates []string
	if view := s.view.Load(); view != nil && s.transport != nil {
		candidates = view.Candidates(topics)
	}
	s.metrics.Published(len(candidates))

	var frame []byte
	if len(candidates) > 0 {
		payload, err := s.codec.Marshal(msg)
		if err != nil {
			return 0, Error.Wrap(fmt.Errorf("encode message: %w", err))
		}
		frame = wire.EncodeDispatch(wire.Dispatch{
			Namespace: s.namespace,
			Origin:    s.nodeID,
			Topics:    topics,
			Payload:   payload,
		})
	}

	nodes := 0
	if s.deliver(topics, msg) > 0 {
		nodes++
	}

	for _, node := range candidates {
		err := s.transport.Send(ctx, node, frame)
		s.metrics.Forward(err)
		if err != nil {
			s.log.Warn("forward failed", zap.String("node", node), zap.Strings("topics", topics), zap.Error(err))
			continue
		}
		nodes++
	}
	return nodes, nil
}

// Dispatch implements peerlink.Dispatcher for frames forwarded by other nodes.
func (s *Supervisor[T]) Dispatch(ctx context.Context, frame []byte) (int, error) {
	d, err := wire.DecodeDispatch(frame)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if d.Namespace != s.namespace {
		return 0, Error.Wrap(fmt.Errorf("%q: %w", d.Namespace, ErrWrongNamespace))
	}
	msg, err := s.codec.Unmarshal(d.Payload)
	if err != nil {
		return 0, Error.Wrap(fmt.Errorf("decode message from %s: %w", d.Origin, err))
	}
	topics := d.Topics
	if len(topics) == 0 {
		topics = s.extractor(msg)
	}
	return s.deliver(topics, msg), nil
}

// deliver hands msg to every local subscriber matching one of topics, once each.
func (s *Supervisor[T]) deliver(topics []string, msg T) int {
	receivers := s.registry.View().Match(topics, msg)
	delivered := 0
	for _, receiver := range receivers {
		if s.receive(receiver, msg) {
			delivered++
		}
	}
	s.metrics.Delivered(delivered)
	return delivered
}

func (s *Supervisor[T]) receive(receiver pubsub.Receiver[T], msg T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			s.log.Error("receiver panicked", zap.String("subscriber", receiver.ID()), zap.Any("panic", r))
		}
	}()
	receiver.Receive(msg)
	return true
}

// Close stops following the filter store. Publish fails afterwards; Dispatch
// keeps delivering.
func (s *Supervisor[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
