package meshnode

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/filterstore"
	"github.com/rmacdonaldsmith/topicmesh/internal/pubsupervisor"
	"github.com/rmacdonaldsmith/topicmesh/internal/routingtable"
	"github.com/rmacdonaldsmith/topicmesh/internal/subsupervisor"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// Factory serves one message type on a node. All publishers and subscribers
// of the type share its registry and filter store.
type Factory[T any] struct {
	log       *zap.Logger
	node      *Node
	config    pubsub.Config
	registry  *routingtable.Registry[T]
	store     *filterstore.Store
	publisher *pubsupervisor.Supervisor[T]

	subscriber *subsupervisor.Supervisor[T]
	stopPrune  func()
	startOnce  sync.Once
	startErr   error
	closeOnce  sync.Once
}

// NewFactory binds a message type to a started node. It loads the filters
// other nodes published for the namespace and fails if they were built with
// different filter parameters. A nil codec selects JSON.
func NewFactory[T any](ctx context.Context, node *Node, extractor pubsub.TopicExtractor[T], codec pubsub.Codec[T], config pubsub.Config) (*Factory[T], error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}
	if extractor == nil {
		return nil, Error.New("topic extractor cannot be nil")
	}
	if codec == nil {
		codec = pubsub.JSONCodec[T]{}
	}

	replicator, install, err := node.attach(config.Namespace)
	if err != nil {
		return nil, err
	}

	nodeID := node.GetNodeID()
	m := node.metrics.For(config.Namespace)
	params := config.FilterParams()

	store, err := filterstore.New(node.log, replicator, filterstore.Config{
		Namespace: config.Namespace,
		NodeID:    nodeID,
		Address:   node.transportAddress(),
		Params:    params,
	}, m)
	if err != nil {
		install(nil)
		return nil, Error.Wrap(err)
	}
	if err := store.Start(ctx); err != nil {
		_ = store.Close()
		install(nil)
		return nil, Error.Wrap(err)
	}

	registry := routingtable.NewRegistry[T](params)
	f := &Factory[T]{
		log:      node.log.With(zap.String("namespace", config.Namespace)),
		node:     node,
		config:   config,
		registry: registry,
		store:    store,
		publisher: pubsupervisor.New(node.log, pubsupervisor.Options[T]{
			Namespace: config.Namespace,
			NodeID:    nodeID,
			Extractor: extractor,
			Codec:     codec,
			Registry:  registry,
			Store:     store,
			Transport: node.transport,
			Metrics:   m,
		}),
		subscriber: subsupervisor.New(node.log, config, registry, store, node.watcher, m),
	}
	f.publisher.Start()
	node.transport.Register(config.Namespace, f.publisher)
	install(f)
	f.stopPrune = store.OnUpdate(func(*filterstore.View) { node.prunePeers() })

	f.log.Info("message type registered", zap.Uint32("bits", params.Bits), zap.Uint32("hashes", params.Hashes))
	return f, nil
}

// Namespace returns the namespace the factory serves.
func (f *Factory[T]) Namespace() string {
	return f.config.Namespace
}

// StartPublisher returns the publisher for this message type.
func (f *Factory[T]) StartPublisher() pubsub.Publisher[T] {
	return f.publisher
}

// StartSubscriber starts the subscription supervisor, publishing this node's
// filter, and returns it. Later calls return the same subscriber.
func (f *Factory[T]) StartSubscriber(ctx context.Context) (pubsub.Subscriber[T], error) {
	f.startOnce.Do(func() {
		f.startErr = f.subscriber.Start(ctx)
	})
	if f.startErr != nil {
		return nil, Error.Wrap(f.startErr)
	}
	return f.subscriber, nil
}

// Flush publishes pending subscription changes without waiting for the
// debounce window.
func (f *Factory[T]) Flush(ctx context.Context) error {
	return f.subscriber.Flush(ctx)
}

// Registry returns the local subscription registry.
func (f *Factory[T]) Registry() *routingtable.Registry[T] {
	return f.registry
}

// Store returns the replicated filter store.
func (f *Factory[T]) Store() *filterstore.Store {
	return f.store
}

// Close withdraws this node's filter for the namespace and stops accepting
// forwarded frames.
func (f *Factory[T]) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.stopPrune()
		f.node.transport.Unregister(f.config.Namespace)
		err = f.subscriber.Close()
		_ = f.publisher.Close()
		_ = f.store.Close()
		f.node.detach(f.config.Namespace)
	})
	return err
}

func (f *Factory[T]) address(nodeID string) (string, bool) {
	return f.store.Address(nodeID)
}

func (f *Factory[T]) stats() namespaceStats {
	remote := 0
	for _, id := range f.store.View().Nodes() {
		if id != f.node.GetNodeID() {
			remote++
		}
	}
	return namespaceStats{
		subscribers: f.registry.Stats().Subscribers,
		remoteNodes: remote,
	}
}
