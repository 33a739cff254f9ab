// Package subsupervisor serializes subscription changes on a node and keeps
// the node's replicated filter in step with its local subscribers.
//
// All mutations run on one goroutine fed by a command channel. Additions are
// coalesced: the filter is republished when the debounce window that started
// with the first unpublished addition expires. Removals republish at once and
// cancel a pending debounce.
package subsupervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/filterstore"
	"github.com/rmacdonaldsmith/topicmesh/internal/metrics"
	"github.com/rmacdonaldsmith/topicmesh/internal/routingtable"
	"github.com/rmacdonaldsmith/topicmesh/internal/supervise"
	"github.com/rmacdonaldsmith/topicmesh/pkg/liveness"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// Error is the error class for this package.
var Error = errs.Class("subsupervisor")

// errCrashed is returned to a caller whose command panicked the loop.
var errCrashed = errors.New("subscription supervisor crashed while handling the request")

const withdrawTimeout = 5 * time.Second

type command[T any] struct {
	kind      commandKind
	receiver  pubsub.Receiver[T]
	id        string
	topics    []string
	predicate pubsub.Predicate[T]
	// reply is buffered; nil for commands nobody waits for
	reply chan error
}

type commandKind int

const (
	subscribe commandKind = iota
	unsubscribe
	remove
	terminated
	flush
)

// Supervisor implements pubsub.Subscriber for one namespace on one node.
type Supervisor[T any] struct {
	log      *zap.Logger
	config   pubsub.Config
	registry *routingtable.Registry[T]
	store    *filterstore.Store
	watcher  liveness.Watcher
	metrics  *metrics.Set

	commands chan command[T]

	// owned by the loop goroutine
	watches    map[string]func()
	generation uint64
	debounce   *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

var _ pubsub.Subscriber[string] = (*Supervisor[string])(nil)

// New creates a supervisor. The store must be started before Start is called.
// A nil watcher disables termination detection.
func New[T any](log *zap.Logger, config pubsub.Config, registry *routingtable.Registry[T], store *filterstore.Store, watcher liveness.Watcher, m *metrics.Set) *Supervisor[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor[T]{
		log:        log.Named("subsupervisor").With(zap.String("namespace", config.Namespace)),
		config:     config,
		registry:   registry,
		store:      store,
		watcher:    watcher,
		metrics:    m,
		commands:   make(chan command[T]),
		watches:    make(map[string]func()),
		generation: uint64(time.Now().UnixNano()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start publishes the current filter, replacing whatever a previous
// incarnation of this node left behind, and starts the loop.
func (s *Supervisor[T]) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.publish(ctx, "start")
		go func() {
			defer close(s.done)
			supervise.Loop(s.ctx, s.log, s.config.RestartDelay, s.run)
		}()
	})
	return err
}

// Subscribe implements pubsub.Subscriber.
func (s *Supervisor[T]) Subscribe(ctx context.Context, receiver pubsub.Receiver[T], topics []string, predicate pubsub.Predicate[T]) error {
	if receiver == nil {
		return Error.Wrap(pubsub.ErrNilReceiver)
	}
	if err := pubsub.ValidateTopics(topics); err != nil {
		return Error.Wrap(err)
	}
	return s.call(ctx, command[T]{kind: subscribe, receiver: receiver, id: receiver.ID(), topics: topics, predicate: predicate})
}

// Unsubscribe implements pubsub.Subscriber.
func (s *Supervisor[T]) Unsubscribe(ctx context.Context, subscriberID string, topics []string) error {
	if err := pubsub.ValidateTopics(topics); err != nil {
		return Error.Wrap(err)
	}
	return s.call(ctx, command[T]{kind: unsubscribe, id: subscriberID, topics: topics})
}

// RemoveSubscriber implements pubsub.Subscriber.
func (s *Supervisor[T]) RemoveSubscriber(ctx context.Context, subscriberID string) error {
	return s.call(ctx, command[T]{kind: remove, id: subscriberID})
}

// Flush publishes the current filter now, cancelling a pending debounce.
func (s *Supervisor[T]) Flush(ctx context.Context) error {
	return s.call(ctx, command[T]{kind: flush})
}

// Registry returns the registry the supervisor maintains.
func (s *Supervisor[T]) Registry() *routingtable.Registry[T] {
	return s.registry
}

func (s *Supervisor[T]) call(ctx context.Context, cmd command[T]) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.commands <- cmd:
	case <-s.ctx.Done():
		return Error.Wrap(pubsub.ErrClosed)
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	}
	select {
	case err := <-cmd.reply:
		return Error.Wrap(err)
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	}
}

// enqueue sends a command nobody waits for.
func (s *Supervisor[T]) enqueue(cmd command[T]) {
	select {
	case s.commands <- cmd:
	case <-s.ctx.Done():
	}
}

// Close stops the loop and withdraws this node's filter.
func (s *Supervisor[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.startOnce.Do(func() { close(s.done) })
		<-s.done

		for id, stop := range s.watches {
			stop()
			delete(s.watches, id)
		}
		if s.debounce != nil {
			s.debounce.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
		defer cancel()
		err = s.store.Withdraw(ctx)
	})
	return Error.Wrap(err)
}

func (s *Supervisor[T]) run(ctx context.Context) {
	var republish <-chan time.Time
	if s.config.RepublishInterval > 0 {
		ticker := time.NewTicker(s.config.RepublishInterval)
		defer ticker.Stop()
		republish = ticker.C
	}

	for {
		var debounced <-chan time.Time
		if s.debounce != nil {
			debounced = s.debounce.C
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			s.handle(ctx, cmd)
		case <-debounced:
			s.debounce = nil
			_ = s.publish(ctx, "debounce")
		case <-republish:
			_ = s.publish(ctx, "republish")
		}
	}
}

func (s *Supervisor[T]) handle(ctx context.Context, cmd command[T]) {
	defer func() {
		if r := recover(); r != nil {
			cmd.respond(errCrashed)
			panic(r)
		}
	}()

	switch cmd.kind {
	case subscribe:
		change, err := s.registry.Subscribe(cmd.receiver, cmd.topics, cmd.predicate)
		cmd.respond(err)
		if err != nil {
			return
		}
		if change.Created || change.Replaced {
			s.unwatch(cmd.id)
			s.watch(cmd.receiver)
		}
		if change.Added {
			s.schedule()
		}
		s.log.Debug("subscribed", zap.String("subscriber", cmd.id), zap.Strings("topics", cmd.topics))

	case unsubscribe:
		change, err := s.registry.Unsubscribe(cmd.id, cmd.topics)
		cmd.respond(err)
		if err != nil {
			return
		}
		s.removed(ctx, cmd.id, change)

	case remove:
		change := s.registry.RemoveSubscriber(cmd.id)
		cmd.respond(nil)
		s.removed(ctx, cmd.id, change)

	case terminated:
		// the ID may have been taken over by a new handle meanwhile
		if !s.registry.IsCurrent(cmd.receiver) {
			return
		}
		change := s.registry.RemoveSubscriber(cmd.id)
		s.removed(ctx, cmd.id, change)

	case flush:
		s.cancelDebounce()
		cmd.respond(s.publish(ctx, "flush"))
	}

	stats := s.registry.Stats()
	s.metrics.Registry(stats.Subscribers, stats.Topics)
}

func (s *Supervisor[T]) removed(ctx context.Context, id string, change routingtable.Change) {
	if change.Dropped {
		s.unwatch(id)
	}
	if change.Removed {
		s.cancelDebounce()
		_ = s.publish(ctx, "removal")
	}
}

// watch starts termination detection for the receiver registered under its ID.
func (s *Supervisor[T]) watch(receiver pubsub.Receiver[T]) {
	if s.watcher == nil {
		return
	}
	id := receiver.ID()
	s.watches[id] = s.watcher.Watch(receiver, func() {
		s.log.Info("subscriber terminated", zap.String("subscriber", id))
		go s.enqueue(command[T]{kind: terminated, id: id, receiver: receiver})
	})
}

func (s *Supervisor[T]) unwatch(id string) {
	if stop, ok := s.watches[id]; ok {
		stop()
		delete(s.watches, id)
	}
}

func (s *Supervisor[T]) schedule() {
	if s.debounce == nil {
		s.debounce = time.NewTimer(s.config.UpdateDebounceWindow)
	}
}

func (s *Supervisor[T]) cancelDebounce() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// publish rebuilds the aggregate filter and hands it to the store under the
// next generation. Replication failures are logged; the next publish repairs them.
func (s *Supervisor[T]) publish(ctx context.Context, reason string) error {
	s.generation++
	filter := s.registry.AggregateFilter()
	if err := s.store.Publish(ctx, filter, s.generation); err != nil {
		s.log.Warn("filter publish failed",
			zap.String("reason", reason),
			zap.Uint64("generation", s.generation),
			zap.Error(err))
		return fmt.Errorf("publish filter: %w", err)
	}
	s.log.Debug("filter published",
		zap.String("reason", reason),
		zap.Uint64("generation", s.generation),
		zap.Float64("fill", filter.FillRatio()))
	return nil
}

func (cmd command[T]) respond(err error) {
	if cmd.reply == nil {
		return
	}
	select {
	case cmd.reply <- err:
	default:
	}
}
