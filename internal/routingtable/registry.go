package routingtable

import (
	"reflect"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
	routingtablepkg "github.com/rmacdonaldsmith/topicmesh/pkg/routingtable"
)

// Change describes the effect of one registry mutation.
type Change = routingtablepkg.Change

// Stats summarises registry contents.
type Stats = routingtablepkg.Stats

type subscription[T any] struct {
	receiver  pubsub.Receiver[T]
	topics    mapset.Set[string]
	predicate pubsub.Predicate[T]
}

// Registry is the exact bookkeeping of which local subscriber wants which topics.
//
// Mutating methods must be called from a single goroutine (the subscription
// supervisor). Readers use View, which returns an immutable index that is
// swapped atomically after every mutation and is safe for concurrent use.
type Registry[T any] struct {
	params        bloomfilter.Params
	subscriptions map[string]*subscription[T]
	view          atomic.Pointer[View[T]]
}

var _ routingtablepkg.RoutingTable[string] = (*Registry[string])(nil)

// NewRegistry creates an empty registry whose aggregate filters use params.
func NewRegistry[T any](params bloomfilter.Params) *Registry[T] {
	r := &Registry[T]{
		params:        params,
		subscriptions: make(map[string]*subscription[T]),
	}
	r.view.Store(emptyView[T]())
	return r
}

// Subscribe merges topics into the receiver's subscription. Subscribing to a
// topic twice is a no-op. A non-nil predicate replaces the previous one.
func (r *Registry[T]) Subscribe(receiver pubsub.Receiver[T], topics []string, predicate pubsub.Predicate[T]) (Change, error) {
	if receiver == nil {
		return Change{}, pubsub.ErrNilReceiver
	}
	if receiver.ID() == "" {
		return Change{}, pubsub.ErrEmptySubscriberID
	}
	if err := pubsub.ValidateTopics(topics); err != nil {
		return Change{}, err
	}

	var change Change
	sub, ok := r.subscriptions[receiver.ID()]
	if !ok {
		sub = &subscription[T]{
			receiver: receiver,
			topics:   mapset.NewThreadUnsafeSet[string](),
		}
		r.subscriptions[receiver.ID()] = sub
		change.Created = true
	} else if !sameReceiver(sub.receiver, receiver) {
		change.Replaced = true
	}
	sub.receiver = receiver
	if predicate != nil {
		sub.predicate = predicate
	}
	for _, topic := range topics {
		if sub.topics.Add(topic) {
			change.Added = true
		}
	}

	r.rebuild()
	return change, nil
}

// Unsubscribe removes topics from the subscriber and drops it when none remain.
// Unknown subscribers and topics are ignored.
func (r *Registry[T]) Unsubscribe(subscriberID string, topics []string) (Change, error) {
	if err := pubsub.ValidateTopics(topics); err != nil {
		return Change{}, err
	}

	var change Change
	sub, ok := r.subscriptions[subscriberID]
	if !ok {
		return change, nil
	}
	for _, topic := range topics {
		if sub.topics.Contains(topic) {
			sub.topics.Remove(topic)
			change.Removed = true
		}
	}
	if sub.topics.Cardinality() == 0 {
		delete(r.subscriptions, subscriberID)
		change.Dropped = true
	}

	if change.Removed {
		r.rebuild()
	}
	return change, nil
}

// RemoveSubscriber drops the subscriber with all its topics.
func (r *Registry[T]) RemoveSubscriber(subscriberID string) Change {
	sub, ok := r.subscriptions[subscriberID]
	if !ok {
		return Change{}
	}
	delete(r.subscriptions, subscriberID)
	r.rebuild()
	return Change{Removed: sub.topics.Cardinality() > 0, Dropped: true}
}

// Has reports whether the subscriber is registered. Only the writer may call
// it; readers use View().HasSubscriber.
func (r *Registry[T]) Has(subscriberID string) bool {
	_, ok := r.subscriptions[subscriberID]
	return ok
}

// IsCurrent reports whether receiver is the handle registered under its ID.
func (r *Registry[T]) IsCurrent(receiver pubsub.Receiver[T]) bool {
	sub, ok := r.subscriptions[receiver.ID()]
	return ok && sameReceiver(sub.receiver, receiver)
}

// sameReceiver compares handles by identity. Handles of a non-comparable type
// are never the same.
func sameReceiver[T any](a, b pubsub.Receiver[T]) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Topics returns the current topics of a subscriber.
func (r *Registry[T]) Topics(subscriberID string) []string {
	sub, ok := r.subscriptions[subscriberID]
	if !ok {
		return nil
	}
	return sub.topics.ToSlice()
}

// AggregateFilter builds a new filter from scratch over every registered
// topic. Bits are never cleared individually: a bit may be shared by topics of
// several subscribers, so shrinking coverage requires a rebuild.
func (r *Registry[T]) AggregateFilter() *bloomfilter.Filter {
	filter := bloomfilter.NewWithParams(r.params)
	for _, sub := range r.subscriptions {
		sub.topics.Each(func(topic string) bool {
			filter.Add(topic)
			return false
		})
	}
	return filter
}

// Stats reports the number of subscribers and distinct topics.
func (r *Registry[T]) Stats() Stats {
	view := r.view.Load()
	return Stats{Subscribers: view.subscribers, Topics: len(view.byTopic)}
}

// View returns the current read-only index.
func (r *Registry[T]) View() *View[T] {
	return r.view.Load()
}

func (r *Registry[T]) rebuild() {
	view := &View[T]{
		byTopic:     make(map[string][]member[T]),
		ids:         make(map[string]struct{}, len(r.subscriptions)),
		subscribers: len(r.subscriptions),
	}
	for id, sub := range r.subscriptions {
		view.ids[id] = struct{}{}
		m := member[T]{receiver: sub.receiver, predicate: sub.predicate}
		sub.topics.Each(func(topic string) bool {
			view.byTopic[topic] = append(view.byTopic[topic], m)
			return false
		})
	}
	r.view.Store(view)
}
