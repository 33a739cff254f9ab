package routingtable

import (
	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// Change describes the effect of one routing table mutation.
type Change struct {
	// Added is true when at least one topic was added to a subscriber.
	Added bool

	// Removed is true when at least one topic was removed, so the aggregate
	// filter may have lost coverage.
	Removed bool

	// Created is true when the subscriber was not registered before.
	Created bool

	// Replaced is true when a registered subscriber ID got a different receiver.
	Replaced bool

	// Dropped is true when the subscriber no longer has any topic and was removed.
	Dropped bool
}

// Stats summarises routing table contents.
type Stats struct {
	Subscribers int
	Topics      int
}

// Matcher answers which local subscribers want a message.
// Topics match exactly; a subscriber's predicate then filters the message.
type Matcher[T any] interface {
	// MatchingSubscribers returns the subscribers of topic that accept msg.
	MatchingSubscribers(topic string, msg T) []pubsub.Receiver[T]

	// Match returns the subscribers of any of topics that accept msg, each once.
	Match(topics []string, msg T) []pubsub.Receiver[T]

	// HasAny reports whether any subscriber is registered for one of topics.
	HasAny(topics []string) bool
}

// RoutingTable manages the local subscribers of one message type on a node.
// It is not safe for concurrent mutation; a single writer owns it while any
// number of readers match through Matcher snapshots.
type RoutingTable[T any] interface {
	// Subscribe adds topics to a subscriber, registering it if new.
	// A nil predicate keeps the subscriber's current predicate.
	Subscribe(receiver pubsub.Receiver[T], topics []string, predicate pubsub.Predicate[T]) (Change, error)

	// Unsubscribe removes topics from a subscriber; a subscriber left with no
	// topics is removed. Unknown subscribers are ignored.
	Unsubscribe(subscriberID string, topics []string) (Change, error)

	// RemoveSubscriber removes a subscriber and all its topics.
	RemoveSubscriber(subscriberID string) Change

	// AggregateFilter builds the filter of every registered topic from scratch.
	AggregateFilter() *bloomfilter.Filter

	// Stats returns subscriber and distinct topic counts.
	Stats() Stats
}
