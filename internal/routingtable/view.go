package routingtable

import (
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
	routingtablepkg "github.com/rmacdonaldsmith/topicmesh/pkg/routingtable"
)

type member[T any] struct {
	receiver  pubsub.Receiver[T]
	predicate pubsub.Predicate[T]
}

// View is an immutable snapshot of the registry used for matching.
type View[T any] struct {
	byTopic     map[string][]member[T]
	ids         map[string]struct{}
	subscribers int
}

var _ routingtablepkg.Matcher[string] = (*View[string])(nil)

func emptyView[T any]() *View[T] {
	return &View[T]{byTopic: make(map[string][]member[T]), ids: make(map[string]struct{})}
}

// MatchingSubscribers returns the subscribers whose topic set contains topic
// and whose predicate accepts msg.
func (v *View[T]) MatchingSubscribers(topic string, msg T) []pubsub.Receiver[T] {
	var matched []pubsub.Receiver[T]
	for _, m := range v.byTopic[topic] {
		if accepts(m.predicate, msg) {
			matched = append(matched, m.receiver)
		}
	}
	return matched
}

// Match returns every subscriber matching at least one of topics, each at most
// once, in first-match order.
func (v *View[T]) Match(topics []string, msg T) []pubsub.Receiver[T] {
	seen := make(map[string]struct{})
	var matched []pubsub.Receiver[T]
	for _, topic := range topics {
		for _, m := range v.byTopic[topic] {
			id := m.receiver.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			// mark before evaluating so a rejecting predicate is not retried per topic
			seen[id] = struct{}{}
			if accepts(m.predicate, msg) {
				matched = append(matched, m.receiver)
			}
		}
	}
	return matched
}

// HasTopic reports whether any subscriber is registered for topic.
func (v *View[T]) HasTopic(topic string) bool {
	return len(v.byTopic[topic]) > 0
}

// HasAny reports whether any subscriber is registered for one of topics.
func (v *View[T]) HasAny(topics []string) bool {
	for _, topic := range topics {
		if v.HasTopic(topic) {
			return true
		}
	}
	return false
}

// HasSubscriber reports whether the subscriber is registered.
func (v *View[T]) HasSubscriber(subscriberID string) bool {
	_, ok := v.ids[subscriberID]
	return ok
}

// Subscribers returns the number of registered subscribers.
func (v *View[T]) Subscribers() int {
	return v.subscribers
}

// accepts evaluates a predicate; a panicking predicate rejects the message.
func accepts[T any](predicate pubsub.Predicate[T], msg T) (ok bool) {
	if predicate == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return predicate(msg)
}
