package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

var (
	// ErrEmptyTopics is returned when a subscribe or unsubscribe names no topics,
	// or a published message yields none.
	ErrEmptyTopics = errors.New("topic set cannot be empty")
	// ErrEmptyTopic is returned when a topic is the empty string.
	ErrEmptyTopic = errors.New("topic cannot be empty")
	// ErrNilReceiver is returned when subscribing without a receiver.
	ErrNilReceiver = errors.New("receiver cannot be nil")
	// ErrEmptySubscriberID is returned when a receiver has no identity.
	ErrEmptySubscriberID = errors.New("subscriber ID cannot be empty")
	// ErrClosed is returned by operations on a stopped publisher or subscriber.
	ErrClosed = errors.New("pubsub closed")
)

// Receiver is a subscriber handle. Receive must not block for long; slow
// receivers should buffer internally.
type Receiver[T any] interface {
	// ID returns the unique identity of the subscriber on this node.
	ID() string

	// Receive delivers one message.
	Receive(msg T)
}

// TopicExtractor returns the topics a message is published at. It must be pure
// and deterministic.
type TopicExtractor[T any] func(msg T) []string

// Predicate is an extra local filter evaluated against each candidate message.
// It is never replicated. A nil Predicate accepts everything.
type Predicate[T any] func(msg T) bool

// Codec encodes messages forwarded to other nodes.
type Codec[T any] interface {
	Marshal(msg T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Publisher publishes messages cluster-wide.
type Publisher[T any] interface {
	io.Closer

	// Publish extracts the message topics and hands the message to every node
	// that may host a matching subscriber, including this one. It returns the
	// number of nodes the message was handed to. Failures reaching individual
	// nodes are logged, not returned.
	Publish(ctx context.Context, msg T) (int, error)
}

// Subscriber manages the subscriptions of local receivers.
type Subscriber[T any] interface {
	io.Closer

	// Subscribe adds topics to the receiver's subscription. The call returns
	// once the local registry reflects the change; replication to other nodes
	// happens in the background.
	Subscribe(ctx context.Context, receiver Receiver[T], topics []string, predicate Predicate[T]) error

	// Unsubscribe removes topics from the subscriber. Unknown subscribers and
	// topics are ignored.
	Unsubscribe(ctx context.Context, subscriberID string, topics []string) error

	// RemoveSubscriber drops the subscriber and all its topics.
	RemoveSubscriber(ctx context.Context, subscriberID string) error
}

// JSONCodec encodes messages as JSON.
type JSONCodec[T any] struct{}

// Marshal implements Codec.
func (JSONCodec[T]) Marshal(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal implements Codec.
func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// BytesCodec passes raw byte payloads through unchanged.
type BytesCodec struct{}

// Marshal implements Codec.
func (BytesCodec) Marshal(msg []byte) ([]byte, error) { return msg, nil }

// Unmarshal implements Codec.
func (BytesCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }

// ValidateTopics checks a topic set passed to Subscribe or Unsubscribe.
func ValidateTopics(topics []string) error {
	if len(topics) == 0 {
		return ErrEmptyTopics
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrEmptyTopic
		}
	}
	return nil
}
