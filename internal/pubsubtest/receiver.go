// Package pubsubtest provides receivers and helpers shared by topicmesh tests.
package pubsubtest

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// Receiver records every message it receives. It also implements
// liveness.DoneHandle: Terminate closes its Done channel.
type Receiver[T any] struct {
	id string

	mu       sync.Mutex
	received []T

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReceiver creates a recording receiver with the given ID.
func NewReceiver[T any](id string) *Receiver[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver[T]{id: id, ctx: ctx, cancel: cancel}
}

// ID implements pubsub.Receiver.
func (r *Receiver[T]) ID() string { return r.id }

// Receive implements pubsub.Receiver.
func (r *Receiver[T]) Receive(msg T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

// Received returns a copy of all received messages.
func (r *Receiver[T]) Received() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.received...)
}

// Count returns the number of received messages.
func (r *Receiver[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// Done is closed once Terminate is called.
func (r *Receiver[T]) Done() <-chan struct{} { return r.ctx.Done() }

// Terminate simulates the subscriber going away without unsubscribing.
func (r *Receiver[T]) Terminate() { r.cancel() }

var _ pubsub.Receiver[string] = (*Receiver[string])(nil)

// Message is the message type used by tests.
type Message struct {
	Topics []string `json:"topics"`
	Body   string   `json:"body"`
}

// NewMessage builds a Message published at topics.
func NewMessage(body string, topics ...string) Message {
	return Message{Topics: topics, Body: body}
}

// MessageTopics is the topic extractor for Message.
func MessageTopics(msg Message) []string {
	return msg.Topics
}
