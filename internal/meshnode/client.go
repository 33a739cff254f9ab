package meshnode

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/topicmesh/pkg/liveness"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

// ChannelReceiver is a subscriber that queues delivered messages on a
// buffered channel. Delivery never blocks: when the buffer is full the
// message is dropped and counted.
//
// Cancelling the receiver's context terminates it, which removes its
// subscriptions through the node's liveness watcher.
type ChannelReceiver[T any] struct {
	id          string
	connectedAt time.Time
	messages    chan T
	dropped     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ pubsub.Receiver[string] = (*ChannelReceiver[string])(nil)
	_ liveness.DoneHandle     = (*ChannelReceiver[string])(nil)
)

// NewChannelReceiver creates a receiver bound to ctx with the given buffer size.
func NewChannelReceiver[T any](ctx context.Context, id string, buffer int) *ChannelReceiver[T] {
	if buffer <= 0 {
		buffer = 100
	}
	ctx, cancel := context.WithCancel(ctx)
	return &ChannelReceiver[T]{
		id:          id,
		connectedAt: time.Now(),
		messages:    make(chan T, buffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ID returns unique identifier for this receiver
func (c *ChannelReceiver[T]) ID() string {
	return c.id
}

// ConnectedAt returns when this receiver was created
func (c *ChannelReceiver[T]) ConnectedAt() time.Time {
	return c.connectedAt
}

// Receive implements pubsub.Receiver.
func (c *ChannelReceiver[T]) Receive(msg T) {
	select {
	case c.messages <- msg:
	default:
		c.dropped.Add(1)
	}
}

// Messages returns the channel delivered messages are queued on.
func (c *ChannelReceiver[T]) Messages() <-chan T {
	return c.messages
}

// Dropped returns how many messages were discarded on a full buffer.
func (c *ChannelReceiver[T]) Dropped() uint64 {
	return c.dropped.Load()
}

// Done implements liveness.DoneHandle.
func (c *ChannelReceiver[T]) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close terminates the receiver.
func (c *ChannelReceiver[T]) Close() error {
	c.cancel()
	return nil
}
