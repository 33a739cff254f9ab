// Package liveness defines how topicmesh learns that a subscriber went away
// without unsubscribing.
package liveness

// Handle identifies a watched subscriber.
type Handle interface {
	ID() string
}

// DoneHandle is a Handle that can report its own termination, for example a
// receiver bound to a connection context.
type DoneHandle interface {
	Handle
	Done() <-chan struct{}
}

// Watcher notifies when a subscriber becomes unreachable.
type Watcher interface {
	// Watch calls onTerminated exactly once when h terminates, unless the
	// returned stop function is called first.
	Watch(h Handle, onTerminated func()) (stop func())
}

// WatcherFunc adapts a function to the Watcher interface.
type WatcherFunc func(h Handle, onTerminated func()) (stop func())

// Watch implements Watcher.
func (f WatcherFunc) Watch(h Handle, onTerminated func()) (stop func()) {
	return f(h, onTerminated)
}
