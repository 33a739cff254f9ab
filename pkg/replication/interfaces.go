package replication

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable is returned when the underlying store cannot be reached.
var ErrUnavailable = errors.New("replication store unavailable")

// Entry is one replicated key/value pair.
type Entry struct {
	// Key identifies the entry cluster-wide.
	Key string

	// Owner is the node that wrote the entry and the only node allowed to change it.
	Owner string

	// Generation orders writes for the same key; the highest generation wins.
	Generation uint64

	// Value is the opaque payload.
	Value []byte

	// Deleted marks an entry removed by its owner or dropped because the owner left.
	Deleted bool
}

// Newer reports whether e supersedes other for the same key.
func (e Entry) Newer(other Entry) bool {
	return e.Generation > other.Generation
}

// Replicator is an eventually consistent, last-writer-wins key/value map
// replicated to every node.
type Replicator interface {
	io.Closer

	// NodeID returns the identity this replica writes under.
	NodeID() string

	// Put writes key with the given generation. Writes with a generation not
	// higher than the current one for key are ignored.
	Put(ctx context.Context, key string, value []byte, generation uint64) error

	// Get returns the locally known entry for key.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Entries returns every locally known live entry whose key has the given prefix.
	Entries(ctx context.Context, prefix string) ([]Entry, error)

	// Delete removes key. Only the owner should delete its keys.
	Delete(ctx context.Context, key string) error

	// Subscribe registers fn to be called for every change of the local view.
	// Calls are serialized per subscription. The returned function cancels it.
	Subscribe(fn func(Entry)) (cancel func())
}
