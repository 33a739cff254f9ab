// Package lww implements the last-writer-wins map and change notification
// shared by the replication backends.
package lww

import (
	"sort"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Map is a last-writer-wins map keyed by entry key and ordered by generation.
// Deleted entries stay as tombstones so stale writes cannot resurrect them.
//
// Entries of an owner that left the cluster are suspended rather than deleted:
// they are hidden and not handed to other members, but keep their generation
// so the owner coming back restores them unchanged.
type Map struct {
	mu        sync.RWMutex
	entries   map[string]replication.Entry
	suspended map[string]struct{}
}

// NewMap creates an empty map.
func NewMap() *Map {
	return &Map{
		entries:   make(map[string]replication.Entry),
		suspended: make(map[string]struct{}),
	}
}

// Merge applies e if it supersedes the current entry for its key and reports
// whether the map changed. On equal generations a deletion wins. A newer
// generation for a suspended key lifts the suspension.
func (m *Map) Merge(e replication.Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[e.Key]
	if _, suspended := m.suspended[e.Key]; suspended {
		if e.Generation <= cur.Generation {
			return false
		}
		delete(m.suspended, e.Key)
		m.entries[e.Key] = e
		return !e.Deleted
	}
	switch {
	case !ok:
		if e.Deleted {
			// remember the tombstone but nothing visible changed
			m.entries[e.Key] = e
			return false
		}
	case e.Generation > cur.Generation:
	case e.Generation == cur.Generation && e.Deleted && !cur.Deleted:
	default:
		return false
	}
	m.entries[e.Key] = e
	return true
}

// Get returns the live entry for key.
func (m *Map) Get(key string) (replication.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.Deleted || m.isSuspended(key) {
		return replication.Entry{}, false
	}
	return e, true
}

func (m *Map) isSuspended(key string) bool {
	_, ok := m.suspended[key]
	return ok
}

// Current returns the entry for key including tombstones and suspended entries.
func (m *Map) Current(key string) (replication.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

// Live returns live entries with the given key prefix, sorted by key.
func (m *Map) Live(prefix string) []replication.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []replication.Entry
	for key, e := range m.entries {
		if !e.Deleted && !m.isSuspended(key) && strings.HasPrefix(key, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// All returns every entry including tombstones, sorted by key. Suspended
// entries are left out.
func (m *Map) All() []replication.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]replication.Entry, 0, len(m.entries))
	for key, e := range m.entries {
		if !m.isSuspended(key) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DropOwner suspends every live entry written by owner and returns deletion
// notices for them. The notices are not stored.
func (m *Map) DropOwner(owner string) []replication.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []replication.Entry
	for key, e := range m.entries {
		if e.Owner != owner || e.Deleted || m.isSuspended(key) {
			continue
		}
		m.suspended[key] = struct{}{}
		dropped = append(dropped, replication.Entry{Key: key, Owner: owner, Generation: e.Generation, Deleted: true})
	}
	return dropped
}

// Restore lifts the suspension of owner's entries and returns the entries
// that became visible again.
func (m *Map) Restore(owner string) []replication.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var restored []replication.Entry
	for key := range m.suspended {
		e := m.entries[key]
		if e.Owner != owner {
			continue
		}
		delete(m.suspended, key)
		restored = append(restored, e)
	}
	sort.Slice(restored, func(i, j int) bool { return restored[i].Key < restored[j].Key })
	return restored
}

// Listeners fans entry changes out to subscribers. Notify calls are serialized.
type Listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(replication.Entry)

	deliver sync.Mutex
}

// Add registers fn and returns a function removing it.
func (l *Listeners) Add(fn func(replication.Entry)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(replication.Entry))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
		})
	}
}

// Notify calls every registered function with e.
func (l *Listeners) Notify(e replication.Entry) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	fns := make([]func(replication.Entry), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
