// Package liveness implements the watchers that detect subscribers that went
// away without unsubscribing.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rmacdonaldsmith/topicmesh/pkg/liveness"
)

// HeartbeatWatcher considers a subscriber terminated when no Beat arrived
// within the TTL.
type HeartbeatWatcher struct {
	cache *ttlcache.Cache[string, struct{}]

	mu        sync.Mutex
	next      int
	callbacks map[string]map[int]func()
}

var _ liveness.Watcher = (*HeartbeatWatcher)(nil)

// NewHeartbeatWatcher creates a watcher and starts its expiry loop. Close stops it.
func NewHeartbeatWatcher(ttl time.Duration) *HeartbeatWatcher {
	w := &HeartbeatWatcher{
		cache: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		callbacks: make(map[string]map[int]func()),
	}
	w.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason == ttlcache.EvictionReasonExpired {
			// the cache may hold its own lock here
			go w.expire(item.Key())
		}
	})
	go w.cache.Start()
	return w
}

// Watch implements liveness.Watcher. The deadline starts now.
func (w *HeartbeatWatcher) Watch(h liveness.Handle, onTerminated func()) (stop func()) {
	id := h.ID()

	w.mu.Lock()
	token := w.next
	w.next++
	if w.callbacks[id] == nil {
		w.callbacks[id] = make(map[int]func())
		w.cache.Set(id, struct{}{}, ttlcache.DefaultTTL)
	}
	w.callbacks[id][token] = onTerminated
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		callbacks, ok := w.callbacks[id]
		if !ok {
			return
		}
		delete(callbacks, token)
		if len(callbacks) == 0 {
			delete(w.callbacks, id)
			w.cache.Delete(id)
		}
	}
}

// Beat extends the deadline of a watched subscriber.
func (w *HeartbeatWatcher) Beat(id string) {
	w.cache.Touch(id)
}

// Watching reports whether id is being watched.
func (w *HeartbeatWatcher) Watching(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.callbacks[id]
	return ok
}

// Close stops the expiry loop.
func (w *HeartbeatWatcher) Close() error {
	w.cache.Stop()
	return nil
}

func (w *HeartbeatWatcher) expire(id string) {
	w.mu.Lock()
	callbacks := w.callbacks[id]
	delete(w.callbacks, id)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
