package liveness

import (
	"sync"

	"github.com/rmacdonaldsmith/topicmesh/pkg/liveness"
)

// DoneWatcher watches handles that implement liveness.DoneHandle. Other
// handles are never reported as terminated.
type DoneWatcher struct{}

var _ liveness.Watcher = DoneWatcher{}

// Watch implements liveness.Watcher.
func (DoneWatcher) Watch(h liveness.Handle, onTerminated func()) (stop func()) {
	dh, ok := h.(liveness.DoneHandle)
	if !ok {
		return func() {}
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-dh.Done():
			onTerminated()
		case <-stopped:
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopped) }) }
}

// Multi combines watchers. The callback fires at most once, on the first
// watcher that reports termination, and the other watches are stopped.
func Multi(watchers ...liveness.Watcher) liveness.Watcher {
	return liveness.WatcherFunc(func(h liveness.Handle, onTerminated func()) (stop func()) {
		var (
			once  sync.Once
			mu    sync.Mutex
			stops []func()
		)
		stopAll := func() {
			mu.Lock()
			fns := stops
			stops = nil
			mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
		fire := func() {
			once.Do(func() {
				go stopAll()
				onTerminated()
			})
		}

		for _, w := range watchers {
			s := w.Watch(h, fire)
			mu.Lock()
			stops = append(stops, s)
			mu.Unlock()
		}

		return func() {
			once.Do(func() {})
			stopAll()
		}
	})
}
