// Package natskv replicates entries through a NATS JetStream key/value bucket.
//
// Every node writes its own keys and watches the whole bucket. Values carry the
// owner and generation so the local view applies the same last-writer-wins rule
// as the other backends.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/topicmesh/internal/replication/lww"
	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Error is the error class for this package.
var Error = errs.Class("natskv")

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrEmptyURL is returned when no server URL is configured
	ErrEmptyURL = errors.New("NATS URL cannot be empty")
	// ErrClosed is returned by a closed replicator.
	ErrClosed = errors.New("natskv replicator closed")
)

// Config holds configuration for the NATS KV replicator.
type Config struct {
	NodeID      string        `yaml:"-"`
	URL         string        `yaml:"url"`
	Bucket      string        `yaml:"bucket"`
	Replicas    int           `yaml:"replicas"`
	SyncTimeout time.Duration `yaml:"syncTimeout"`
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Bucket == "" {
		c.Bucket = "topicmesh-filters"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 10 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.URL == "" {
		return ErrEmptyURL
	}
	return nil
}

// Replicator implements replication.Replicator on a JetStream KV bucket.
type Replicator struct {
	log    *zap.Logger
	config Config

	conn    *nats.Conn
	kv      jetstream.KeyValue
	watcher jetstream.KeyWatcher

	state     *lww.Map
	listeners lww.Listeners

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

var _ replication.Replicator = (*Replicator)(nil)

// New connects, creates the bucket if needed and blocks until the current
// bucket contents are loaded into the local view.
func New(ctx context.Context, log *zap.Logger, config Config) (*Replicator, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}

	conn, err := nats.Connect(config.URL, nats.Name("topicmesh-"+config.NodeID))
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("%w: %w", replication.ErrUnavailable, err))
	}

	r, err := open(ctx, log, config, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func open(ctx context.Context, log *zap.Logger, config Config, conn *nats.Conn) (*Replicator, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   config.Bucket,
		History:  1,
		Replicas: config.Replicas,
	})
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("bucket %q: %w", config.Bucket, err))
	}

	watcher, err := kv.WatchAll(context.Background())
	if err != nil {
		return nil, Error.Wrap(err)
	}

	r := &Replicator{
		log:     log.Named("natskv"),
		config:  config,
		conn:    conn,
		kv:      kv,
		watcher: watcher,
		state:   lww.NewMap(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	synced := make(chan struct{})
	go r.run(synced)

	timer := time.NewTimer(config.SyncTimeout)
	defer timer.Stop()
	select {
	case <-synced:
	case <-ctx.Done():
		_ = r.Close()
		return nil, Error.Wrap(ctx.Err())
	case <-timer.C:
		_ = r.Close()
		return nil, Error.Wrap(fmt.Errorf("initial sync of %q timed out: %w", config.Bucket, replication.ErrUnavailable))
	}
	return r, nil
}

// run applies watcher updates. A nil update marks the end of the initial values.
func (r *Replicator) run(synced chan struct{}) {
	defer close(r.done)
	signalled := false
	updates := r.watcher.Updates()
	for {
		select {
		case <-r.stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update == nil {
				if !signalled {
					close(synced)
					signalled = true
				}
				continue
			}
			r.apply(update)
		}
	}
}

func (r *Replicator) apply(update jetstream.KeyValueEntry) {
	switch update.Operation() {
	case jetstream.KeyValuePut:
		e, err := wire.DecodeEntry(update.Value())
		if err != nil {
			r.log.Warn("dropping malformed entry", zap.String("key", update.Key()), zap.Error(err))
			return
		}
		if r.state.Merge(e) {
			r.listeners.Notify(e)
		}
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		key, err := decodeKey(update.Key())
		if err != nil {
			return
		}
		cur, ok := r.state.Current(key)
		if !ok || cur.Deleted {
			return
		}
		tomb := replication.Entry{Key: key, Owner: cur.Owner, Generation: cur.Generation, Deleted: true}
		if r.state.Merge(tomb) {
			r.listeners.Notify(tomb)
		}
	}
}

// NodeID implements replication.Replicator.
func (r *Replicator) NodeID() string { return r.config.NodeID }

// Put implements replication.Replicator.
func (r *Replicator) Put(ctx context.Context, key string, value []byte, generation uint64) error {
	return r.write(ctx, replication.Entry{
		Key:        key,
		Owner:      r.config.NodeID,
		Generation: generation,
		Value:      append([]byte(nil), value...),
	})
}

// Delete writes a tombstone so the deletion is ordered like any other write.
func (r *Replicator) Delete(ctx context.Context, key string) error {
	cur, ok := r.state.Current(key)
	if !ok || cur.Deleted {
		return nil
	}
	return r.write(ctx, replication.Entry{Key: key, Owner: r.config.NodeID, Generation: cur.Generation + 1, Deleted: true})
}

func (r *Replicator) write(ctx context.Context, e replication.Entry) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return Error.Wrap(ErrClosed)
	}

	if !r.state.Merge(e) {
		return nil
	}
	r.listeners.Notify(e)

	if _, err := r.kv.Put(ctx, encodeKey(e.Key), wire.EncodeEntry(e)); err != nil {
		return Error.Wrap(fmt.Errorf("%w: %w", replication.ErrUnavailable, err))
	}
	return nil
}

// Get implements replication.Replicator.
func (r *Replicator) Get(ctx context.Context, key string) (replication.Entry, bool, error) {
	e, ok := r.state.Get(key)
	return e, ok, nil
}

// Entries implements replication.Replicator.
func (r *Replicator) Entries(ctx context.Context, prefix string) ([]replication.Entry, error) {
	return r.state.Live(prefix), nil
}

// Subscribe implements replication.Replicator.
func (r *Replicator) Subscribe(fn func(replication.Entry)) (cancel func()) {
	return r.listeners.Add(fn)
}

// Close stops watching and closes the connection.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	err := r.watcher.Stop()
	<-r.done
	r.conn.Close()
	return Error.Wrap(err)
}

// KV keys only allow a restricted alphabet; entry keys are arbitrary strings.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	return string(b), err
}
