// Package gossip replicates entries across a cluster with hashicorp/memberlist.
//
// Writes are applied locally and pushed to every live member over memberlist's
// reliable (TCP) channel. Periodic push/pull state exchange repairs anything a
// member missed. Entries owned by a member that leaves or dies are hidden until
// the member is seen alive again.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/topicmesh/internal/replication/lww"
	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Error is the error class for this package.
var Error = errs.Class("gossip")

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrClosed is returned by a closed replicator.
	ErrClosed = errors.New("gossip replicator closed")
)

// Config holds configuration for the gossip replicator.
type Config struct {
	NodeID           string        `yaml:"-"`
	BindAddr         string        `yaml:"bindAddr"`
	BindPort         int           `yaml:"bindPort"`
	AdvertiseAddr    string        `yaml:"advertiseAddr"`
	AdvertisePort    int           `yaml:"advertisePort"`
	Seeds            []string      `yaml:"seeds"`
	PushPullInterval time.Duration `yaml:"pushPullInterval"`
	SendConcurrency  int           `yaml:"sendConcurrency"`
	LeaveTimeout     time.Duration `yaml:"leaveTimeout"`
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.PushPullInterval <= 0 {
		c.PushPullInterval = 5 * time.Second
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = 8
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = 2 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("invalid bind port %d", c.BindPort)
	}
	return nil
}

// Replicator implements replication.Replicator on top of memberlist.
type Replicator struct {
	log    *zap.Logger
	config Config

	ml        *memberlist.Memberlist
	state     *lww.Map
	listeners lww.Listeners

	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup
}

var _ replication.Replicator = (*Replicator)(nil)

// New creates the memberlist node and joins the configured seeds. Failing to
// reach any seed is logged, not fatal: the node runs alone until others join it.
func New(log *zap.Logger, config Config) (*Replicator, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}

	r := &Replicator{
		log:    log.Named("gossip"),
		config: config,
		state:  lww.NewMap(),
	}

	conf := memberlist.DefaultLANConfig()
	conf.Name = config.NodeID
	conf.BindAddr = config.BindAddr
	conf.BindPort = config.BindPort
	conf.AdvertisePort = config.BindPort
	if config.AdvertiseAddr != "" {
		conf.AdvertiseAddr = config.AdvertiseAddr
	}
	if config.AdvertisePort != 0 {
		conf.AdvertisePort = config.AdvertisePort
	}
	conf.PushPullInterval = config.PushPullInterval
	conf.Delegate = &delegate{r: r}
	conf.Events = &events{r: r}
	conf.Logger = zap.NewStdLog(r.log.Named("memberlist"))

	ml, err := memberlist.Create(conf)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	r.ml = ml

	if len(config.Seeds) > 0 {
		joined, err := ml.Join(config.Seeds)
		if err != nil {
			r.log.Warn("could not join seeds", zap.Strings("seeds", config.Seeds), zap.Error(err))
		} else {
			r.log.Info("joined cluster", zap.Int("contacted", joined), zap.Int("members", ml.NumMembers()))
		}
	}

	return r, nil
}

// NodeID implements replication.Replicator.
func (r *Replicator) NodeID() string { return r.config.NodeID }

// Address returns the host:port other members can join through.
func (r *Replicator) Address() string {
	node := r.ml.LocalNode()
	return node.Addr.String() + ":" + strconv.Itoa(int(node.Port))
}

// Members returns the names of the live members, including this node.
func (r *Replicator) Members() []string {
	members := r.ml.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	return names
}

// Join contacts additional members.
func (r *Replicator) Join(addresses ...string) error {
	_, err := r.ml.Join(addresses)
	return Error.Wrap(err)
}

// Put implements replication.Replicator.
func (r *Replicator) Put(ctx context.Context, key string, value []byte, generation uint64) error {
	return r.write(ctx, replication.Entry{
		Key:        key,
		Owner:      r.config.NodeID,
		Generation: generation,
		Value:      append([]byte(nil), value...),
	})
}

// Delete implements replication.Replicator.
func (r *Replicator) Delete(ctx context.Context, key string) error {
	cur, ok := r.state.Current(key)
	if !ok || cur.Deleted {
		return nil
	}
	return r.write(ctx, replication.Entry{Key: key, Owner: r.config.NodeID, Generation: cur.Generation + 1, Deleted: true})
}

func (r *Replicator) write(ctx context.Context, e replication.Entry) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Error.Wrap(ErrClosed)
	}
	if !r.state.Merge(e) {
		r.mu.Unlock()
		return nil
	}
	r.sending.Add(1)
	r.mu.Unlock()

	r.listeners.Notify(e)

	go func() {
		defer r.sending.Done()
		r.push(e)
	}()
	return nil
}

// push sends e to every other live member. Failures are repaired by push/pull.
func (r *Replicator) push(e replication.Entry) {
	msg := wire.EncodeEntry(e)

	var group errgroup.Group
	group.SetLimit(r.config.SendConcurrency)
	for _, member := range r.ml.Members() {
		if member.Name == r.config.NodeID {
			continue
		}
		member := member
		group.Go(func() error {
			if err := r.ml.SendReliable(member, msg); err != nil {
				r.log.Debug("push failed", zap.String("member", member.Name), zap.String("key", e.Key), zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()
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

// Close leaves the cluster gracefully and shuts memberlist down.
func (r *Replicator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.sending.Wait()

	var group errs.Group
	group.Add(r.ml.Leave(r.config.LeaveTimeout))
	group.Add(r.ml.Shutdown())
	return Error.Wrap(group.Err())
}

func (r *Replicator) merge(e replication.Entry) {
	if r.state.Merge(e) {
		r.listeners.Notify(e)
	}
}

type delegate struct {
	r *Replicator
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(msg []byte) {
	e, err := wire.DecodeEntry(msg)
	if err != nil {
		d.r.log.Warn("dropping malformed entry", zap.Error(err))
		return
	}
	d.r.merge(e)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *delegate) LocalState(join bool) []byte {
	return wire.EncodeEntries(d.r.state.All())
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	entries, err := wire.DecodeEntries(buf)
	if err != nil {
		d.r.log.Warn("dropping malformed remote state", zap.Error(err))
		return
	}
	for _, e := range entries {
		d.r.merge(e)
	}
}

type events struct {
	r *Replicator
}

// NotifyJoin also fires when a member declared dead refutes it, so entries
// dropped on its leave come back at their old generation.
func (ev *events) NotifyJoin(node *memberlist.Node) {
	ev.r.log.Debug("member joined", zap.String("member", node.Name))
	for _, e := range ev.r.state.Restore(node.Name) {
		ev.r.listeners.Notify(e)
	}
}

func (ev *events) NotifyLeave(node *memberlist.Node) {
	ev.r.log.Info("member left", zap.String("member", node.Name))
	if node.Name == ev.r.config.NodeID {
		return
	}
	for _, tomb := range ev.r.state.DropOwner(node.Name) {
		ev.r.listeners.Notify(tomb)
	}
}

func (ev *events) NotifyUpdate(node *memberlist.Node) {}
