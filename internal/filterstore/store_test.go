package filterstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/memory"
	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

var testParams = bloomfilter.Optimal(100, 0.01, 0)

func newStore(t *testing.T, repl replication.Replicator) *Store {
	t.Helper()
	store, err := New(zaptest.NewLogger(t), repl, Config{
		Namespace: "signals",
		NodeID:    repl.NodeID(),
		Address:   repl.NodeID() + ":9090",
		Params:    testParams,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func filterOf(topics ...string) *bloomfilter.Filter {
	filter := bloomfilter.NewWithParams(testParams)
	filter.AddAll(topics...)
	return filter
}

func TestConfig_Validate(t *testing.T) {
	config := Config{NodeID: "n1", Params: testParams}
	require.ErrorIs(t, config.Validate(), ErrEmptyNamespace)

	config = Config{Namespace: "signals", NodeID: "n1", Params: bloomfilter.Params{Bits: 10}}
	require.ErrorIs(t, config.Validate(), bloomfilter.ErrInvalidParams)
}

func TestStore_LocalEntryIsImmediatelyVisible(t *testing.T) {
	hub := memory.NewHub(time.Hour)
	n1 := hub.Join("n1")
	defer n1.Close()
	store := newStore(t, n1)

	require.NoError(t, store.Publish(context.Background(), filterOf("temperature"), 1))

	local, ok := store.View().Local()
	require.True(t, ok)
	assert.True(t, local.Contains("temperature"))
	assert.Contains(t, store.Snapshot(), "n1")

	address, ok := store.Address("n1")
	require.True(t, ok)
	assert.Equal(t, "n1:9090", address)

	// the local node is never a remote candidate
	assert.Empty(t, store.View().Candidates([]string{"temperature"}))
}

func TestStore_ReplicatesAcrossNodes(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(0)
	n1, n2 := hub.Join("n1"), hub.Join("n2")
	defer n1.Close()
	defer n2.Close()
	s1, s2 := newStore(t, n1), newStore(t, n2)

	var updates atomic.Int32
	cancel := s2.OnUpdate(func(*View) { updates.Add(1) })
	defer cancel()

	require.NoError(t, s1.Publish(ctx, filterOf("temperature"), 10))

	require.Eventually(t, func() bool {
		return len(s2.View().Candidates([]string{"temperature"})) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n1"}, s2.View().Candidates([]string{"temperature"}))
	assert.Empty(t, s2.View().Candidates([]string{"humidity"}))
	assert.Positive(t, updates.Load())

	address, ok := s2.Address("n1")
	require.True(t, ok)
	assert.Equal(t, "n1:9090", address)

	// withdrawal removes the node everywhere
	require.NoError(t, s1.Withdraw(ctx))
	require.Eventually(t, func() bool {
		return len(s2.View().Nodes()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStore_IgnoresOlderGenerations(t *testing.T) {
	hub := memory.NewHub(0)
	n2 := hub.Join("n2")
	defer n2.Close()
	store := newStore(t, n2)

	put := func(gen uint64, topics ...string) {
		record := wire.FilterRecord{Node: "n1", Generation: gen, Params: testParams, Bits: filterOf(topics...).Bytes()}
		store.apply(replication.Entry{Key: "signals/n1", Owner: "n1", Generation: gen, Value: wire.EncodeFilterRecord(record)})
	}

	put(5, "new")
	put(4, "old")
	put(5, "same")

	generation, ok := store.View().Generation("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), generation)
	assert.Equal(t, []string{"n1"}, store.View().Candidates([]string{"new"}))
	assert.Empty(t, store.View().Candidates([]string{"old"}))

	// other namespaces are not ours
	store.apply(replication.Entry{Key: "other/n3", Owner: "n3", Generation: 1, Value: []byte{}})
	assert.Equal(t, []string{"n1"}, store.View().Nodes())
}

func TestStore_PublishIgnoresStaleGeneration(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(0)
	n1 := hub.Join("n1")
	defer n1.Close()
	store := newStore(t, n1)

	require.NoError(t, store.Publish(ctx, filterOf("a"), 2))
	require.NoError(t, store.Publish(ctx, filterOf("b"), 1))

	local, _ := store.View().Local()
	assert.True(t, local.Contains("a"))
}

func TestStore_StartFailsOnSizeMismatch(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(0)
	n1, n2 := hub.Join("n1"), hub.Join("n2")
	defer n1.Close()
	defer n2.Close()

	other := bloomfilter.Optimal(10000, 0.01, 0)
	record := wire.FilterRecord{Node: "n1", Generation: 1, Params: other, Bits: bloomfilter.NewWithParams(other).Bytes()}
	require.NoError(t, n1.Put(ctx, "signals/n1", wire.EncodeFilterRecord(record), 1))
	require.Eventually(t, func() bool {
		_, ok, _ := n2.Get(ctx, "signals/n1")
		return ok
	}, time.Second, 5*time.Millisecond)

	store, err := New(zaptest.NewLogger(t), n2, Config{Namespace: "signals", NodeID: "n2", Params: testParams}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, store.Start(ctx), bloomfilter.ErrSizeMismatch)
}

func TestStore_LateMismatchMarksNodeIncompatible(t *testing.T) {
	hub := memory.NewHub(0)
	n2 := hub.Join("n2")
	defer n2.Close()
	store := newStore(t, n2)

	other := bloomfilter.Optimal(10000, 0.01, 0)
	record := wire.FilterRecord{Node: "n1", Generation: 1, Params: other, Bits: bloomfilter.NewWithParams(other).Bytes()}
	store.apply(replication.Entry{Key: "signals/n1", Owner: "n1", Generation: 1, Value: wire.EncodeFilterRecord(record)})

	view := store.View()
	assert.True(t, view.Incompatible("n1"))
	// incompatible nodes are candidates for everything
	assert.Equal(t, []string{"n1"}, view.Candidates([]string{"anything"}))
	assert.NotContains(t, view.Filters(), "n1")
}

func TestStore_PublishRejectsForeignParams(t *testing.T) {
	hub := memory.NewHub(0)
	n1 := hub.Join("n1")
	defer n1.Close()
	store := newStore(t, n1)

	err := store.Publish(context.Background(), bloomfilter.New(5000, 0.01), 1)
	require.ErrorIs(t, err, bloomfilter.ErrSizeMismatch)
}

func TestStore_PublishBeforeStart(t *testing.T) {
	hub := memory.NewHub(0)
	n1 := hub.Join("n1")
	defer n1.Close()
	store, err := New(zaptest.NewLogger(t), n1, Config{Namespace: "signals", NodeID: "n1", Params: testParams}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, store.Publish(context.Background(), filterOf("a"), 1), ErrNotStarted)
}
