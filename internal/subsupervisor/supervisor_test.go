package subsupervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/topicmesh/internal/filterstore"
	"github.com/rmacdonaldsmith/topicmesh/internal/liveness"
	"github.com/rmacdonaldsmith/topicmesh/internal/pubsubtest"
	"github.com/rmacdonaldsmith/topicmesh/internal/replication/memory"
	"github.com/rmacdonaldsmith/topicmesh/internal/routingtable"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

type fixture struct {
	supervisor *Supervisor[pubsubtest.Message]
	store      *filterstore.Store
	// remote is a second node's store watching the same namespace
	remote *filterstore.Store
}

func newFixture(t *testing.T, config pubsub.Config) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	config.SetDefaults()
	params := config.FilterParams()

	hub := memory.NewHub(0)
	n1, n2 := hub.Join("n1"), hub.Join("n2")
	t.Cleanup(func() {
		_ = n1.Close()
		_ = n2.Close()
	})

	store, err := filterstore.New(log, n1, filterstore.Config{Namespace: config.Namespace, NodeID: "n1", Params: params}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))
	remote, err := filterstore.New(log, n2, filterstore.Config{Namespace: config.Namespace, NodeID: "n2", Params: params}, nil)
	require.NoError(t, err)
	require.NoError(t, remote.Start(context.Background()))

	registry := routingtable.NewRegistry[pubsubtest.Message](params)
	supervisor := New[pubsubtest.Message](log, config, registry, store, liveness.DoneWatcher{}, nil)
	require.NoError(t, supervisor.Start(context.Background()))
	t.Cleanup(func() { _ = supervisor.Close() })

	return &fixture{supervisor: supervisor, store: store, remote: remote}
}

func (f *fixture) generation(t *testing.T) uint64 {
	t.Helper()
	generation, ok := f.store.View().Generation("n1")
	require.True(t, ok)
	return generation
}

func (f *fixture) remoteCovers(topic string) bool {
	return len(f.remote.View().Candidates([]string{topic})) == 1
}

func testConfig() pubsub.Config {
	config := pubsub.DefaultConfig("signals")
	config.ExpectedSubscriberCount = 10
	config.RepublishInterval = -1
	return config
}

func TestSubscribe_AcknowledgesAfterLocalMutation(t *testing.T) {
	config := testConfig()
	config.UpdateDebounceWindow = time.Hour
	f := newFixture(t, config)
	receiver := pubsubtest.NewReceiver[pubsubtest.Message]("s1")

	require.NoError(t, f.supervisor.Subscribe(context.Background(), receiver, []string{"temperature"}, nil))

	assert.True(t, f.supervisor.Registry().View().HasTopic("temperature"))
	// replication waits for the debounce window
	assert.False(t, f.remoteCovers("temperature"))
}

func TestSubscribe_DebounceCoalescesAdditions(t *testing.T) {
	config := testConfig()
	config.UpdateDebounceWindow = 50 * time.Millisecond
	f := newFixture(t, config)
	ctx := context.Background()
	start := f.generation(t)

	for _, id := range []string{"s1", "s2", "s3"} {
		receiver := pubsubtest.NewReceiver[pubsubtest.Message](id)
		require.NoError(t, f.supervisor.Subscribe(ctx, receiver, []string{"topic-" + id}, nil))
	}

	require.Eventually(t, func() bool {
		return f.remoteCovers("topic-s1") && f.remoteCovers("topic-s3")
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, start+1, f.generation(t))
}

func TestUnsubscribe_RepublishesEagerly(t *testing.T) {
	config := testConfig()
	config.UpdateDebounceWindow = time.Hour
	f := newFixture(t, config)
	ctx := context.Background()
	receiver := pubsubtest.NewReceiver[pubsubtest.Message]("s1")

	require.NoError(t, f.supervisor.Subscribe(ctx, receiver, []string{"temperature", "humidity"}, nil))
	require.NoError(t, f.supervisor.Flush(ctx))
	require.True(t, f.remoteCovers("humidity"))
	flushed := f.generation(t)

	require.NoError(t, f.supervisor.Unsubscribe(ctx, "s1", []string{"humidity"}))
	require.Eventually(t, func() bool {
		return !f.remoteCovers("humidity")
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.remoteCovers("temperature"))
	assert.Equal(t, flushed+1, f.generation(t))
}

func TestRemoval_CancelsPendingDebounce(t *testing.T) {
	config := testConfig()
	config.UpdateDebounceWindow = 50 * time.Millisecond
	f := newFixture(t, config)
	ctx := context.Background()
	start := f.generation(t)

	s1 := pubsubtest.NewReceiver[pubsubtest.Message]("s1")
	s2 := pubsubtest.NewReceiver[pubsubtest.Message]("s2")
	require.NoError(t, f.supervisor.Subscribe(ctx, s1, []string{"a"}, nil))
	require.NoError(t, f.supervisor.Subscribe(ctx, s2, []string{"b"}, nil))
	require.NoError(t, f.supervisor.RemoveSubscriber(ctx, "s2"))

	// the eager publish carries the pending addition
	require.Eventually(t, func() bool {
		return f.remoteCovers("a") && !f.remoteCovers("b") && f.generation(t) == start+1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, start+1, f.generation(t))
}

func TestUnknownSubscriberIsNoOp(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	start := f.generation(t)

	require.NoError(t, f.supervisor.Unsubscribe(ctx, "ghost", []string{"a"}))
	require.NoError(t, f.supervisor.RemoveSubscriber(ctx, "ghost"))
	assert.Equal(t, start, f.generation(t))
}

func TestInvalidInput(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	receiver := pubsubtest.NewReceiver[pubsubtest.Message]("s1")

	require.ErrorIs(t, f.supervisor.Subscribe(ctx, receiver, nil, nil), pubsub.ErrEmptyTopics)
	require.ErrorIs(t, f.supervisor.Subscribe(ctx, receiver, []string{""}, nil), pubsub.ErrEmptyTopic)
	require.ErrorIs(t, f.supervisor.Subscribe(ctx, nil, []string{"a"}, nil), pubsub.ErrNilReceiver)
	require.ErrorIs(t, f.supervisor.Subscribe(ctx, pubsubtest.NewReceiver[pubsubtest.Message](""), []string{"a"}, nil), pubsub.ErrEmptySubscriberID)
	require.ErrorIs(t, f.supervisor.Unsubscribe(ctx, "s1", nil), pubsub.ErrEmptyTopics)
}

func TestTerminatedSubscriberIsRemoved(t *testing.T) {
	config := testConfig()
	config.UpdateDebounceWindow = time.Hour
	f := newFixture(t, config)
	ctx := context.Background()
	receiver := pubsubtest.NewReceiver[pubsubtest.Message]("s1")

	require.NoError(t, f.supervisor.Subscribe(ctx, receiver, []string{"temperature"}, nil))
	require.NoError(t, f.supervisor.Flush(ctx))
	require.True(t, f.remoteCovers("temperature"))

	receiver.Terminate()

	require.Eventually(t, func() bool {
		return f.supervisor.Registry().View().Subscribers() == 0 && !f.remoteCovers("temperature")
	}, time.Second, 5*time.Millisecond)
}

func TestReplacedReceiverIsWatched(t *testing.T) {
	config := testConfig()
	config.UpdateDebounceWindow = time.Hour
	f := newFixture(t, config)
	ctx := context.Background()
	old := pubsubtest.NewReceiver[pubsubtest.Message]("s1")
	fresh := pubsubtest.NewReceiver[pubsubtest.Message]("s1")

	require.NoError(t, f.supervisor.Subscribe(ctx, old, []string{"temperature"}, nil))
	require.NoError(t, f.supervisor.Subscribe(ctx, fresh, []string{"humidity"}, nil))

	// a reconnecting client closes its previous handle
	old.Terminate()
	require.NoError(t, f.supervisor.Flush(ctx))
	require.Never(t, func() bool {
		return !f.supervisor.Registry().View().HasSubscriber("s1")
	}, 100*time.Millisecond, 5*time.Millisecond)

	fresh.Terminate()
	require.Eventually(t, func() bool {
		return !f.supervisor.Registry().View().HasSubscriber("s1")
	}, time.Second, 5*time.Millisecond)
}

func TestRepublishInterval(t *testing.T) {
	config := testConfig()
	config.RepublishInterval = 20 * time.Millisecond
	f := newFixture(t, config)
	start := f.generation(t)

	require.Eventually(t, func() bool {
		return f.generation(t) >= start+3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClose_WithdrawsFilter(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	receiver := pubsubtest.NewReceiver[pubsubtest.Message]("s1")
	require.NoError(t, f.supervisor.Subscribe(ctx, receiver, []string{"a"}, nil))
	require.NoError(t, f.supervisor.Flush(ctx))
	require.True(t, f.remoteCovers("a"))

	require.NoError(t, f.supervisor.Close())
	require.NoError(t, f.supervisor.Close())

	require.Eventually(t, func() bool {
		return len(f.remote.View().Nodes()) == 0
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.supervisor.Subscribe(ctx, receiver, []string{"b"}, nil), pubsub.ErrClosed)
}

func TestGenerationStartsFromClock(t *testing.T) {
	before := uint64(time.Now().UnixNano())
	f := newFixture(t, testConfig())
	assert.Greater(t, f.generation(t), before)
}
