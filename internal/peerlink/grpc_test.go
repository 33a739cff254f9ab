package peerlink

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
)

// bufNet routes dials to in-memory listeners by address.
type bufNet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newBufNet() *bufNet {
	return &bufNet{listeners: make(map[string]*bufconn.Listener)}
}

func (b *bufNet) listen(address string) *bufconn.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := bufconn.Listen(1 << 20)
	b.listeners[address] = l
	return l
}

func (b *bufNet) dial(ctx context.Context, address string) (net.Conn, error) {
	b.mu.Lock()
	l, ok := b.listeners[address]
	b.mu.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: ErrUnknownPeer}
	}
	return l.DialContext(ctx)
}

// simplePeerNode is a test implementation of peerlink.PeerNode
type simplePeerNode struct {
	id      string
	address string
}

func (p *simplePeerNode) ID() string      { return p.id }
func (p *simplePeerNode) Address() string { return p.address }
func (p *simplePeerNode) IsHealthy() bool { return true }

// recorder is a Dispatcher collecting frames.
type recorder struct {
	mu     sync.Mutex
	frames []wire.Dispatch
}

func (r *recorder) Dispatch(ctx context.Context, frame []byte) (int, error) {
	d, err := wire.DecodeDispatch(frame)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, d)
	return 1, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newLink(t *testing.T, network *bufNet, nodeID string, configure func(*Config)) *GRPCPeerLink {
	t.Helper()
	config := &Config{
		NodeID:            nodeID,
		AdvertiseAddress:  nodeID,
		Listener:          network.listen(nodeID),
		Dialer:            network.dial,
		HeartbeatInterval: time.Hour,
		ReconnectInterval: 20 * time.Millisecond,
	}
	if configure != nil {
		configure(config)
	}
	link, err := NewGRPCPeerLink(zaptest.NewLogger(t), config)
	require.NoError(t, err)
	require.NoError(t, link.Start(context.Background()))
	t.Cleanup(func() { _ = link.Close() })
	return link
}

func frame(namespace string, topics ...string) []byte {
	return wire.EncodeDispatch(wire.Dispatch{Namespace: namespace, Origin: "client", Topics: topics, Payload: []byte("payload")})
}

// TestGRPCPeerLink_InterfaceCompliance verifies that GRPCPeerLink implements the PeerLink interface
func TestGRPCPeerLink_InterfaceCompliance(t *testing.T) {
	var _ peerlink.PeerLink = &GRPCPeerLink{}
}

// TestNewGRPCPeerLink_InvalidConfig tests constructor with invalid config
func TestNewGRPCPeerLink_InvalidConfig(t *testing.T) {
	_, err := NewGRPCPeerLink(zaptest.NewLogger(t), &Config{NodeID: ""})
	if err == nil {
		t.Fatal("Expected error with invalid config, got nil")
	}
}

// TestGRPCPeerLink_Close tests the Close method works without panics
func TestGRPCPeerLink_Close(t *testing.T) {
	peerLink, err := NewGRPCPeerLink(zaptest.NewLogger(t), &Config{NodeID: "test-node", ListenAddress: "localhost:0"})
	require.NoError(t, err)

	require.NoError(t, peerLink.Close())
	// Multiple closes should be safe
	require.NoError(t, peerLink.Close())

	require.ErrorIs(t, peerLink.Start(context.Background()), ErrClosed)
	require.ErrorIs(t, peerLink.Send(context.Background(), "peer", nil), ErrClosed)
}

// TestGRPCPeerLink_StartStopMultiple tests repeated start and stop cycles
func TestGRPCPeerLink_StartStopMultiple(t *testing.T) {
	peerLink, err := NewGRPCPeerLink(zaptest.NewLogger(t), &Config{NodeID: "test-node", ListenAddress: "localhost:0"})
	require.NoError(t, err)
	defer peerLink.Close()

	ctx := context.Background()
	require.NoError(t, peerLink.Start(ctx))
	require.NotEqual(t, "localhost:0", peerLink.GetListeningAddress())
	require.NoError(t, peerLink.Stop(ctx))
	require.NoError(t, peerLink.Start(ctx))
	require.NoError(t, peerLink.Stop(ctx))
	require.NoError(t, peerLink.Stop(ctx))
}

func TestGRPCPeerLink_DispatchesFrames(t *testing.T) {
	network := newBufNet()
	server := newLink(t, network, "server", nil)
	client := newLink(t, network, "client", nil)

	signals := &recorder{}
	server.Register("signals", signals)

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "server", address: "server"}))
	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(ctx, "server", frame("signals", "temperature")))
	}
	// frames for namespaces nobody registered are dropped
	require.NoError(t, client.Send(ctx, "server", frame("other", "x")))

	require.Eventually(t, func() bool { return signals.count() == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"temperature"}, signals.frames[0].Topics)

	peers, err := client.GetConnectedPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "server", peers[0].ID())

	server.Unregister("signals")
	require.NoError(t, client.Send(ctx, "server", frame("signals", "temperature")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, signals.count())
}

func TestGRPCPeerLink_ResolvesUnknownPeers(t *testing.T) {
	network := newBufNet()
	server := newLink(t, network, "server", nil)
	client := newLink(t, network, "client", nil)
	signals := &recorder{}
	server.Register("signals", signals)

	ctx := context.Background()
	require.ErrorIs(t, client.Send(ctx, "server", frame("signals", "a")), ErrUnknownPeer)

	client.SetResolver(peerlink.ResolverFunc(func(nodeID string) (string, bool) {
		if nodeID == "server" {
			return "server", true
		}
		return "", false
	}))
	require.NoError(t, client.Send(ctx, "server", frame("signals", "a")))
	require.Eventually(t, func() bool { return signals.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, client.Send(ctx, "ghost", frame("signals", "a")), ErrUnknownPeer)
}

// TestGRPCPeerLink_Retain tests that departed peers are disconnected
func TestGRPCPeerLink_Retain(t *testing.T) {
	network := newBufNet()
	newLink(t, network, "a", nil)
	newLink(t, network, "b", nil)
	client := newLink(t, network, "client", nil)

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "a", address: "a"}))
	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "b", address: "b"}))

	dropped := client.Retain(func(id string) bool { return id == "a" })
	assert.Equal(t, []string{"b"}, dropped)

	peers, err := client.GetConnectedPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "a", peers[0].ID())
	state, err := client.GetPeerHealth(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, peerlink.PeerDisconnected, state)

	assert.Empty(t, client.Retain(func(string) bool { return true }))
}

// TestGRPCPeerLink_BoundedQueue tests that a full queue refuses frames without blocking
func TestGRPCPeerLink_BoundedQueue(t *testing.T) {
	network := newBufNet()
	client := newLink(t, network, "client", func(c *Config) { c.SendQueueSize = 2 })

	ctx := context.Background()
	// nothing listens at this address, so the queue never drains
	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "peer-1", address: "nowhere"}))
	assert.Equal(t, 0, client.GetQueueDepth("peer-1"))

	require.NoError(t, client.Send(ctx, "peer-1", frame("signals", "a")))
	require.NoError(t, client.Send(ctx, "peer-1", frame("signals", "a")))
	assert.Equal(t, 2, client.GetQueueDepth("peer-1"))

	start := time.Now()
	err := client.Send(ctx, "peer-1", frame("signals", "a"))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(1), client.GetDropsCount("peer-1"))

	assert.Equal(t, 0, client.GetQueueDepth("non-existent"))
	assert.Equal(t, uint64(0), client.GetDropsCount("non-existent"))
}

func TestGRPCPeerLink_SendTimeout(t *testing.T) {
	network := newBufNet()
	client := newLink(t, network, "client", func(c *Config) {
		c.SendQueueSize = 1
		c.SendTimeout = 50 * time.Millisecond
	})

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "peer-1", address: "nowhere"}))
	require.NoError(t, client.Send(ctx, "peer-1", frame("signals", "a")))

	start := time.Now()
	require.ErrorIs(t, client.Send(ctx, "peer-1", frame("signals", "a")), ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// TestGRPCPeerLink_HealthState tests peer health state management
func TestGRPCPeerLink_HealthState(t *testing.T) {
	network := newBufNet()
	client := newLink(t, network, "client", nil)
	ctx := context.Background()

	healthState, err := client.GetPeerHealth(ctx, "non-existent")
	require.NoError(t, err)
	assert.Equal(t, peerlink.PeerDisconnected, healthState)

	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "peer-1", address: "nowhere"}))
	healthState, _ = client.GetPeerHealth(ctx, "peer-1")
	assert.Equal(t, peerlink.PeerHealthy, healthState)

	client.SetPeerHealth("peer-1", peerlink.PeerUnhealthy)
	healthState, _ = client.GetPeerHealth(ctx, "peer-1")
	assert.Equal(t, peerlink.PeerUnhealthy, healthState)

	require.NoError(t, client.Disconnect(ctx, "peer-1"))
	healthState, _ = client.GetPeerHealth(ctx, "peer-1")
	assert.Equal(t, peerlink.PeerDisconnected, healthState)

	require.ErrorIs(t, client.Disconnect(ctx, "peer-1"), ErrUnknownPeer)
}

func TestGRPCPeerLink_Heartbeats(t *testing.T) {
	network := newBufNet()
	server := newLink(t, network, "server", nil)
	client := newLink(t, network, "client", func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.MaxMissedHeartbeats = 2
	})
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "server", address: "server"}))
	client.SetPeerHealth("server", peerlink.PeerUnhealthy)
	require.Eventually(t, func() bool {
		state, _ := client.GetPeerHealth(ctx, "server")
		return state == peerlink.PeerHealthy
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool {
		state, _ := client.GetPeerHealth(ctx, "server")
		return state == peerlink.PeerDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	// disconnected peers fail fast
	require.ErrorIs(t, client.Send(ctx, "server", frame("signals", "a")), ErrPeerDisconnected)
}

func TestGRPCPeerLink_ClusterSecret(t *testing.T) {
	network := newBufNet()
	server := newLink(t, network, "server", func(c *Config) { c.ClusterSecret = "s3cret" })
	trusted := newLink(t, network, "trusted", func(c *Config) { c.ClusterSecret = "s3cret" })
	intruder := newLink(t, network, "intruder", func(c *Config) { c.ClusterSecret = "guess" })
	anonymous := newLink(t, network, "anonymous", nil)

	signals := &recorder{}
	server.Register("signals", signals)
	ctx := context.Background()

	for _, client := range []*GRPCPeerLink{intruder, anonymous} {
		require.NoError(t, client.Connect(ctx, &simplePeerNode{id: "server", address: "server"}))
		require.NoError(t, client.Send(ctx, "server", frame("signals", "rejected")))
	}
	require.NoError(t, trusted.Connect(ctx, &simplePeerNode{id: "server", address: "server"}))
	require.NoError(t, trusted.Send(ctx, "server", frame("signals", "accepted")))

	require.Eventually(t, func() bool { return signals.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, signals.count())
	assert.Equal(t, []string{"accepted"}, signals.frames[0].Topics)
}

func TestNodeAuth(t *testing.T) {
	auth := NewNodeAuth("secret")

	token, err := auth.GenerateToken("node-1")
	require.NoError(t, err)

	claims, err := auth.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "node-1", claims.NodeID)
	assert.Equal(t, "node-1", claims.Subject)

	_, err = NewNodeAuth("other").ValidateToken(token)
	require.Error(t, err)

	_, err = auth.ValidateToken("")
	require.Error(t, err)

	_, err = auth.GenerateToken("")
	require.Error(t, err)
}

func TestPeerHealthState_String(t *testing.T) {
	tests := []struct {
		state    peerlink.PeerHealthState
		expected string
	}{
		{peerlink.PeerHealthy, "Healthy"},
		{peerlink.PeerUnhealthy, "Unhealthy"},
		{peerlink.PeerDisconnected, "Disconnected"},
		{peerlink.PeerHealthState(999), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("PeerHealthState(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
