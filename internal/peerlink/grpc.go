package peerlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/topicmesh/internal/wire"
	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
)

// Error is the error class for this package.
var Error = errs.Class("peerlink")

var (
	// ErrUnknownPeer is returned when no address is known for a node.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrQueueFull is returned when a peer's send queue has no room.
	ErrQueueFull = errors.New("peer send queue full")
	// ErrPeerDisconnected is returned for peers that stopped answering heartbeats.
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("peer link closed")
)

// peerState is the client side of the link to one peer.
type peerState struct {
	id      string
	address string
	conn    *grpc.ClientConn
	queue   chan []byte

	health atomic.Int32
	missed atomic.Int32
	drops  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *peerState) ID() string      { return p.id }
func (p *peerState) Address() string { return p.address }
func (p *peerState) IsHealthy() bool { return p.state() == peerlink.PeerHealthy }

func (p *peerState) state() peerlink.PeerHealthState {
	return peerlink.PeerHealthState(p.health.Load())
}

func (p *peerState) setState(state peerlink.PeerHealthState) {
	p.health.Store(int32(state))
}

// GRPCPeerLink implements the PeerLink interface using gRPC for peer-to-peer communication
type GRPCPeerLink struct {
	log    *zap.Logger
	config *Config
	auth   *NodeAuth

	mu          sync.RWMutex
	sendQueues  map[string]*peerState
	dispatchers map[string]peerlink.Dispatcher
	resolver    peerlink.Resolver

	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	started  bool
	closed   bool

	heartbeatOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ peerlink.PeerLink = (*GRPCPeerLink)(nil)

// NewGRPCPeerLink creates a new GRPCPeerLink with the given configuration
func NewGRPCPeerLink(log *zap.Logger, config *Config) (*GRPCPeerLink, error) {
	if err := config.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	g := &GRPCPeerLink{
		log:         log.Named("peerlink").With(zap.String("node", config.NodeID)),
		config:      &configCopy,
		sendQueues:  make(map[string]*peerState),
		dispatchers: make(map[string]peerlink.Dispatcher),
		ctx:         ctx,
		cancel:      cancel,
	}
	if configCopy.ClusterSecret != "" {
		g.auth = NewNodeAuth(configCopy.ClusterSecret)
	}
	return g, nil
}

// Start binds the listener and serves the dispatch and health services.
func (g *GRPCPeerLink) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Error.Wrap(ErrClosed)
	}
	if g.started {
		return nil
	}

	listener := g.config.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", g.config.ListenAddress)
		if err != nil {
			return Error.Wrap(fmt.Errorf("listen on %s: %w", g.config.ListenAddress, err))
		}
	}

	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(g.config.MaxMessageSize)}
	if g.auth != nil {
		opts = append(opts, grpc.StreamInterceptor(g.auth.StreamInterceptor()))
	}
	g.server = grpc.NewServer(opts...)
	g.server.RegisterService(&serviceDesc, &inbound{link: g})
	g.health = health.NewServer()
	healthpb.RegisterHealthServer(g.server, g.health)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.listener = listener

	server := g.server
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	g.heartbeatOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.runHeartbeats(g.ctx)
		}()
	})

	g.started = true
	g.log.Info("peer link listening", zap.String("address", g.GetListeningAddress()))
	return nil
}

// Stop stops serving inbound streams. Outbound queues are kept until Close.
func (g *GRPCPeerLink) Stop(ctx context.Context) error {
	g.mu.Lock()
	server, healthServer := g.server, g.health
	g.server, g.health, g.listener = nil, nil, nil
	g.started = false
	g.mu.Unlock()

	if server == nil {
		return nil
	}
	healthServer.Shutdown()
	// peers keep their dispatch streams open, so a graceful stop would wait for ctx
	server.Stop()
	return nil
}

// GetListeningAddress returns the bound address, or the configured one before Start.
func (g *GRPCPeerLink) GetListeningAddress() string {
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.config.ListenAddress
}

// AdvertiseAddress returns the address other nodes should dial.
func (g *GRPCPeerLink) AdvertiseAddress() string {
	if g.config.AdvertiseAddress != "" {
		return g.config.AdvertiseAddress
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.GetListeningAddress()
}

// SetResolver installs the lookup used to reach nodes that Send has not seen yet.
func (g *GRPCPeerLink) SetResolver(resolver peerlink.Resolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolver = resolver
}

// Register implements peerlink.Transport.
func (g *GRPCPeerLink) Register(namespace string, dispatcher peerlink.Dispatcher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dispatchers[namespace] = dispatcher
}

// Unregister implements peerlink.Transport.
func (g *GRPCPeerLink) Unregister(namespace string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.dispatchers, namespace)
}

// Connect establishes a connection to the specified peer node
func (g *GRPCPeerLink) Connect(ctx context.Context, peer peerlink.PeerNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.connectLocked(peer.ID(), peer.Address())
	return err
}

func (g *GRPCPeerLink) connectLocked(peerID, address string) (*peerState, error) {
	if g.closed {
		return nil, Error.Wrap(ErrClosed)
	}
	if p, ok := g.sendQueues[peerID]; ok {
		if p.address == address {
			return p, nil
		}
		g.disconnectLocked(p)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(g.config.MaxMessageSize)),
	}
	if g.auth != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(g.auth.PerRPCCredentials(g.config.NodeID)))
	}
	if g.config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(g.config.Dialer))
	}
	target := address
	if g.config.Dialer != nil {
		// the custom dialer receives the address unchanged
		target = "passthrough:///" + address
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("connect %s at %s: %w", peerID, address, err))
	}

	p := g.registerPeer(peerID, address, conn)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(p.done)
		g.runSender(g.senderContext(p), p)
	}()
	g.log.Debug("peer connected", zap.String("peer", peerID), zap.String("address", address))
	return p, nil
}

// registerPeer adds the send queue of a peer. Callers hold g.mu.
func (g *GRPCPeerLink) registerPeer(peerID, address string, conn *grpc.ClientConn) *peerState {
	p := &peerState{
		id:      peerID,
		address: address,
		conn:    conn,
		queue:   make(chan []byte, g.config.SendQueueSize),
		done:    make(chan struct{}),
	}
	p.setState(peerlink.PeerHealthy)
	g.sendQueues[peerID] = p
	return p
}

func (g *GRPCPeerLink) senderContext(p *peerState) context.Context {
	ctx, cancel := context.WithCancel(g.ctx)
	p.cancel = cancel
	return ctx
}

// Disconnect closes the connection to the specified peer node
func (g *GRPCPeerLink) Disconnect(ctx context.Context, peerID string) error {
	g.mu.Lock()
	p, ok := g.sendQueues[peerID]
	if ok {
		g.disconnectLocked(p)
	}
	g.mu.Unlock()
	if !ok {
		return Error.Wrap(fmt.Errorf("%s: %w", peerID, ErrUnknownPeer))
	}

	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return nil
}

// Retain disconnects every peer for which keep reports false and returns
// their IDs. keep is called without the link's lock held.
func (g *GRPCPeerLink) Retain(keep func(peerID string) bool) []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.sendQueues))
	for id := range g.sendQueues {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	var stale []string
	for _, id := range ids {
		if !keep(id) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	dropped := stale[:0]
	for _, id := range stale {
		if p, ok := g.sendQueues[id]; ok {
			g.disconnectLocked(p)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (g *GRPCPeerLink) disconnectLocked(p *peerState) {
	delete(g.sendQueues, p.id)
	p.setState(peerlink.PeerDisconnected)
	if p.cancel != nil {
		p.cancel()
	}
	_ = p.conn.Close()
}

// Send implements peerlink.Transport. The frame is queued for the peer's
// sender goroutine; frames still queued when the stream breaks are lost.
func (g *GRPCPeerLink) Send(ctx context.Context, nodeID string, frame []byte) error {
	p, err := g.peer(nodeID)
	if err != nil {
		return err
	}
	if p.state() == peerlink.PeerDisconnected {
		p.drops.Add(1)
		return Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrPeerDisconnected))
	}

	select {
	case p.queue <- frame:
		return nil
	default:
	}
	if g.config.SendTimeout <= 0 {
		p.drops.Add(1)
		return Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrQueueFull))
	}

	timer := time.NewTimer(g.config.SendTimeout)
	defer timer.Stop()
	select {
	case p.queue <- frame:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.drops.Add(1)
	return Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrQueueFull))
}

// peer returns the peer state, connecting through the resolver when needed.
func (g *GRPCPeerLink) peer(nodeID string) (*peerState, error) {
	g.mu.RLock()
	p, ok := g.sendQueues[nodeID]
	resolver := g.resolver
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return nil, Error.Wrap(ErrClosed)
	}

	var address string
	if resolver != nil {
		address, _ = resolver.Address(nodeID)
	}
	if ok && (address == "" || address == p.address) {
		return p, nil
	}
	if address == "" {
		return nil, Error.Wrap(fmt.Errorf("%s: %w", nodeID, ErrUnknownPeer))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked(nodeID, address)
}

// runSender owns the outbound stream of one peer and reopens it after failures.
func (g *GRPCPeerLink) runSender(ctx context.Context, p *peerState) {
	for {
		stream, err := g.establishStream(ctx, p)
		if err == nil {
			if !g.runStreamLoop(ctx, p, stream) {
				return
			}
		} else if ctx.Err() == nil {
			g.log.Debug("stream to peer failed", zap.String("peer", p.id), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.config.ReconnectInterval):
		}
	}
}

func (g *GRPCPeerLink) establishStream(ctx context.Context, p *peerState) (grpc.ClientStream, error) {
	return p.conn.NewStream(ctx, &serviceDesc.Streams[0], dispatchMethod, grpc.CallContentSubtype(frameCodecName))
}

// runStreamLoop forwards queued frames until the stream or ctx ends and
// reports whether the stream should be reopened.
func (g *GRPCPeerLink) runStreamLoop(ctx context.Context, p *peerState, stream grpc.ClientStream) (shouldRetry bool) {
	for {
		select {
		case <-ctx.Done():
			_ = stream.CloseSend()
			return false
		case frame := <-p.queue:
			if err := stream.SendMsg(&frame); err != nil {
				if errors.Is(err, io.EOF) {
					// the real status is only available from RecvMsg
					var ack []byte
					err = stream.RecvMsg(&ack)
				}
				g.log.Warn("dropping frame, stream to peer broke", zap.String("peer", p.id), zap.Error(err))
				return ctx.Err() == nil
			}
		}
	}
}

// runHeartbeats probes every peer with the gRPC health service.
func (g *GRPCPeerLink) runHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.RLock()
			peers := make([]*peerState, 0, len(g.sendQueues))
			for _, p := range g.sendQueues {
				peers = append(peers, p)
			}
			g.mu.RUnlock()

			for _, p := range peers {
				g.probe(ctx, p)
			}
		}
	}
}

func (g *GRPCPeerLink) probe(ctx context.Context, p *peerState) {
	ctx, cancel := context.WithTimeout(ctx, g.config.HeartbeatInterval)
	defer cancel()

	resp, err := healthpb.NewHealthClient(p.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		p.missed.Store(0)
		if p.state() != peerlink.PeerHealthy {
			g.log.Info("peer healthy", zap.String("peer", p.id))
		}
		p.setState(peerlink.PeerHealthy)
		return
	}

	missed := p.missed.Add(1)
	state := peerlink.PeerUnhealthy
	if int(missed) >= g.config.MaxMissedHeartbeats {
		state = peerlink.PeerDisconnected
	}
	if p.state() != state {
		g.log.Warn("peer health changed", zap.String("peer", p.id), zap.Stringer("state", state), zap.Error(err))
	}
	p.setState(state)
}

// GetConnectedPeers returns all peers with an open connection
func (g *GRPCPeerLink) GetConnectedPeers(ctx context.Context) ([]peerlink.PeerNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	peers := make([]peerlink.PeerNode, 0, len(g.sendQueues))
	for _, p := range g.sendQueues {
		peers = append(peers, p)
	}
	return peers, nil
}

// GetPeerHealth returns health status for a specific peer node
func (g *GRPCPeerLink) GetPeerHealth(ctx context.Context, peerID string) (peerlink.PeerHealthState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.sendQueues[peerID]
	if !ok {
		return peerlink.PeerDisconnected, nil
	}
	return p.state(), nil
}

// SetPeerHealth overrides the health state of a peer until the next heartbeat.
func (g *GRPCPeerLink) SetPeerHealth(peerID string, state peerlink.PeerHealthState) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.sendQueues[peerID]; ok {
		p.setState(state)
	}
}

// GetQueueDepth returns the number of frames waiting for a peer
func (g *GRPCPeerLink) GetQueueDepth(peerID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.sendQueues[peerID]; ok {
		return len(p.queue)
	}
	return 0
}

// GetDropsCount returns the number of frames refused for a peer
func (g *GRPCPeerLink) GetDropsCount(peerID string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.sendQueues[peerID]; ok {
		return p.drops.Load()
	}
	return 0
}

// Close closes the PeerLink and cleans up resources
func (g *GRPCPeerLink) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	g.closed = true
	for _, p := range g.sendQueues {
		g.disconnectLocked(p)
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.Stop(ctx)
	g.cancel()
	g.wg.Wait()
	return Error.Wrap(err)
}

func (g *GRPCPeerLink) dispatcher(namespace string) (peerlink.Dispatcher, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.dispatchers[namespace]
	return d, ok
}

// inbound serves dispatch streams opened by other nodes.
type inbound struct {
	link *GRPCPeerLink
}

func (s *inbound) Dispatch(stream grpc.ServerStream) error {
	ctx := stream.Context()
	log := s.link.log
	if origin := peerFromContext(ctx); origin != "" {
		log = log.With(zap.String("origin", origin))
	}

	var received uint64
	for {
		var frame []byte
		if err := stream.RecvMsg(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				ack := protowire.AppendVarint(nil, received)
				return stream.SendMsg(&ack)
			}
			return err
		}
		received++

		namespace, err := wire.DispatchNamespace(frame)
		if err != nil {
			log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		dispatcher, ok := s.link.dispatcher(namespace)
		if !ok {
			log.Debug("no dispatcher for namespace", zap.String("namespace", namespace))
			continue
		}
		if _, err := dispatcher.Dispatch(ctx, frame); err != nil {
			log.Warn("dispatch failed", zap.String("namespace", namespace), zap.Error(err))
		}
	}
}
