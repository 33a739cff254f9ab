package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/topicmesh/internal/meshnode"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configPath    string
	nodeID        string
	peerListen    string
	advertise     string
	replication   string
	clusterSecret string
	seeds         []string
	gossipPort    int
	natsURL       string
	metricsListen string

	// demo traffic
	watch        []string
	publishEvery time.Duration
	thingID      string
}

func newServeCommand() *cobra.Command {
	return newServeCommandWith(&serveOptions{})
}

func newServeCommandWith(opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node",
		Long: `serve runs a node that routes Signal messages. A signal is addressed by
the topics namespace:<ns>, thing:<id> and type:<type>.

Configuration is read from --config and overridden by flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&opts.nodeID, "node-id", "", "Unique node identifier (default: random)")
	flags.StringVar(&opts.peerListen, "peer-listen", ":7400", "Listen address for forwarded frames")
	flags.StringVar(&opts.advertise, "advertise", "", "Address other nodes use to reach this node")
	flags.StringVar(&opts.replication, "replication", meshnode.ReplicationMemory, "Filter replication backend (memory, gossip, nats)")
	flags.StringVar(&opts.clusterSecret, "cluster-secret", "", "Shared secret authenticating nodes")
	flags.StringSliceVar(&opts.seeds, "seed", nil, "Gossip seed address (repeatable)")
	flags.IntVar(&opts.gossipPort, "gossip-port", 7946, "Gossip bind port")
	flags.StringVar(&opts.natsURL, "nats-url", "", "NATS server URL for the nats backend")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Listen address for /metrics and /healthz")
	flags.StringSliceVar(&opts.watch, "watch", nil, "Subscribe to a topic and log what arrives (repeatable)")
	flags.DurationVar(&opts.publishEvery, "publish-every", 0, "Publish a demo signal at this interval")
	flags.StringVar(&opts.thingID, "thing", "demo-thing", "Thing ID of demo signals")
	return cmd
}

// loadConfig reads the config file, if any, and applies flags the user set.
func loadConfig(cmd *cobra.Command, opts *serveOptions) (*meshnode.Config, error) {
	config := &meshnode.Config{}
	if opts.configPath != "" {
		loaded, err := meshnode.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	flags := cmd.Flags()
	override := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	override("node-id", func() { config.NodeID = opts.nodeID })
	override("advertise", func() { config.AdvertiseAddress = opts.advertise })
	override("replication", func() { config.Replication = opts.replication })
	override("cluster-secret", func() { config.ClusterSecret = opts.clusterSecret })
	override("seed", func() { config.Gossip.Seeds = opts.seeds })
	override("gossip-port", func() { config.Gossip.BindPort = opts.gossipPort })
	override("nats-url", func() { config.NATS.URL = opts.natsURL })
	override("metrics-listen", func() { config.MetricsListen = opts.metricsListen })
	if flags.Changed("peer-listen") || config.PeerListen == "" {
		config.PeerListen = opts.peerListen
	}
	if config.Replication == meshnode.ReplicationGossip && config.Gossip.BindPort == 0 {
		config.Gossip.BindPort = opts.gossipPort
	}

	config.SetDefaults()
	return config, config.Validate()
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	config, err := loadConfig(cmd, opts)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	node, err := meshnode.New(log, config, meshnode.Options{Registerer: registry})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Warn("error closing node", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	factory, err := meshnode.NewFactory(ctx, node, signalTopics, pubsub.JSONCodec[Signal]{}, config.PubSubConfig("signals"))
	if err != nil {
		return err
	}
	subscriber, err := factory.StartSubscriber(ctx)
	if err != nil {
		return err
	}
	publisher := factory.StartPublisher()

	log.Info("node running",
		zap.String("version", appVersion),
		zap.String("node", config.NodeID),
		zap.String("replication", config.Replication))

	group, gctx := errgroup.WithContext(ctx)

	if config.MetricsListen != "" {
		server := &http.Server{
			Addr:              config.MetricsListen,
			Handler:           metricsHandler(node, registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if len(opts.watch) > 0 {
		receiver := meshnode.NewChannelReceiver[Signal](gctx, config.NodeID+"/watch", 256)
		if err := subscriber.Subscribe(ctx, receiver, opts.watch, nil); err != nil {
			return err
		}
		group.Go(func() error {
			return watchSignals(gctx, log, node, receiver, config.HeartbeatTTL)
		})
	}

	if opts.publishEvery > 0 {
		group.Go(func() error {
			return publishSignals(gctx, log, publisher, opts.publishEvery, opts.thingID)
		})
	}

	<-gctx.Done()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutting down")
	return factory.Close()
}

func metricsHandler(node *meshnode.Node, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health, err := node.GetHealth(r.Context())
		if err != nil || !health.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "healthy=%t replication=%t peerlink=%t namespaces=%d subscribers=%d remote_nodes=%d peers=%d message=%q\n",
			health.Healthy, health.ReplicationHealthy, health.PeerLinkHealthy,
			health.Namespaces, health.Subscribers, health.RemoteNodes, health.ConnectedPeers, health.Message)
	})
	return mux
}

// watchSignals logs delivered signals and keeps the receiver's heartbeat alive.
func watchSignals(ctx context.Context, log *zap.Logger, node *meshnode.Node, receiver *meshnode.ChannelReceiver[Signal], ttl time.Duration) error {
	var beat <-chan time.Time
	if ttl > 0 {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		beat = ticker.C
		node.Heartbeat(receiver.ID())
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beat:
			node.Heartbeat(receiver.ID())
		case s := <-receiver.Messages():
			log.Info("signal received",
				zap.String("namespace", s.Namespace),
				zap.String("thing", s.ThingID),
				zap.String("type", s.Type),
				zap.String("payload", s.Payload),
				zap.Uint64("dropped", receiver.Dropped()))
		}
	}
}

func publishSignals(ctx context.Context, log *zap.Logger, publisher pubsub.Publisher[Signal], every time.Duration, thingID string) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s := Signal{Namespace: "demo", ThingID: thingID, Type: "tick", Payload: now.UTC().Format(time.RFC3339Nano)}
			nodes, err := publisher.Publish(ctx, s)
			if err != nil {
				log.Warn("publish failed", zap.Error(err))
				continue
			}
			log.Debug("signal published", zap.Int("nodes", nodes))
		}
	}
}
