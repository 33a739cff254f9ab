// Package meshnode provides interfaces for the node that hosts topicmesh
// publishers and subscribers.
//
// A node carries the infrastructure shared by every message type:
//   - filter replication (in-process hub, memberlist gossip or NATS KV)
//   - the peer transport frames are forwarded over
//   - subscriber liveness and Prometheus metrics
//
// Each message type is served by a factory bound to the node. The factory owns
// the type's registry and filter store, and hands out the publisher and
// subscriber for it.
//
// Example usage:
//
//	node, err := meshnode.New(log, config, meshnode.Options{})
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	factory, err := meshnode.NewFactory(ctx, node, topicsOf, pubsub.JSONCodec[Signal]{}, config.PubSubConfig("signals"))
//	if err != nil {
//		return err
//	}
//	subscriber, err := factory.StartSubscriber(ctx)
//	if err != nil {
//		return err
//	}
//	err = subscriber.Subscribe(ctx, receiver, []string{"thing:sensor-1"}, nil)
//
//	publisher := factory.StartPublisher()
//	nodes, err := publisher.Publish(ctx, signal)
package meshnode
