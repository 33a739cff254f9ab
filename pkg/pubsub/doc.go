// Package pubsub provides the public API of the topicmesh distributed
// publish/subscribe core.
//
// This package defines the abstractions collaborators program against:
//   - Receiver: a subscriber handle that messages are delivered to
//   - Subscriber: subscribe/unsubscribe a Receiver to a set of topics
//   - Publisher: publish a message to every matching subscriber in the cluster
//   - TopicExtractor: domain function deriving topics from a message
//   - Codec: encodes messages that cross node boundaries
//
// Every node replicates a Bloom filter summarising the topics of its local
// subscribers. A publisher consults the replicated filters to pick candidate
// nodes and forwards the message only to those; each candidate performs the
// exact topic match locally, so false positives never reach a subscriber.
//
// Example usage:
//
//	factory, err := meshnode.NewFactory[Signal](node, extractSignalTopics, pubsub.JSONCodec[Signal]{}, cfg)
//	if err != nil {
//		return err
//	}
//
//	sub, err := factory.StartSubscriber()
//	if err != nil {
//		return err
//	}
//	err = sub.Subscribe(ctx, connection, []string{"org.acme:sensor-1"}, nil)
//
//	pub, err := factory.StartPublisher()
//	if err != nil {
//		return err
//	}
//	nodes, err := pub.Publish(ctx, signal)
//
// Delivery is at-least-once relative to candidate selection and at-most-once per
// node; there is no ordering guarantee across nodes.
package pubsub
