// Package replication defines the eventually consistent key/value primitive that
// topicmesh nodes use to share their topic filters.
//
// A Replicator gossips opaque values to every node in the cluster. Each key has a
// single owner (the node that writes it); concurrent writes for the same key are
// resolved last-writer-wins by generation, never by wall clock. Readers see a
// possibly stale but converging view and are notified of every change.
//
// Implementations in this module:
//   - internal/replication/memory: in-process hub, used by tests and single-process clusters
//   - internal/replication/gossip: hashicorp/memberlist push/pull gossip
//   - internal/replication/natskv: NATS JetStream key/value bucket
//
// Example usage:
//
//	err := replicator.Put(ctx, "signals/node-1", encoded, generation)
//	if err != nil {
//		return err
//	}
//
//	cancel := replicator.Subscribe(func(entry replication.Entry) {
//		if entry.Deleted {
//			forget(entry.Key)
//			return
//		}
//		merge(entry.Key, entry.Value, entry.Generation)
//	})
//	defer cancel()
package replication
