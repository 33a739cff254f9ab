// Package routingtable keeps the exact topic-to-subscriber mapping of one node.
//
// The registry is the authoritative filter of the pub/sub core: the replicated
// Bloom filters only decide which nodes a message is forwarded to, and the
// registry on the receiving node decides which subscribers actually get it.
//
// Requirements implemented:
//   - Subscribe merges topics into a subscriber's set; repeating it is a no-op
//   - Unsubscribe removes topics and drops subscribers left with none
//   - AggregateFilter is rebuilt from all current topics, never by clearing bits
//   - MatchingSubscribers applies exact topic match plus the local predicate
//
// Example usage:
//
//	registry := routingtable.NewRegistry[Signal](cfg.FilterParams())
//	change, err := registry.Subscribe(conn, []string{"org.acme:sensor-1"}, nil)
//	if err != nil {
//		return err
//	}
//	if change.Added {
//		scheduleRepublish()
//	}
//
//	for _, receiver := range registry.View().Match(topics, signal) {
//		receiver.Receive(signal)
//	}
package routingtable
