// Package routingtable defines the contract of a node's local subscription
// registry for one message type.
//
// The registry maps subscribers to the exact topics they want. Its aggregate
// Bloom filter is what the node replicates to the rest of the cluster, and its
// exact topic index absorbs the filter's false positives on delivery:
//
//	change, err := table.Subscribe(receiver, []string{"thing:sensor-1"}, nil)
//	if err != nil {
//		return err
//	}
//	if change.Added {
//		// republish table.AggregateFilter()
//	}
package routingtable
