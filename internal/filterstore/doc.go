// Package filterstore keeps the cluster-wide view of node filters for one
// pub/sub namespace.
//
// Each node publishes the aggregate filter of its local subscribers under
// "<namespace>/<nodeID>" in the replicated store. The store watches the other
// nodes' entries and exposes them as an immutable View that publishers read
// without locking. The local entry is part of the view as soon as it is
// published, before it has replicated anywhere.
package filterstore
