// Package peerlink provides interfaces for node-to-node message forwarding.
//
// This package defines the core abstractions for the topicmesh peer link component:
//   - Transport: best-effort, at-most-once delivery of dispatch frames to a node
//   - Dispatcher: the inbound endpoint a node registers per namespace
//   - Resolver: maps node identities to dialable addresses
//   - PeerNode: a remote node known to the link, with its health
//
// Key features of the gRPC implementation in internal/peerlink:
//   - Client-streaming gRPC per peer with a bounded send queue
//   - Sends never block the publisher; a full queue is reported as an error
//   - Heartbeats through the standard gRPC health service
//   - Optional JWT authentication of peer streams with a shared cluster secret
//
// The interfaces use Go idioms:
//   - context.Context for cancellation and timeouts
//   - Explicit error returns following Go conventions
//   - io.Closer for resource cleanup
//
// Example usage:
//
//	link.Register("signals", dispatcher)
//
//	frame := wire.EncodeDispatch(wire.Dispatch{Namespace: "signals", Topics: topics, Payload: payload})
//	if err := link.Send(ctx, "node-2", frame); err != nil {
//		log.Warn("forward failed", zap.Error(err))
//	}
//
//	state, err := link.GetPeerHealth(ctx, "node-2")
package peerlink
