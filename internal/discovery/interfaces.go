// Package discovery finds the seed nodes a new node joins the cluster through.
package discovery

import (
	"context"

	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
)

// Discovery defines the interface for node discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns available peer nodes
	FindPeers(ctx context.Context) ([]peerlink.PeerNode, error)
}

// Addresses returns the addresses of the peers d finds.
func Addresses(ctx context.Context, d Discovery) ([]string, error) {
	peers, err := d.FindPeers(ctx)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(peers))
	for _, peer := range peers {
		addresses = append(addresses, peer.Address())
	}
	return addresses, nil
}
