package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rmacdonaldsmith/topicmesh/pkg/peerlink"
)

// StaticDiscovery implements Discovery using a static list of seed nodes.
// A seed is either "host:port" or "nodeID@host:port".
type StaticDiscovery struct {
	seedNodes []string
	self      string
}

// staticPeerNode implements peerlink.PeerNode for static seed nodes
type staticPeerNode struct {
	id      string
	address string
}

func (p *staticPeerNode) ID() string      { return p.id }
func (p *staticPeerNode) Address() string { return p.address }
func (p *staticPeerNode) IsHealthy() bool { return true } // Static discovery assumes healthy

// NewStaticDiscovery creates a new static discovery service with the given seed nodes
func NewStaticDiscovery(seedNodes []string) *StaticDiscovery {
	return &StaticDiscovery{
		seedNodes: seedNodes,
	}
}

// ExcludeSelf drops seeds pointing at address, so a node listed in its own
// seed list does not join itself.
func (s *StaticDiscovery) ExcludeSelf(address string) *StaticDiscovery {
	s.self = address
	return s
}

// Validate checks that every seed is a host:port pair
func (s *StaticDiscovery) Validate() error {
	for _, seed := range s.seedNodes {
		if _, _, err := parseSeed(seed); err != nil {
			return err
		}
	}
	return nil
}

// FindPeers returns peer nodes from the static seed node list, without
// duplicates and in the configured order.
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peerlink.PeerNode, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	peers := make([]peerlink.PeerNode, 0, len(s.seedNodes))
	for _, seed := range s.seedNodes {
		id, address, err := parseSeed(seed)
		if err != nil {
			return nil, err
		}
		if address == s.self || !seen.Add(address) {
			continue
		}
		peers = append(peers, &staticPeerNode{id: id, address: address})
	}
	return peers, nil
}

func parseSeed(seed string) (id, address string, err error) {
	seed = strings.TrimSpace(seed)
	id, address, found := strings.Cut(seed, "@")
	if !found {
		address = seed
		id = seed
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", "", fmt.Errorf("invalid seed %q: %w", seed, err)
	}
	return id, address, nil
}
