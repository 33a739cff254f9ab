package filterstore

import (
	"sort"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
)

// View is an immutable snapshot of the filter store.
type View struct {
	self  string
	nodes map[string]*node
}

// Candidates returns the remote nodes whose filter may contain one of topics,
// sorted by node ID. Incompatible nodes are always candidates.
func (v *View) Candidates(topics []string) []string {
	var candidates []string
	for id, n := range v.nodes {
		if id == v.self {
			continue
		}
		if n.filter == nil || n.filter.ContainsAny(topics) {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)
	return candidates
}

// Filters returns the compatible filters by node, including the local one.
func (v *View) Filters() map[string]*bloomfilter.Filter {
	filters := make(map[string]*bloomfilter.Filter, len(v.nodes))
	for id, n := range v.nodes {
		if n.filter != nil {
			filters[id] = n.filter
		}
	}
	return filters
}

// Local returns the local filter, if one was published.
func (v *View) Local() (*bloomfilter.Filter, bool) {
	n, ok := v.nodes[v.self]
	if !ok {
		return nil, false
	}
	return n.filter, true
}

// Generation returns the generation of a node's entry.
func (v *View) Generation(nodeID string) (uint64, bool) {
	n, ok := v.nodes[nodeID]
	if !ok {
		return 0, false
	}
	return n.generation, true
}

// Incompatible reports whether a node publishes a filter that cannot be compared.
func (v *View) Incompatible(nodeID string) bool {
	n, ok := v.nodes[nodeID]
	return ok && n.filter == nil
}

// Nodes returns every node with an entry, sorted.
func (v *View) Nodes() []string {
	ids := make([]string, 0, len(v.nodes))
	for id := range v.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
