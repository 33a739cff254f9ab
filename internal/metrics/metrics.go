// Package metrics holds the Prometheus metrics of a topicmesh node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("metrics")

// Metrics holds every collector, labelled by pub/sub namespace.
type Metrics struct {
	publishes       *prometheus.CounterVec // Publish calls
	candidates      *prometheus.CounterVec // remote nodes selected by the filters
	forwarded       *prometheus.CounterVec // frames accepted by the transport
	forwardFailures *prometheus.CounterVec // frames the transport refused
	deliveries      *prometheus.CounterVec // messages handed to local receivers
	republishes     *prometheus.CounterVec // local filter publications
	subscribers     *prometheus.GaugeVec   // local subscribers
	topics          *prometheus.GaugeVec   // distinct local topics
	remoteNodes     *prometheus.GaugeVec   // remote nodes with a known filter
}

// New creates the collectors and registers them with registerer. A nil
// registerer disables metrics; New then returns nil, and a nil *Metrics is
// safe to use.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		return nil, nil
	}

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicmesh",
			Subsystem: "pubsub",
			Name:      name,
			Help:      help,
		}, []string{"namespace"})
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "topicmesh",
			Subsystem: "pubsub",
			Name:      name,
			Help:      help,
		}, []string{"namespace"})
	}

	m := &Metrics{
		publishes:       counter("publishes_total", "Total number of published messages"),
		candidates:      counter("candidate_nodes_total", "Total number of remote candidate nodes selected by filter lookups"),
		forwarded:       counter("forwarded_total", "Total number of frames handed to the transport"),
		forwardFailures: counter("forward_failures_total", "Total number of frames the transport did not accept"),
		deliveries:      counter("local_deliveries_total", "Total number of messages delivered to local receivers"),
		republishes:     counter("filter_republishes_total", "Total number of local filter publications"),
		subscribers:     gauge("local_subscribers", "Current number of local subscribers"),
		topics:          gauge("local_topics", "Current number of distinct local topics"),
		remoteNodes:     gauge("remote_nodes", "Current number of remote nodes with a known filter"),
	}

	var group errs.Group
	for _, c := range []prometheus.Collector{
		m.publishes, m.candidates, m.forwarded, m.forwardFailures, m.deliveries,
		m.republishes, m.subscribers, m.topics, m.remoteNodes,
	} {
		group.Add(registerer.Register(c))
	}
	if err := group.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return m, nil
}

// For returns the metrics of one namespace.
func (m *Metrics) For(namespace string) *Set {
	if m == nil {
		return nil
	}
	return &Set{
		Publishes:       m.publishes.WithLabelValues(namespace),
		Candidates:      m.candidates.WithLabelValues(namespace),
		Forwarded:       m.forwarded.WithLabelValues(namespace),
		ForwardFailures: m.forwardFailures.WithLabelValues(namespace),
		Deliveries:      m.deliveries.WithLabelValues(namespace),
		Republishes:     m.republishes.WithLabelValues(namespace),
		Subscribers:     m.subscribers.WithLabelValues(namespace),
		Topics:          m.topics.WithLabelValues(namespace),
		RemoteNodes:     m.remoteNodes.WithLabelValues(namespace),
	}
}

// Set is the metrics of one namespace. All methods are no-ops on a nil Set.
type Set struct {
	Publishes       prometheus.Counter
	Candidates      prometheus.Counter
	Forwarded       prometheus.Counter
	ForwardFailures prometheus.Counter
	Deliveries      prometheus.Counter
	Republishes     prometheus.Counter
	Subscribers     prometheus.Gauge
	Topics          prometheus.Gauge
	RemoteNodes     prometheus.Gauge
}

// Published records one Publish call that selected candidates remote nodes.
func (s *Set) Published(candidates int) {
	if s == nil {
		return
	}
	s.Publishes.Inc()
	s.Candidates.Add(float64(candidates))
}

// Forward records the outcome of handing a frame to the transport.
func (s *Set) Forward(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.ForwardFailures.Inc()
		return
	}
	s.Forwarded.Inc()
}

// Delivered records n local deliveries.
func (s *Set) Delivered(n int) {
	if s == nil || n == 0 {
		return
	}
	s.Deliveries.Add(float64(n))
}

// Republished records a local filter publication.
func (s *Set) Republished() {
	if s == nil {
		return
	}
	s.Republishes.Inc()
}

// Registry records the size of the local registry.
func (s *Set) Registry(subscribers, topics int) {
	if s == nil {
		return
	}
	s.Subscribers.Set(float64(subscribers))
	s.Topics.Set(float64(topics))
}

// Remote records the number of known remote nodes.
func (s *Set) Remote(nodes int) {
	if s == nil {
		return
	}
	s.RemoteNodes.Set(float64(nodes))
}
