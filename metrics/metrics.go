// Package metrics exports protocol counters for Prometheus. Every node
// in a process shares one Metrics and gets its own labelled view.
package metrics

import (
	"crossing/util/config"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crossing"

type Metrics struct {
	framesSent      *prometheus.CounterVec
	retransmissions *prometheus.CounterVec
	sendOutcomes    *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	grants          *prometheus.CounterVec
	battery         *prometheus.GaugeVec
	measurements    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "radio", Name: "frames_sent_total",
			Help: "Frames put on the air, by frame kind.",
		}, []string{"node", "kind"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "radio", Name: "retransmissions_total",
			Help: "Reliable data frames sent again after an ack timeout.",
		}, []string{"node"}),
		sendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "radio", Name: "send_outcomes_total",
			Help: "Completed reliable sends, by result.",
		}, []string{"node", "result"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "radio", Name: "duplicates_dropped_total",
			Help: "Retransmitted data frames acked but not delivered again.",
		}, []string{"node"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_transitions_total",
			Help: "Controller state machine transitions, by destination state.",
		}, []string{"node", "machine", "state"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "light", Name: "grants_total",
			Help: "Right-of-way grants issued by a light.",
		}, []string{"node"}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "battery_level_percent",
			Help: "Estimated battery level.",
		}, []string{"node"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "measurements_total",
			Help: "Measurements broadcast, by kind.",
		}, []string{"node", "kind"}),
	}
	reg.MustRegister(m.framesSent, m.retransmissions, m.sendOutcomes, m.duplicates,
		m.transitions, m.grants, m.battery, m.measurements)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Node is the view of Metrics for one node address.
type Node struct {
	addr string
	m    *Metrics
}

func (m *Metrics) For(addr config.Address) *Node {
	return &Node{addr: addr.String(), m: m}
}

// Discard returns a Node whose metrics go to a private registry.
func Discard(addr config.Address) *Node {
	return New(prometheus.NewRegistry()).For(addr)
}

func (n *Node) FrameSent(kind string) {
	n.m.framesSent.WithLabelValues(n.addr, kind).Inc()
}

func (n *Node) Retransmission() {
	n.m.retransmissions.WithLabelValues(n.addr).Inc()
}

func (n *Node) SendOutcome(result string) {
	n.m.sendOutcomes.WithLabelValues(n.addr, result).Inc()
}

func (n *Node) Duplicate() {
	n.m.duplicates.WithLabelValues(n.addr).Inc()
}

func (n *Node) Transition(machine, state string) {
	n.m.transitions.WithLabelValues(n.addr, machine, state).Inc()
}

func (n *Node) Grant() {
	n.m.grants.WithLabelValues(n.addr).Inc()
}

func (n *Node) Battery(level int) {
	n.m.battery.WithLabelValues(n.addr).Set(float64(level))
}

func (n *Node) Measurement(kind string) {
	n.m.measurements.WithLabelValues(n.addr, kind).Inc()
}
