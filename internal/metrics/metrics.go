package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the routing pipeline counters on a private prometheus
// registry. Faults surface here and as peer-state changes, never as fatal
// errors.
type Metrics struct {
	reg *prometheus.Registry

	Published         prometheus.Counter
	Delivered         prometheus.Counter
	Relayed           prometheus.Counter
	DuplicateDropped  prometheus.Counter
	SendFailures      prometheus.Counter
	Stored            prometheus.Counter
	Drained           prometheus.Counter
	SubscriberDropped prometheus.Counter
	InboundDropped    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "published_total",
			Help: "Messages accepted by the outbound pipeline.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "delivered_total",
			Help: "Payloads handed to local subscribers.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "relayed_total",
			Help: "Envelopes re-forwarded for other nodes.",
		}),
		DuplicateDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "duplicate_dropped_total",
			Help: "Duplicate message ids silently dropped.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "send_failures_total",
			Help: "Per-peer transport send failures.",
		}),
		Stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "stored_total",
			Help: "Messages parked in the store-and-forward buffer.",
		}),
		Drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "drained_total",
			Help: "Stored messages handed back for delivery.",
		}),
		SubscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "subscriber_dropped_total",
			Help: "Deliveries dropped on saturated subscriber channels.",
		}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshwire", Name: "inbound_dropped_total",
			Help: "Inbound envelopes dropped, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.Published, m.Delivered, m.Relayed, m.DuplicateDropped,
		m.SendFailures, m.Stored, m.Drained, m.SubscriberDropped,
		m.InboundDropped,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) DropInbound(reason string) {
	m.InboundDropped.WithLabelValues(reason).Inc()
}

// Snapshot flattens the registry into name(+labels) → value for the status
// subcommand and for tests.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			name := fam.GetName()
			labels := metric.GetLabel()
			if len(labels) > 0 {
				sort.Slice(labels, func(i, j int) bool {
					return labels[i].GetName() < labels[j].GetName()
				})
				for _, l := range labels {
					name += "," + l.GetName() + "=" + l.GetValue()
				}
			}
			if c := metric.GetCounter(); c != nil {
				out[name] = c.GetValue()
			}
		}
	}
	return out
}
