package lifecycle

import (
	"github.com/meow-io/go-courier/pending"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	outcomes  *prometheus.CounterVec
	evictions *prometheus.CounterVec
	buffered  prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, q *pending.Queue) (*metrics, error) {
	m := &metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "lifecycle",
			Name:      "incoming_total",
			Help:      "Inbound payloads by outcome and drop reason.",
		}, []string{"outcome", "reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "pending",
			Name:      "evicted_total",
			Help:      "Buffered modifiers dropped without ever matching a message.",
		}, []string{"reason"}),
		buffered: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "pending",
			Name:      "buffered",
			Help:      "Modifiers waiting for their target message.",
		}, func() float64 {
			return float64(q.Len())
		}),
	}
	for _, c := range []prometheus.Collector{m.outcomes, m.evictions, m.buffered} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	q.OnEvict(func(r pending.EvictionReason, n int) {
		m.evictions.WithLabelValues(string(r)).Add(float64(n))
	})
	return m, nil
}

func (m *metrics) outcome(o *Outcome) {
	m.outcomes.WithLabelValues(o.Kind.String(), string(o.Reason)).Inc()
}
