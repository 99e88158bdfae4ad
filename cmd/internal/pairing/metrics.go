package pairing

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "pairhub"

// Metrics holds the lifecycle collectors. A nil *Metrics records nothing.
type Metrics struct {
	created     prometheus.Counter
	transitions *prometheus.CounterVec
	live        prometheus.Gauge
	adapterFail *prometheus.CounterVec
	sweeps      prometheus.Counter
	evictions   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_created_total",
			Help:      "Pairing sessions created.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions by target status.",
		}, []string{"status"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_live",
			Help:      "Sessions currently held in the registry.",
		}),
		adapterFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "adapter_failures_total",
			Help:      "Failed handshakes by failure code.",
		}, []string{"kind"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeper_runs_total",
			Help:      "Completed sweeper passes.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweeper_evictions_total",
			Help:      "Sessions evicted by the sweeper by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.created, m.transitions, m.live, m.adapterFail, m.sweeps, m.evictions} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
	m.live.Inc()
}

func (m *Metrics) sessionRemoved() {
	if m == nil {
		return
	}
	m.live.Dec()
}

func (m *Metrics) transition(to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) adapterFailure(code string) {
	if m == nil {
		return
	}
	m.adapterFail.WithLabelValues(code).Inc()
}

func (m *Metrics) sweep(expired, removed int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.evictions.WithLabelValues("expired").Add(float64(expired))
	m.evictions.WithLabelValues("removed").Add(float64(removed))
}
