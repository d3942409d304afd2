package precache

import (
	"time"

	"github.com/always-cache/precache/rfc9211"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's prometheus collectors.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	storedTotal     prometheus.Counter
	degradedTotal   prometheus.Counter
	lifecycleTotal  *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	state           *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "precache",
			Name:      "requests_total",
			Help:      "Intercepted requests by cache status and forward reason",
		}, []string{"status", "fwd"}),
		storedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "precache",
			Name:      "stored_total",
			Help:      "Network responses written to the cache while intercepting",
		}),
		degradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "precache",
			Name:      "degraded_total",
			Help:      "Degraded 503 responses sent because the network was unavailable",
		}),
		lifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "precache",
			Name:      "lifecycle_total",
			Help:      "Install and activate runs by result",
		}, []string{"event", "result"}),
		resolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "precache",
			Name:      "resolve_duration_seconds",
			Help:      "Time to resolve an intercepted request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "precache",
			Name:      "state",
			Help:      "1 for the current lifecycle state of the worker",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestsTotal,
			m.storedTotal,
			m.degradedTotal,
			m.lifecycleTotal,
			m.resolveDuration,
			m.state,
		)
	}
	return m
}

func (m *Metrics) observeRequest(cs rfc9211.CacheStatus, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(string(cs.Status), string(cs.FwdReason)).Inc()
	m.resolveDuration.WithLabelValues(string(cs.Status)).Observe(elapsed.Seconds())
	if cs.Stored {
		m.storedTotal.Inc()
	}
	if cs.Detail == detailNetworkError {
		m.degradedTotal.Inc()
	}
}

func (m *Metrics) observeLifecycle(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lifecycleTotal.WithLabelValues(event, result).Inc()
}

func (m *Metrics) setState(state State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
