// Package metrics exposes guard counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives measurements from the engines. Nop discards them.
type Recorder interface {
	// Decision counts a finished check; stage is lockout, ratelimit or quota
	Decision(stage, outcome string)
	CheckDuration(stage string, d time.Duration)
	ActiveKeys(store string, n int)
	Evicted(store string, n int)
	CircuitState(name, state string)
	QuotaLookup(result string)
	BlockIssued(source string)
	Notification(channel, result string)
}

// Prometheus implements Recorder on a private registry
type Prometheus struct {
	registry      *prometheus.Registry
	decisions     *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	activeKeys    *prometheus.GaugeVec
	evicted       *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	quotaLookups  *prometheus.CounterVec
	blocks        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewPrometheus registers all collectors plus the Go and process collectors
func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Checks by stage and outcome.",
		}, []string{"stage", "outcome"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Time spent evaluating a stage.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
		}, []string{"stage"}),
		activeKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_keys",
			Help:      "Live records per store after the last sweep.",
		}, []string{"store"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_keys_total",
			Help:      "Records removed by sweeps.",
		}, []string{"store"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "1 for the breaker's current state, 0 otherwise.",
		}, []string{"breaker", "state"}),
		quotaLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_lookups_total",
			Help:      "Quota cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_issued_total",
			Help:      "Address blocks created.",
		}, []string{"source"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by channel and result.",
		}, []string{"channel", "result"}),
	}

	p.registry.MustRegister(
		p.decisions, p.checkDuration, p.activeKeys, p.evicted,
		p.circuitState, p.quotaLookups, p.blocks, p.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) Decision(stage, outcome string) {
	p.decisions.WithLabelValues(stage, outcome).Inc()
}

func (p *Prometheus) CheckDuration(stage string, d time.Duration) {
	p.checkDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Prometheus) ActiveKeys(store string, n int) {
	p.activeKeys.WithLabelValues(store).Set(float64(n))
}

func (p *Prometheus) Evicted(store string, n int) {
	p.evicted.WithLabelValues(store).Add(float64(n))
}

func (p *Prometheus) CircuitState(name, state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		p.circuitState.WithLabelValues(name, s).Set(v)
	}
}

func (p *Prometheus) QuotaLookup(result string) {
	p.quotaLookups.WithLabelValues(result).Inc()
}

func (p *Prometheus) BlockIssued(source string) {
	p.blocks.WithLabelValues(source).Inc()
}

func (p *Prometheus) Notification(channel, result string) {
	p.notifications.WithLabelValues(channel, result).Inc()
}

// Registry returns the underlying registry
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Nop discards all measurements
type Nop struct{}

func (Nop) Decision(string, string) {}
func (Nop) CheckDuration(string, time.Duration) {}
func (Nop) ActiveKeys(string, int) {}
func (Nop) Evicted(string, int) {}
func (Nop) CircuitState(string, string) {}
func (Nop) QuotaLookup(string) {}
func (Nop) BlockIssued(string) {}
func (Nop) Notification(string, string) {}

// OrNop returns r, or Nop when r is nil
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
