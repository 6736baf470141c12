// Package metrics records cache activity: latency quantiles for the stats
// printed on exit, and Prometheus counters for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richardartoul/tieredcache/controller"
	"github.com/richardartoul/tieredcache/operations"
)

// Prom exports tier and operation activity as Prometheus metrics. It
// implements controller.TierListener and operations.Listener.
type Prom struct {
	requests     *prometheus.CounterVec
	tierLoads    *prometheus.CounterVec
	tierStores   *prometheus.CounterVec
	tierFailures *prometheus.CounterVec
	tierDisabled *prometheus.GaugeVec
	opDuration   *prometheus.HistogramVec
	bytes        *prometheus.CounterVec
	entries      *prometheus.CounterVec
}

var (
	_ controller.TierListener = (*Prom)(nil)
	_ operations.Listener     = (*Prom)(nil)
)

// NewProm creates the metrics and registers them with reg.
func NewProm(reg prometheus.Registerer, namespace string) (*Prom, error) {
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Cache program requests by command and result",
		}, []string{"command", "result"}),
		tierLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_loads_total",
			Help:      "Successful tier lookups by tier and result",
		}, []string{"tier", "result"}),
		tierStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_stores_total",
			Help:      "Successful tier writes by tier",
		}, []string{"tier"}),
		tierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_failures_total",
			Help:      "Failed tier calls by tier and operation",
		}, []string{"tier", "op"}),
		tierDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_disabled",
			Help:      "1 once a tier has been disabled after repeated failures",
		}, []string{"tier"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of pack, unpack and remote tier operations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"operation", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_bytes_total",
			Help:      "Entry bytes packed, unpacked and transferred by operation",
		}, []string{"operation"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_entries_total",
			Help:      "Artifact entries packed and unpacked",
		}, []string{"operation"}),
	}

	collectors := []prometheus.Collector{
		p.requests, p.tierLoads, p.tierStores, p.tierFailures,
		p.tierDisabled, p.opDuration, p.bytes, p.entries,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// IncRequest counts one cache program request.
func (p *Prom) IncRequest(command, result string) {
	p.requests.WithLabelValues(command, result).Inc()
}

func (p *Prom) TierLoaded(tier controller.Tier, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.tierLoads.WithLabelValues(string(tier), result).Inc()
}

func (p *Prom) TierStored(tier controller.Tier) {
	p.tierStores.WithLabelValues(string(tier)).Inc()
}

func (p *Prom) TierFailed(tier controller.Tier, op string, _ error) {
	p.tierFailures.WithLabelValues(string(tier), op).Inc()
}

func (p *Prom) TierDisabled(tier controller.Tier) {
	p.tierDisabled.WithLabelValues(string(tier)).Set(1)
}

// OperationFinished implements operations.Listener.
func (p *Prom) OperationFinished(op operations.Recorded) {
	name := OperationName(op.Descriptor)
	status := "ok"
	if op.Err != nil {
		status = "error"
	}
	p.opDuration.WithLabelValues(name, status).Observe(op.Duration.Seconds())
	if op.Err != nil {
		return
	}

	switch r := op.Result.(type) {
	case operations.PackResult:
		p.bytes.WithLabelValues(name).Add(float64(r.Size))
		p.entries.WithLabelValues(name).Add(float64(r.ArtifactEntryCount))
	case operations.UnpackResult:
		if d, ok := op.Descriptor.Details.(operations.UnpackDetails); ok {
			p.bytes.WithLabelValues(name).Add(float64(d.Size))
		}
		p.entries.WithLabelValues(name).Add(float64(r.ArtifactEntryCount))
	case operations.TierLoadResult:
		p.bytes.WithLabelValues(name).Add(float64(r.Size))
	}
	if d, ok := op.Descriptor.Details.(operations.TierStoreDetails); ok {
		p.bytes.WithLabelValues(name).Add(float64(d.Size))
	}
}

// Handler returns an HTTP handler for /metrics serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
