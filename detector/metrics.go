package detector

import "github.com/prometheus/client_golang/prometheus"

var (
	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ransomguard", Name: "classifications_total", Help: "Verdicts reported, by label and confidence tier."},
		[]string{"label", "tier"},
	)
	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ransomguard", Name: "failures_total", Help: "Requests that ended in the Failed stage, by failure kind."},
		[]string{"kind"},
	)
	classifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ransomguard",
			Name:      "classify_duration_seconds",
			Help:      "Wall time from Received to Reported.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ransomguard", Subsystem: "cache", Name: "lookups_total", Help: "Verdict cache lookups, by result."},
		[]string{"result"},
	)
	dedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "ransomguard", Name: "deduplicated_total", Help: "Requests that shared an in-flight analysis of the same sample."},
	)
)

func init() {
	_ = prometheus.Register(classificationsTotal)
	_ = prometheus.Register(failuresTotal)
	_ = prometheus.Register(classifyDuration)
	_ = prometheus.Register(cacheLookups)
	_ = prometheus.Register(dedupedTotal)
}
