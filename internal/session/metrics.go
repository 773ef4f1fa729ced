package session

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oxidelab",
			Subsystem: "session",
			Name:      "loads_total",
			Help:      "Model loads by result (ok or error kind)",
		},
		[]string{"result"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oxidelab",
			Subsystem: "session",
			Name:      "generations_total",
			Help:      "Generations by finish reason or error kind",
		},
		[]string{"finish"},
	)

	tokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oxidelab",
		Subsystem: "session",
		Name:      "tokens_total",
		Help:      "Tokens delivered to consumers",
	})

	generationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oxidelab",
		Subsystem: "session",
		Name:      "generation_duration_seconds",
		Help:      "Wall time of generations",
		Buckets:   prometheus.DefBuckets,
	})

	loadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oxidelab",
		Subsystem: "session",
		Name:      "load_duration_seconds",
		Help:      "Wall time of successful loads",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	residentMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oxidelab",
		Subsystem: "session",
		Name:      "resident_mb",
		Help:      "Estimated memory of the loaded model",
	})
)

func init() {
	prometheus.MustRegister(loadsTotal, generationsTotal, tokensTotal, generationDuration, loadDuration, residentMB)
}
