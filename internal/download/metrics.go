package download

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oxidelab",
			Subsystem: "download",
			Name:      "total",
			Help:      "Finished download calls by result (ok, cached, or error kind)",
		},
		[]string{"result"},
	)

	attemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oxidelab",
			Subsystem: "download",
			Name:      "attempt_failures_total",
			Help:      "Failed download attempts by error kind",
		},
		[]string{"kind"},
	)

	bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oxidelab",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Bytes written to partial files",
	})

	downloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oxidelab",
		Subsystem: "download",
		Name:      "duration_seconds",
		Help:      "Wall time of successful downloads including retries",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	downloadsInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oxidelab",
		Subsystem: "download",
		Name:      "inflight",
		Help:      "Transfers in progress",
	})
)

func init() {
	prometheus.MustRegister(downloadsTotal, attemptFailuresTotal, bytesTotal, downloadDuration, downloadsInflight)
}
