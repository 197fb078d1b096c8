// Package metrics exposes Prometheus instrumentation for the agent.
// Everything registers on a private registry so tests can run in
// parallel without duplicate-collector panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	readsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nhi_agent",
		Name:      "card_reads_total",
		Help:      "Card read attempts by outcome.",
	}, []string{"outcome", "detail"})

	readDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nhi_agent",
		Name:      "card_read_duration_seconds",
		Help:      "Wall time of successful card reads, including settle delays.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13},
	})

	busyRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nhi_agent",
		Name:      "busy_rejections_total",
		Help:      "Read requests rejected because one was already in flight.",
	})

	recordsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nhi_agent",
		Name:      "records_written_total",
		Help:      "Visit records appended to the daily CSV.",
	})

	labelsPrinted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nhi_agent",
		Name:      "labels_printed_total",
		Help:      "Labels rendered, by output format.",
	}, []string{"format"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nhi_agent",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by path and status class.",
	}, []string{"path", "status"})
)

func init() {
	registry.MustRegister(readsTotal, readDuration, busyRejections,
		recordsWritten, labelsPrinted, httpRequests)
}

// CardReadSuccess records a completed read and which strategy won.
func CardReadSuccess(strategy string, d time.Duration) {
	readsTotal.WithLabelValues("success", strategy).Inc()
	readDuration.Observe(d.Seconds())
}

// CardReadFailure records a failed read by error kind.
func CardReadFailure(kind string) {
	readsTotal.WithLabelValues("failure", kind).Inc()
}

// BusyRejection records a synchronous single-flight rejection.
func BusyRejection() {
	busyRejections.Inc()
}

// RecordWritten counts one appended visit record.
func RecordWritten() {
	recordsWritten.Inc()
}

// LabelPrinted counts one rendered label ("text" or "zpl").
func LabelPrinted(format string) {
	labelsPrinted.WithLabelValues(format).Inc()
}

// HTTPRequest counts one served request with its status class ("2xx" etc).
func HTTPRequest(path string, status int) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	httpRequests.WithLabelValues(path, class).Inc()
}

// Handler serves the scrape endpoint for the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
