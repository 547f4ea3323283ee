package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total portal HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgenode",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Portal HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	associationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "wifi",
			Name:      "association_attempts_total",
			Help:      "Association attempts by outcome.",
		},
		[]string{"result"},
	)
	associationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "edgenode",
			Subsystem: "wifi",
			Name:      "association_duration_seconds",
			Help:      "Time spent in one bounded association attempt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50},
		},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "wifi",
			Name:      "status_transitions_total",
			Help:      "Connectivity status transitions.",
		},
		[]string{"from", "to"},
	)
	portalSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "portal",
			Name:      "submissions_total",
			Help:      "Configuration form submissions by result.",
		},
		[]string{"result"},
	)
	dnsQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "portal",
			Name:      "dns_queries_total",
			Help:      "Captive DNS queries by outcome.",
		},
		[]string{"outcome"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "messaging",
			Name:      "messages_total",
			Help:      "Inbound messages by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	transportDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgenode",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Messages dropped by a transport adapter.",
		},
		[]string{"transport", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			associationAttempts, associationDuration, statusTransitions,
			portalSubmissions, dnsQueries,
			messages, transportDrops,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAssociation(success bool, duration time.Duration) {
	RegisterMetrics()
	result := "failure"
	if success {
		result = "success"
	}
	associationAttempts.WithLabelValues(result).Inc()
	associationDuration.Observe(duration.Seconds())
}

func RecordStatusTransition(from, to string) {
	RegisterMetrics()
	statusTransitions.WithLabelValues(from, to).Inc()
}

func RecordPortalSubmission(result string) {
	RegisterMetrics()
	portalSubmissions.WithLabelValues(result).Inc()
}

func RecordDNSQuery(outcome string) {
	RegisterMetrics()
	dnsQueries.WithLabelValues(outcome).Inc()
}

// RecordMessage outcome is one of received, dispatched, unmatched, parse_error.
func RecordMessage(transport, outcome string) {
	RegisterMetrics()
	messages.WithLabelValues(transport, outcome).Inc()
}

func RecordTransportDrop(transport, reason string) {
	RegisterMetrics()
	transportDrops.WithLabelValues(transport, reason).Inc()
}
