// Package metrics exposes the broker's Prometheus instrumentation,
// grounded directly in the teacher's metrics.go: package-level vectors
// registered once, helper functions that translate a domain event into a
// metric update, and an HTTP handler suitable for mounting at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dime_clients_total",
		Help: "Total number of clients that have completed a handshake.",
	})

	ClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dime_clients_active",
		Help: "Current number of open client connections.",
	})

	GroupsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dime_groups_active",
		Help: "Current number of non-empty groups.",
	})

	EnvelopesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dime_envelopes_routed_total",
		Help: "Total envelopes enqueued into a recipient mailbox.",
	}, []string{"kind"}) // kind: "group" or "broadcast"

	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dime_envelopes_dropped_total",
		Help: "Total envelopes evicted from a mailbox under backpressure.",
	}, []string{"reason"})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dime_commands_total",
		Help: "Total commands processed, by command name and outcome.",
	}, []string{"command", "outcome"}) // outcome: "ok", "error", "rate_limited"

	MailboxDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dime_mailbox_depth",
		Help:    "Mailbox depth observed at sync/wait time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	FramingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dime_framing_errors_total",
		Help: "Total connections closed due to a wire framing violation.",
	})
)

func init() {
	prometheus.MustRegister(
		ClientsTotal,
		ClientsActive,
		GroupsActive,
		EnvelopesRouted,
		EnvelopesDropped,
		CommandsTotal,
		MailboxDepth,
		FramingErrors,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCommand records the outcome of one dispatched command.
func RecordCommand(command, outcome string) {
	CommandsTotal.WithLabelValues(command, outcome).Inc()
}

// RecordRouted increments the routed-envelope counter for kind ("group"
// or "broadcast") by n recipients.
func RecordRouted(kind string, n int) {
	if n > 0 {
		EnvelopesRouted.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordDropped increments the dropped-envelope counter for reason.
func RecordDropped(reason string) {
	EnvelopesDropped.WithLabelValues(reason).Inc()
}
