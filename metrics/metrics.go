// Package metrics counts what the pipeline does so operators can see
// fallbacks, spoof drops and storage recoveries without reading logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnschat_queries_total",
			Help: "How many chat queries were sent, by transport and outcome",
		},
		[]string{"proto", "outcome"},
	)

	spoofDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dnschat_spoof_drops_total",
			Help: "Responses dropped because the transaction id did not match",
		},
	)

	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnschat_transport_fallbacks_total",
			Help: "How many times a transport fell back to the next one",
		},
		[]string{"from", "to"},
	)

	corruptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dnschat_storage_recoveries_total",
			Help: "Storage payloads recovered after corruption",
		},
	)
)

// Register registers all pipeline collectors with the default registry.
func Register() {
	prometheus.MustRegister(queries, spoofDrops, fallbacks, corruptions)
}

// Query counts one completed attempt.
func Query(proto, outcome string) {
	queries.With(prometheus.Labels{"proto": proto, "outcome": outcome}).Inc()
}

// SpoofDrop counts one mismatched-transaction-id drop.
func SpoofDrop() {
	spoofDrops.Inc()
}

// Fallback counts one transport downgrade.
func Fallback(from, to string) {
	fallbacks.With(prometheus.Labels{"from": from, "to": to}).Inc()
}

// StorageRecovery counts one corruption recovery.
func StorageRecovery() {
	corruptions.Inc()
}
