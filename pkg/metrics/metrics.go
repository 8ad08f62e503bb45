// Package metrics holds the Prometheus collectors for polling, persistence
// and alerting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugwatch_status_polls_total",
			Help: "Device status fetches by provider and result.",
		},
		[]string{"provider", "result"},
	)
	listFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugwatch_device_list_fallbacks_total",
			Help: "Device list calls that degraded to the mock list.",
		},
		[]string{"provider"},
	)
	flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugwatch_usage_flushes_total",
			Help: "Usage persistence flushes by result.",
		},
		[]string{"result"},
	)
	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugwatch_usage_alerts_total",
			Help: "Usage threshold alerts emitted.",
		},
		[]string{"provider"},
	)
	watchedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plugwatch_watched_users",
			Help: "Users with an active polling loop.",
		},
	)
)

func init() {
	prometheus.MustRegister(polls, listFallbacks, flushes, alerts, watchedUsers)
}

// Poll results.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// ObservePoll counts one status fetch.
func ObservePoll(provider, result string) {
	polls.WithLabelValues(provider, result).Inc()
}

// ObserveListFallback counts a degraded device list.
func ObserveListFallback(provider string) {
	listFallbacks.WithLabelValues(provider).Inc()
}

// ObserveFlush counts a persistence flush.
func ObserveFlush(result string) {
	flushes.WithLabelValues(result).Inc()
}

// ObserveAlert counts an emitted alert.
func ObserveAlert(provider string) {
	alerts.WithLabelValues(provider).Inc()
}

// SetWatchedUsers records how many polling loops are running.
func SetWatchedUsers(n int) {
	watchedUsers.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
