// Package telemetry exposes Prometheus metrics for the gossip node.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gossip"

var (
	Registry = prometheus.NewRegistry()

	// ---- Gossip engine ----
	RoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Gossip rounds started.",
		},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Time spent broadcasting one gossip round.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	TicksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_dropped_total",
			Help:      "Heartbeat ticks dropped because a round was still running.",
		},
	)

	PeersDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_discovered_total",
			Help:      "Addresses learned through merges.",
		},
	)

	KnownPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Entries in the membership registry, self included.",
		},
	)

	// ---- Transport ----
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Gossip messages by direction and result.",
		},
		[]string{"direction", "result"},
	)

	ConnectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed outbound connection attempts.",
		},
	)

	Sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open peer sessions by direction.",
		},
		[]string{"direction"},
	)

	// ---- Admin API ----
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Admin API requests by HTTP status class.",
		},
		[]string{"status"},
	)

	// ---- Process ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

// Label values for MessagesTotal.
const (
	DirSent     = "sent"
	DirReceived = "received"

	ResultOK        = "ok"
	ResultError     = "error"
	ResultMalformed = "malformed"
)

func init() {
	Registry.MustRegister(
		RoundsTotal, RoundDuration, TicksDropped, PeersDiscovered, KnownPeers,
		MessagesTotal, ConnectFailures, Sessions, RPCRequests,
		buildInfo, uptime,
	)
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo records the running version. Call once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument counts requests served by next by status class.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		RPCRequests.WithLabelValues(strconv.Itoa(sw.status/100) + "xx").Inc()
	})
}
