package ingress

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connections_total",
		Help: "Total number of WebSocket connections",
	})
	registrationsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registrations_total",
		Help: "Total number of service registrations",
	})
	tunnelSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_sessions_active",
		Help: "Active edge WebSocket tunnel sessions",
	})
	heartbeatsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_received_total",
		Help: "Heartbeat messages accepted from agents",
	})
	proxiedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxied_requests_total",
		Help: "Edge requests answered, by status class",
	}, []string{"status_class"})
	authOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_outcomes_total",
		Help: "Agent identity handshake outcomes",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		connectionsGauge,
		registrationsGauge,
		tunnelSessionsGauge,
		heartbeatsCounter,
		proxiedRequests,
		authOutcomes,
	)
}

// syncGauges refreshes the registry-backed gauges. Call after any
// mutation of connections or registrations.
func (s *Service) syncGauges() {
	connectionsGauge.Set(float64(s.registry.ConnectionCount()))
	registrationsGauge.Set(float64(s.registry.RegistrationCount()))
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
