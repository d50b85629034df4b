package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"signals/orchestrator/internal/broadcast"
)

// Metrics is the gateway's prometheus surface. Connection gauges read the
// hub on scrape; counters are bumped inline by the dispatcher.
type Metrics struct {
	framesIn   *prometheus.CounterVec
	wsUpgrades prometheus.Counter
	wsErrors   prometheus.Counter
	authFailed prometheus.Counter
	httpServed *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, hub *broadcast.Hub, pendingSettlements func() int) *Metrics {
	m := &Metrics{
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signals", Subsystem: "gateway",
			Name: "frames_in_total", Help: "Inbound WebSocket frames by type.",
		}, []string{"type"}),
		wsUpgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signals", Subsystem: "gateway",
			Name: "ws_upgrades_total", Help: "Accepted WebSocket upgrades.",
		}),
		wsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signals", Subsystem: "gateway",
			Name: "ws_errors_total", Help: "WebSocket read or dispatch errors.",
		}),
		authFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signals", Subsystem: "gateway",
			Name: "auth_failed_total", Help: "Rejected authentication attempts.",
		}),
		httpServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signals", Subsystem: "gateway",
			Name: "http_requests_total", Help: "HTTP API requests by route.",
		}, []string{"route"}),
	}
	reg.MustRegister(m.framesIn, m.wsUpgrades, m.wsErrors, m.authFailed, m.httpServed)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "signals", Subsystem: "gateway",
		Name: "connected_agents", Help: "Authenticated agent connections.",
	}, func() float64 { return float64(hub.GetStats().Agents) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "signals", Subsystem: "gateway",
		Name: "connected_clients", Help: "All live connections.",
	}, func() float64 { return float64(hub.GetStats().Total) }))
	if pendingSettlements != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "signals", Subsystem: "ledger",
			Name: "pending_settlements", Help: "Buffered settlements awaiting flush.",
		}, func() float64 { return float64(pendingSettlements()) }))
	}
	return m
}
