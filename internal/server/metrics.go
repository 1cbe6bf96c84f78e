package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rummi-server/internal/session"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	CommandsTotal     *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	GamesFinished     *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics together with the
// standard Go and process collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rummi_commands_total",
				Help: "Total number of client commands by type and outcome",
			},
			[]string{"command", "status"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rummi_connections_active",
				Help: "Number of open websocket connections",
			},
		),
		GamesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rummi_games_finished_total",
				Help: "Total number of games that ended, by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(m.CommandsTotal, m.ConnectionsActive, m.GamesFinished)

	return m
}

// Command status labels.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusFailed   = "failed"
)

func commandStatus(err error) string {
	switch {
	case err == nil:
		return statusOK
	case session.IsRejection(err), isGatewayRejection(err):
		return statusRejected
	default:
		return statusFailed
	}
}

// ObserveGameOver counts the first game-over event in out. The same event is
// addressed to every player, so one command ends at most one game.
func (m *Metrics) ObserveGameOver(out []session.Outbound) {
	for _, o := range out {
		if o.Event.Name != session.EventGameOver {
			continue
		}
		p, ok := o.Event.Payload.(session.GameOverPayload)
		if !ok {
			return
		}
		switch {
		case p.IsDraw:
			m.GamesFinished.WithLabelValues("draw").Inc()
		case p.Forfeit:
			m.GamesFinished.WithLabelValues("forfeit").Inc()
		default:
			m.GamesFinished.WithLabelValues("win").Inc()
		}
		return
	}
}
