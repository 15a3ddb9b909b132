package esphome

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the plugin's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	commands    *prometheus.CounterVec
	statePushes prometheus.Counter
	devices     prometheus.Gauge
}

// NewMetrics creates the plugin collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esphome_climate",
			Name:      "commands_total",
			Help:      "Climate commands by outcome (requested, superseded, sent, failed).",
		}, []string{"result"}),
		statePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "esphome_climate",
			Name:      "state_pushes_total",
			Help:      "Entity state pushes applied to host devices.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "esphome_climate",
			Name:      "connected_devices",
			Help:      "Devices with an established node connection.",
		}),
	}
	reg.MustRegister(m.commands, m.statePushes, m.devices)
	return m
}

func (m *Metrics) command(result string) {
	if m != nil {
		m.commands.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) commandRequested()  { m.command("requested") }
func (m *Metrics) commandSuperseded() { m.command("superseded") }
func (m *Metrics) commandSent()       { m.command("sent") }
func (m *Metrics) commandFailed()     { m.command("failed") }

func (m *Metrics) statePushed() {
	if m != nil {
		m.statePushes.Inc()
	}
}

func (m *Metrics) connected(delta float64) {
	if m != nil {
		m.devices.Add(delta)
	}
}
