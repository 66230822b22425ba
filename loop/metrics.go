package loop

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of a loop
type Metrics struct {
	TickDuration prometheus.Histogram
	Jitter       prometheus.Gauge
	DeviceErrors *prometheus.CounterVec
	Trips        prometheus.Counter
	Force        prometheus.Gauge
	Voltage      prometheus.Gauge
	Current      prometheus.Gauge
	Position     prometheus.Gauge
	Temperature  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, if reg is
// not nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forcecell",
			Subsystem: "cell",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forcecell",
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Time from the start of a tick to its command being sent.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		Jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forcecell",
			Subsystem: "loop",
			Name:      "tick_jitter_seconds",
			Help:      "Deviation of the last tick interval from the configured period.",
		}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forcecell",
			Subsystem: "loop",
			Name:      "device_errors_total",
			Help:      "Failed or timed out device calls.",
		}, []string{"device"}),
		Trips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forcecell",
			Subsystem: "safety",
			Name:      "trips_total",
			Help:      "Safety trips raised.",
		}),
		Force:       gauge("force_newtons", "Last measured force."),
		Voltage:     gauge("voltage_volts", "Last measured working electrode voltage."),
		Current:     gauge("current_amps", "Last measured cell current."),
		Position:    gauge("position_mm", "Last measured motor position."),
		Temperature: gauge("temperature_celsius", "Last measured cell temperature."),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.TickDuration, m.Jitter, m.DeviceErrors, m.Trips,
		m.Force, m.Voltage, m.Current, m.Position, m.Temperature,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
