// Package safety gates every sample of a run against its Limit Set.
//
// The Monitor is the only component allowed to request an emergency stop.
// A trip is sticky: once the monitor has tripped it reports the original trip
// on every evaluation until Reset is called, so a control loop can never
// recover past a dangerous condition unnoticed.
package safety

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/sample"
)

// Reasons for synthetic trips raised by Escalate
const (
	ReasonSensorUnavailable = "sensor unavailable"
	ReasonMotorUnavailable  = "motor unavailable"
	ReasonOperatorAbort     = "operator abort"
)

// Level is the severity of a Status
type Level int

const (
	// Nominal means every channel is comfortably inside its limits
	Nominal Level = iota

	// Warning is advisory; actuation continues
	Warning

	// Tripped halts actuation until Reset
	Tripped
)

func (l Level) String() string {
	switch l {
	case Nominal:
		return "nominal"
	case Warning:
		return "warning"
	case Tripped:
		return "tripped"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText lets Level encode as its name in JSON
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Status is the outcome of an evaluation
type Status struct {
	Level Level `json:"level"`

	// Reasons holds the bound names (or synthetic reasons) behind a Warning
	// or a trip
	Reasons []string `json:"reasons,omitempty"`

	// Violations holds the measured values behind Reasons, when there are any
	Violations []limits.Violation `json:"violations,omitempty"`

	// Sample is the offending sample of a trip, or the last good sample for
	// a synthetic trip.  nil for Nominal and Warning.
	Sample *sample.Sample `json:"sample,omitempty"`

	// Cause carries the detail of a synthetic trip
	Cause string `json:"cause,omitempty"`

	// Time the status was produced
	Time time.Time `json:"time"`
}

// Reason joins Reasons with a comma
func (s Status) Reason() string {
	return strings.Join(s.Reasons, ",")
}

// Err returns the violations of the status combined into one error, or nil
func (s Status) Err() error {
	var err error
	for _, v := range s.Violations {
		err = multierr.Append(err, v)
	}
	return err
}

// TripError reports a trip to the caller.  The actuator has already been
// commanded to its safe state when a TripError is returned.
type TripError struct {
	Status Status
}

func (e *TripError) Error() string {
	var b strings.Builder
	b.WriteString("safety trip: ")
	b.WriteString(e.Status.Reason())
	if err := e.Status.Err(); err != nil {
		b.WriteString(" (")
		b.WriteString(err.Error())
		b.WriteString(")")
	}
	if e.Status.Cause != "" {
		b.WriteString(": ")
		b.WriteString(e.Status.Cause)
	}
	if e.Status.Sample != nil {
		b.WriteString("; last sample ")
		b.WriteString(e.Status.Sample.String())
	}
	return b.String()
}

// HaltFunc commands the actuator to its safe state.  It is called
// synchronously, exactly once per trip, before the trip is visible to any
// other caller of the Monitor.
type HaltFunc func(Status)

// Config tunes the monitor
type Config struct {
	// Margin is the fraction of a limit at which a sample starts warning
	Margin float64 `json:"margin" koanf:"margin" yaml:"margin"`

	// RateWindow is the number of samples the rate of change is computed over
	RateWindow int `json:"rateWindow" koanf:"ratewindow" yaml:"ratewindow"`

	// RateStrikes is the number of consecutive rate warnings that trip
	RateStrikes int `json:"rateStrikes" koanf:"ratestrikes" yaml:"ratestrikes"`
}

// DefaultConfig returns the usual bench tuning
func DefaultConfig() Config {
	return Config{Margin: limits.DefaultMargin, RateWindow: 5, RateStrikes: 3}
}

// Validate returns a *limits.ConfigError for an unusable config
func (c Config) Validate() error {
	if !(c.Margin > 0 && c.Margin <= 1) {
		return &limits.ConfigError{Field: "safety.margin", Reason: "must be in (0, 1]"}
	}
	if c.RateWindow < 2 {
		return &limits.ConfigError{Field: "safety.ratewindow", Reason: "must be at least 2"}
	}
	if c.RateStrikes < 1 {
		return &limits.ConfigError{Field: "safety.ratestrikes", Reason: "must be at least 1"}
	}
	return nil
}

// Monitor evaluates samples against a Limit Set
type Monitor struct {
	mu sync.Mutex

	limits limits.Set
	cfg    Config
	clk    clock.Clock
	halt   HaltFunc
	logger *zap.SugaredLogger
	warnRL *rate.Limiter

	status  Status
	history []sample.Sample
	strikes int
}

// NewMonitor validates the limits and config and returns a Nominal monitor.
// clk stamps trips raised without a sample time and resets; nil uses the
// wall clock.
func NewMonitor(lim limits.Set, cfg Config, clk clock.Clock, logger *zap.SugaredLogger) (*Monitor, error) {
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		limits:  lim,
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
		warnRL:  rate.NewLimiter(rate.Every(time.Second), 1),
		status:  Status{Level: Nominal},
		history: make([]sample.Sample, 0, cfg.RateWindow),
	}, nil
}

// SetHalt installs the hook used to stop the actuator on a trip
func (m *Monitor) SetHalt(h HaltFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halt = h
}

// Limits returns the Limit Set the monitor enforces
func (m *Monitor) Limits() limits.Set {
	return m.limits
}

// Evaluate classifies smp.  Once tripped it returns the original trip.
func (m *Monitor) Evaluate(smp sample.Sample) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Level == Tripped {
		return m.status
	}

	if vs := limits.Invalid(smp); len(vs) > 0 {
		return m.trip(vs, smp, "non-finite reading")
	}
	if vs := m.limits.Check(smp); len(vs) > 0 {
		return m.trip(vs, smp, "")
	}

	rates := m.rateCheck(smp)
	if len(rates) > 0 {
		m.strikes++
		if m.strikes >= m.cfg.RateStrikes {
			return m.trip(rates, smp, fmt.Sprintf("%d consecutive rate warnings", m.strikes))
		}
	} else {
		m.strikes = 0
	}

	warn := append(m.limits.Near(smp, m.cfg.Margin), rates...)
	if len(warn) == 0 {
		m.status = Status{Level: Nominal, Time: smp.Time}
		return m.status
	}
	m.status = Status{Level: Warning, Violations: warn, Reasons: reasons(warn), Time: smp.Time}
	if m.warnRL.Allow() {
		m.logger.Warnw("sample close to limits", "reasons", m.status.Reason(), "sample", smp.String())
	}
	return m.status
}

// Escalate raises a synthetic trip, for example when a device has been
// unavailable for too many consecutive ticks.  last is the most recent
// sample the caller has, which is attached to the trip.
func (m *Monitor) Escalate(reason string, last sample.Sample, cause error) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Level == Tripped {
		return m.status
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	st := m.tripStatus(nil, last, detail)
	st.Reasons = []string{reason}
	return m.commit(st)
}

// Status returns the current status.  It blocks while a halt is in progress.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Tripped returns true if the monitor is latched in a trip
func (m *Monitor) Tripped() bool {
	return m.Status().Level == Tripped
}

// Reset acknowledges a trip and returns the monitor to Nominal
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Level == Tripped {
		m.logger.Infow("safety trip acknowledged", "reason", m.status.Reason())
	}
	m.status = Status{Level: Nominal, Time: m.clk.Now()}
	m.history = m.history[:0]
	m.strikes = 0
}

func (m *Monitor) trip(vs []limits.Violation, smp sample.Sample, cause string) Status {
	st := m.tripStatus(vs, smp, cause)
	st.Reasons = reasons(vs)
	return m.commit(st)
}

func (m *Monitor) tripStatus(vs []limits.Violation, smp sample.Sample, cause string) Status {
	attached := smp
	t := smp.Time
	if t.IsZero() {
		t = m.clk.Now()
	}
	return Status{Level: Tripped, Violations: vs, Sample: &attached, Cause: cause, Time: t}
}

// commit latches st and halts the actuator.  m.mu is held throughout so no
// other caller can observe the trip before the halt has been commanded.
func (m *Monitor) commit(st Status) Status {
	m.status = st
	m.logger.Errorw("safety trip", "reason", st.Reason(), "cause", st.Cause, "sample", st.Sample.String())
	if m.halt != nil {
		m.halt(st)
	}
	return st
}

// rateCheck appends smp to the history and returns rate violations over the
// window, if the window is full
func (m *Monitor) rateCheck(smp sample.Sample) []limits.Violation {
	if len(m.history) == m.cfg.RateWindow {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, smp)
	if len(m.history) < m.cfg.RateWindow {
		return nil
	}
	if m.limits.ForceRateMax == nil && m.limits.VoltageRateMax == nil {
		return nil
	}
	oldest := m.history[0]
	dt := smp.Time.Sub(oldest.Time).Seconds()
	if dt <= 0 {
		return nil
	}
	var out []limits.Violation
	if m.limits.ForceRateMax != nil {
		r := math.Abs(smp.Force-oldest.Force) / dt
		if r > *m.limits.ForceRateMax {
			out = append(out, limits.Violation{Bound: limits.ForceRate, Value: r, Limit: *m.limits.ForceRateMax})
		}
	}
	if m.limits.VoltageRateMax != nil {
		r := math.Abs(smp.Voltage-oldest.Voltage) / dt
		if r > *m.limits.VoltageRateMax {
			out = append(out, limits.Violation{Bound: limits.VoltageRate, Value: r, Limit: *m.limits.VoltageRateMax})
		}
	}
	return out
}

func reasons(vs []limits.Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Bound
	}
	return out
}
