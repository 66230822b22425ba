// Package loop runs the fixed-period control tick: acquire every channel,
// gate the sample through the safety monitor, compute the PID output, and
// command the motor.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/motion"
	"github.com/echemlab/forcecell/pid"
	"github.com/echemlab/forcecell/potentiostat"
	"github.com/echemlab/forcecell/runlog"
	"github.com/echemlab/forcecell/safety"
	"github.com/echemlab/forcecell/sample"
	"github.com/echemlab/forcecell/sensor"
)

// Device names used in errors and metrics
const (
	DevForce       = "force"
	DevInstrument  = "instrument"
	DevMotor       = "motor"
	DevThermometer = "thermometer"
)

var (
	// ErrDeviceTimeout matches any DeviceError whose call hit its deadline
	ErrDeviceTimeout = errors.New("device call timed out")

	// ErrRunning is returned by Run when the loop is already running
	ErrRunning = errors.New("loop already running")
)

// DeviceError is a failed or timed out device call
type DeviceError struct {
	Device  string
	Op      string
	Timeout bool
	Err     error
}

func (e *DeviceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timed out", e.Device, e.Op)
	}
	return fmt.Sprintf("%s %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is matches ErrDeviceTimeout for timeouts
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceTimeout && e.Timeout
}

func deviceError(device, op string, err error) *DeviceError {
	return &DeviceError{
		Device:  device,
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// Config holds the loop timing
type Config struct {
	// Period between tick starts
	Period time.Duration `json:"period" koanf:"period" yaml:"period"`

	// DeviceTimeout bounds every device call within a tick
	DeviceTimeout time.Duration `json:"deviceTimeout" koanf:"devicetimeout" yaml:"devicetimeout"`

	// FailureThreshold is the number of consecutive failed ticks that trips
	// the monitor
	FailureThreshold int `json:"failureThreshold" koanf:"failurethreshold" yaml:"failurethreshold"`

	// HaltTimeout bounds the Stop issued on a trip or on exit
	HaltTimeout time.Duration `json:"haltTimeout" koanf:"halttimeout" yaml:"halttimeout"`

	// History is the number of records kept in memory
	History int `json:"history" koanf:"history" yaml:"history"`
}

// DefaultConfig is a 50 Hz loop
func DefaultConfig() Config {
	return Config{
		Period:           20 * time.Millisecond,
		DeviceTimeout:    15 * time.Millisecond,
		FailureThreshold: 3,
		HaltTimeout:      100 * time.Millisecond,
		History:          3000,
	}
}

// Validate returns a *limits.ConfigError for unusable timing
func (c Config) Validate() error {
	switch {
	case c.Period < time.Millisecond || c.Period > time.Second:
		return &limits.ConfigError{Field: "loop.period", Reason: "must be between 1ms and 1s"}
	case c.DeviceTimeout <= 0 || c.DeviceTimeout >= c.Period:
		return &limits.ConfigError{Field: "loop.devicetimeout", Reason: "must be positive and below the period"}
	case c.FailureThreshold < 1:
		return &limits.ConfigError{Field: "loop.failurethreshold", Reason: "must be at least 1"}
	case c.HaltTimeout <= 0:
		return &limits.ConfigError{Field: "loop.halttimeout", Reason: "must be positive"}
	case c.History < 1:
		return &limits.ConfigError{Field: "loop.history", Reason: "must be at least 1"}
	}
	return nil
}

// Devices are the bench hardware.  Thermometer is optional.
type Devices struct {
	Motor       motion.Motor
	Force       sensor.ForceSensor
	Instrument  potentiostat.Instrument
	Thermometer sensor.Thermometer
}

// Goal is what the orchestrator asks of the next tick
type Goal struct {
	// Phase and Step label the log rows
	Phase string `json:"phase"`
	Step  int    `json:"step"`

	// ForceControl selects closed-loop force regulation toward Setpoint.
	// Without it the loop only acquires and monitors.
	ForceControl bool    `json:"forceControl"`
	Setpoint     float64 `json:"setpoint"`
}

// Result is the outcome of one tick
type Result struct {
	Sample  sample.Sample
	Status  safety.Status
	Command float64
	Sent    bool

	// Err holds the device errors of the tick, nil if it was clean
	Err error

	// Acquired is false when the sample could not be completed
	Acquired bool
}

// Supervisor is consulted after every tick and returns the goal for the
// next.  done ends the run.  It runs on the loop goroutine, so device
// calls it makes are ordered with the tick's own.
type Supervisor interface {
	Supervise(ctx context.Context, r Result) (next Goal, done bool, err error)
}

// SupervisorFunc adapts a function to Supervisor
type SupervisorFunc func(ctx context.Context, r Result) (Goal, bool, error)

// Supervise calls f
func (f SupervisorFunc) Supervise(ctx context.Context, r Result) (Goal, bool, error) {
	return f(ctx, r)
}

// Option configures a Loop
type Option func(*Loop)

// WithClock sets the clock used for ticks and dt
func WithClock(c clock.Clock) Option { return func(l *Loop) { l.clk = c } }

// WithLogger sets the logger
func WithLogger(lg *zap.SugaredLogger) Option { return func(l *Loop) { l.logger = lg } }

// WithSink adds a sink every record is appended to
func WithSink(s runlog.Sink) Option { return func(l *Loop) { l.sink = append(l.sink, s) } }

// WithMetrics sets the collectors the loop updates
func WithMetrics(m *Metrics) Option { return func(l *Loop) { l.metrics = m } }

// Loop is the sampling loop.  Tick and Run must only be called from one
// goroutine at a time; the accessors are safe from any goroutine.
type Loop struct {
	cfg     Config
	dev     Devices
	pid     *pid.Controller
	mon     *safety.Monitor
	clk     clock.Clock
	logger  *zap.SugaredLogger
	sink    runlog.Tee
	hist    *runlog.Ring
	metrics *Metrics
	running atomic.Bool

	// owned by the tick goroutine
	goal        Goal
	regulating  bool
	lastSet     float64
	lastCompute time.Time
	lastStart   time.Time
	fails       int
	charge      string

	mu     sync.Mutex
	last   sample.Sample
	gains  pid.Gains
	retune *pid.Gains
}

// New validates cfg and returns a loop.  It installs the monitor's halt hook,
// which stops the motor.
func New(cfg Config, dev Devices, ctrl *pid.Controller, mon *safety.Monitor, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev.Motor == nil || dev.Force == nil || dev.Instrument == nil {
		return nil, &limits.ConfigError{Field: "devices", Reason: "motor, force sensor and instrument are required"}
	}
	l := &Loop{
		cfg:  cfg,
		dev:  dev,
		pid:  ctrl,
		mon:  mon,
		hist:  runlog.NewRing(cfg.History),
		last:  sample.Sample{Temperature: math.NaN()},
		gains: ctrl.Gains(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.clk == nil {
		l.clk = clock.New()
	}
	if l.logger == nil {
		l.logger = zap.NewNop().Sugar()
	}
	if l.metrics == nil {
		l.metrics, _ = NewMetrics(nil)
	}
	mon.SetHalt(l.halt)
	return l, nil
}

// halt is the monitor's HaltFunc
func (l *Loop) halt(st safety.Status) {
	l.metrics.Trips.Inc()
	if err := l.stopMotor(); err != nil {
		l.logger.Errorw("motor did not acknowledge halt", "reason", st.Reason(), "err", err)
	}
}

// stopMotor commands neutral, retrying once
func (l *Loop) stopMotor() error {
	var err error
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HaltTimeout)
		err = l.dev.Motor.Stop(ctx)
		cancel()
		if err == nil {
			return nil
		}
		l.metrics.DeviceErrors.WithLabelValues(DevMotor).Inc()
	}
	return deviceError(DevMotor, "Stop", err)
}

// SetGoal replaces the goal of the following ticks.  It must be called from
// the loop goroutine, normally by returning the goal from a Supervisor.
func (l *Loop) SetGoal(g Goal) {
	l.goal = g
}

// SetGains retunes the controller without resetting its state.  It may be
// called while Run is in progress; the gains take effect on the next tick.
func (l *Loop) SetGains(g pid.Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gains = g
	l.retune = &g
	return nil
}

// Gains returns the most recently requested tuning
func (l *Loop) Gains() pid.Gains {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gains
}

// Goal returns the current goal
func (l *Loop) Goal() Goal {
	return l.goal
}

// History returns the in-memory record history
func (l *Loop) History() *runlog.Ring {
	return l.hist
}

// Last returns the most recent complete sample
func (l *Loop) Last() sample.Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Config returns the loop timing
func (l *Loop) Config() Config {
	return l.cfg
}

// acquire reads every device concurrently, each bounded by DeviceTimeout
func (l *Loop) acquire(ctx context.Context) (sample.Sample, error) {
	var (
		smp  = sample.Sample{Temperature: math.NaN()}
		errs [4]error
		g    errgroup.Group
	)
	call := func(i int, device, op string, fn func(context.Context) error) {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, l.cfg.DeviceTimeout)
			defer cancel()
			if err := fn(dctx); err != nil {
				errs[i] = deviceError(device, op, err)
				return errs[i]
			}
			return nil
		})
	}
	call(0, DevForce, "Read", func(c context.Context) (err error) {
		smp.Force, err = l.dev.Force.Read(c)
		return err
	})
	call(1, DevInstrument, "ReadChannel", func(c context.Context) error {
		rd, err := l.dev.Instrument.ReadChannel(c)
		smp.Voltage, smp.Current = rd.Voltage, rd.Current
		return err
	})
	call(2, DevMotor, "Position", func(c context.Context) (err error) {
		smp.Position, err = l.dev.Motor.Position(c)
		return err
	})
	if l.dev.Thermometer != nil {
		call(3, DevThermometer, "Temperature", func(c context.Context) (err error) {
			smp.Temperature, err = l.dev.Thermometer.Temperature(c)
			return err
		})
	}
	if g.Wait() == nil {
		smp.Time = l.clk.Now()
		return smp, nil
	}
	if err := ctx.Err(); err != nil {
		return smp, err
	}
	var err error
	for _, e := range errs {
		if e != nil {
			l.metrics.DeviceErrors.WithLabelValues(e.(*DeviceError).Device).Inc()
			err = multierr.Append(err, e)
		}
	}
	return smp, err
}

// Tick runs one acquire, evaluate, command cycle.  Device errors below the
// failure threshold are reported in Result.Err with a nil error.  A trip,
// including one raised by this tick, is returned as a *safety.TripError
// after the motor has been stopped.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	start := l.clk.Now()
	if !l.lastStart.IsZero() {
		l.metrics.Jitter.Set((start.Sub(l.lastStart) - l.cfg.Period).Seconds())
	}
	l.lastStart = start
	defer func() { l.metrics.TickDuration.Observe(l.clk.Since(start).Seconds()) }()

	l.mu.Lock()
	retune := l.retune
	l.retune = nil
	l.mu.Unlock()
	if retune != nil {
		if err := l.pid.SetTunings(*retune); err != nil {
			return Result{Sample: l.Last()}, err
		}
		l.logger.Infow("controller retuned", "kp", retune.Kp, "ki", retune.Ki, "kd", retune.Kd)
	}

	if st := l.mon.Status(); st.Level == safety.Tripped {
		return Result{Status: st, Sample: l.Last()}, &safety.TripError{Status: st}
	}

	smp, err := l.acquire(ctx)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		res := Result{Sample: l.Last(), Err: err, Status: l.mon.Status()}
		return l.failed(res, safety.ReasonSensorUnavailable, err)
	}
	l.mu.Lock()
	l.last = smp
	l.mu.Unlock()
	l.observe(smp)

	res := Result{Sample: smp, Acquired: true}
	res.Status = l.mon.Evaluate(smp)
	if res.Status.Level == safety.Tripped {
		l.record(res)
		return res, &safety.TripError{Status: res.Status}
	}

	if !l.goal.ForceControl {
		l.regulating = false
		l.fails = 0
		l.record(res)
		return res, nil
	}

	if !l.regulating || l.goal.Setpoint != l.lastSet {
		l.pid.Reset()
		l.regulating = true
		l.lastSet = l.goal.Setpoint
		l.lastCompute = time.Time{}
	}
	dt := l.cfg.Period.Seconds()
	if !l.lastCompute.IsZero() {
		if d := smp.Time.Sub(l.lastCompute).Seconds(); d > 0 {
			dt = d
		}
	}
	out, err := l.pid.Compute(l.goal.Setpoint, smp.Force, dt)
	if err != nil {
		return res, err
	}
	l.lastCompute = smp.Time
	res.Command = out

	cctx, cancel := context.WithTimeout(ctx, l.cfg.DeviceTimeout)
	err = l.dev.Motor.SendCommand(cctx, out)
	cancel()
	if err != nil {
		derr := deviceError(DevMotor, "SendCommand", err)
		l.metrics.DeviceErrors.WithLabelValues(DevMotor).Inc()
		res.Err = derr
		l.record(res)
		return l.failed(res, safety.ReasonMotorUnavailable, derr)
	}
	l.fails = 0
	res.Sent = true
	l.record(res)
	return res, nil
}

// failed counts a tick that did not both acquire and command cleanly.  The
// count is shared by every device, so alternating failures still escalate;
// the trip is attributed to the device that failed last.
func (l *Loop) failed(res Result, reason string, err error) (Result, error) {
	l.fails++
	if l.fails >= l.cfg.FailureThreshold {
		res.Status = l.mon.Escalate(reason, res.Sample,
			fmt.Errorf("%d consecutive failed ticks: %w", l.fails, err))
		return res, &safety.TripError{Status: res.Status}
	}
	l.logger.Warnw("tick failed", "reason", reason, "err", err, "consecutive", l.fails)
	return res, nil
}

func (l *Loop) observe(smp sample.Sample) {
	l.metrics.Force.Set(smp.Force)
	l.metrics.Voltage.Set(smp.Voltage)
	l.metrics.Current.Set(smp.Current)
	l.metrics.Position.Set(smp.Position)
	if smp.HasTemperature() {
		l.metrics.Temperature.Set(smp.Temperature)
	}
}

func (l *Loop) record(res Result) {
	rec := runlog.Record{
		Sample:  res.Sample,
		Command: res.Command,
		Phase:   l.goal.Phase,
		Step:    l.goal.Step,
		Charge:  potentiostat.StateOf(res.Sample.Current).String(),
		Safety:  res.Status.Level.String(),
	}
	if !res.Sent {
		rec.Command = 0
	}
	if res.Acquired && rec.Charge != l.charge {
		if l.charge != "" {
			l.logger.Infow("charge state changed", "from", l.charge, "to", rec.Charge, "current", res.Sample.Current)
		}
		l.charge = rec.Charge
	}
	l.hist.Append(rec)
	l.sink.Append(rec)
	l.logger.Debugw("tick", "phase", rec.Phase, "sample", res.Sample.String(), "command", rec.Command)
}

// Run ticks every Period until the supervisor reports done, ctx ends, or
// the monitor trips.  The supervisor sees every tick, including the one that
// tripped.  The motor is commanded to neutral before Run returns, whatever
// the reason.
func (l *Loop) Run(ctx context.Context, sup Supervisor) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)
	defer func() {
		if serr := l.stopMotor(); serr != nil {
			if err == nil {
				err = serr
			} else {
				l.logger.Errorw("motor did not stop on exit", "err", serr)
			}
		}
	}()

	ticker := l.clk.Ticker(l.cfg.Period)
	defer ticker.Stop()
	for {
		res, terr := l.Tick(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		var trip *safety.TripError
		tripped := errors.As(terr, &trip)
		if terr != nil && !tripped {
			return terr
		}
		next, done, serr := sup.Supervise(ctx, res)
		if tripped {
			return terr
		}
		if serr != nil {
			return serr
		}
		if done {
			return nil
		}
		l.SetGoal(next)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running reports whether Run is in progress
func (l *Loop) Running() bool {
	return l.running.Load()
}
