// Package experiment sequences a run: approach the cell to a force
// setpoint, hold, run the electrochemical steps under force, and retract.
// The Orchestrator supervises the sampling loop tick by tick; any safety
// trip moves it to Aborted unconditionally.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/loop"
	"github.com/echemlab/forcecell/pid"
	"github.com/echemlab/forcecell/runlog"
	"github.com/echemlab/forcecell/safety"
	"github.com/echemlab/forcecell/sample"
)

// Phase is the stage of a run
type Phase int

const (
	Idle Phase = iota
	Approach
	Hold
	ElectrochemicalStep
	Retract
	Aborted
	Completed
)

var phaseNames = [...]string{"idle", "approach", "hold", "electrochemical_step", "retract", "aborted", "completed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText lets Phase encode as its name in JSON
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal is true for Aborted and Completed
func (p Phase) Terminal() bool {
	return p == Aborted || p == Completed
}

// Transition is one audited phase change
type Transition struct {
	Time   time.Time `json:"time"`
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Reason string    `json:"reason"`
}

var (
	// ErrNotIdle is returned by Start outside Idle
	ErrNotIdle = errors.New("experiment: not idle")

	// ErrResetRequired is returned by Start after an aborted run until Reset
	ErrResetRequired = errors.New("experiment: aborted run must be reset")

	// ErrNotStarted is returned by Run before Start
	ErrNotStarted = errors.New("experiment: not started")

	// ErrRunning is returned by Start and Reset while a run is in progress
	ErrRunning = errors.New("experiment: run in progress")
)

// AbortError is returned by Run when the run aborted for a reason other
// than a safety trip
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "experiment aborted: " + e.Reason
}

// Config are the fixed settings of the bench
type Config struct {
	Loop   loop.Config   `json:"loop" koanf:"loop" yaml:"loop"`
	Gains  pid.Gains     `json:"gains" koanf:"gains" yaml:"gains"`
	Safety safety.Config `json:"safety" koanf:"safety" yaml:"safety"`
}

// Validate checks every part of the config
func (c Config) Validate() error {
	if err := c.Loop.Validate(); err != nil {
		return err
	}
	if err := c.Gains.Validate(); err != nil {
		return err
	}
	return c.Safety.Validate()
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock sets the clock shared by the loop and phase timing
func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clk = c } }

// WithLogger sets the logger
func WithLogger(lg *zap.SugaredLogger) Option { return func(o *Orchestrator) { o.logger = lg } }

// WithSink adds a run log sink to every run
func WithSink(s runlog.Sink) Option { return func(o *Orchestrator) { o.sinks = append(o.sinks, s) } }

// WithMetrics sets the loop collectors
func WithMetrics(m *loop.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// Orchestrator drives the phases of a run
type Orchestrator struct {
	dev     loop.Devices
	cfg     Config
	clk     clock.Clock
	logger  *zap.SugaredLogger
	sinks   []runlog.Sink
	metrics *loop.Metrics

	mu          sync.Mutex
	phase       Phase
	script      Script
	lim         limits.Set
	mon         *safety.Monitor
	lp          *loop.Loop
	running     bool
	transitions []Transition
	reason      string
	phaseStart  time.Time
	inBand      time.Time
	step        int
	stepStart   time.Time
	instFails   int
}

// New returns an idle orchestrator for the bench
func New(dev loop.Devices, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{dev: dev, cfg: cfg, step: -1}
	for _, opt := range opts {
		opt(o)
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	return o, nil
}

// Start validates the run and moves Idle to Approach.  The motor's force
// limit is set before the run is armed.
func (o *Orchestrator) Start(ctx context.Context, lim limits.Set, s Script) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	switch o.phase {
	case Idle:
	case Aborted:
		return ErrResetRequired
	default:
		return ErrNotIdle
	}
	if err := s.Validate(); err != nil {
		return err
	}
	mon, err := safety.NewMonitor(lim, o.cfg.Safety, o.clk, o.logger.Named("safety"))
	if err != nil {
		return err
	}
	ctrl, err := pid.New(o.cfg.Gains)
	if err != nil {
		return err
	}
	opts := []loop.Option{loop.WithClock(o.clk), loop.WithLogger(o.logger.Named("loop"))}
	for _, sk := range o.sinks {
		opts = append(opts, loop.WithSink(sk))
	}
	if o.metrics != nil {
		opts = append(opts, loop.WithMetrics(o.metrics))
	}
	lp, err := loop.New(o.cfg.Loop, o.dev, ctrl, mon, opts...)
	if err != nil {
		return err
	}

	fl := s.ForceLimit
	if fl == 0 && lim.ForceMax != nil {
		fl = *lim.ForceMax
	}
	if fl > 0 {
		dctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.HaltTimeout)
		err := o.dev.Motor.SetForceLimit(dctx, fl)
		cancel()
		if err != nil {
			return fmt.Errorf("setting motor force limit: %w", err)
		}
	}

	o.script, o.lim, o.mon, o.lp = s, lim, mon, lp
	o.step, o.instFails = -1, 0
	o.inBand = time.Time{}
	o.reason = ""
	o.transitions = nil
	o.transition(Approach, "start")
	return nil
}

// Run supervises the loop until the run completes or aborts.  It returns
// nil on Completed, a *safety.TripError for a trip, an *AbortError for
// other aborts, or the context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	if o.lp == nil || o.phase == Idle || o.phase.Terminal() {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.running = true
	lp := o.lp
	lp.SetGoal(o.goal())
	o.mu.Unlock()

	err := lp.Run(ctx, o)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	if !o.phase.Terminal() {
		reason := "loop ended"
		if err != nil {
			reason = err.Error()
		}
		o.abort(reason)
	}
	var trip *safety.TripError
	switch {
	case errors.As(err, &trip):
		return err
	case err != nil:
		return err
	case o.phase == Aborted:
		return &AbortError{Reason: o.reason}
	}
	return nil
}

// Abort ends the run.  While the loop runs the abort goes through the
// safety monitor, which stops the motor before Abort returns.  Aborting a
// finished run does nothing.
func (o *Orchestrator) Abort(reason string) {
	o.mu.Lock()
	if o.phase.Terminal() {
		o.mu.Unlock()
		return
	}
	if o.running {
		mon, lp := o.mon, o.lp
		o.mu.Unlock()
		mon.Escalate(safety.ReasonOperatorAbort, lp.Last(), errors.New(reason))
		return
	}
	defer o.mu.Unlock()
	o.abort(safety.ReasonOperatorAbort + ": " + reason)
}

// SetGains retunes the force controller.  The gains are kept for later
// runs, and a running loop picks them up on its next tick.
func (o *Orchestrator) SetGains(g pid.Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lp != nil {
		if err := o.lp.SetGains(g); err != nil {
			return err
		}
	}
	o.cfg.Gains = g
	return nil
}

// Reset acknowledges a finished or aborted run and returns to Idle
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	if o.mon != nil {
		o.mon.Reset()
	}
	if o.phase != Idle {
		o.transition(Idle, "reset")
	}
	o.step = -1
	return nil
}

// Supervise advances the phase machine after each tick.  It is called by
// the loop on its own goroutine.
func (o *Orchestrator) Supervise(ctx context.Context, r loop.Result) (loop.Goal, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.Status.Level == safety.Tripped {
		o.abort(tripReason(r.Status))
		return o.goal(), true, nil
	}
	if o.phase.Terminal() {
		return o.goal(), true, nil
	}
	now := o.clk.Now()
	elapsed := now.Sub(o.phaseStart)

	switch o.phase {
	case Approach:
		if o.script.ApproachTimeout > 0 && elapsed >= o.script.ApproachTimeout {
			o.abort("approach timeout")
			break
		}
		if !r.Acquired {
			break
		}
		if math.Abs(r.Sample.Force-o.script.Setpoint) > o.script.Tolerance {
			o.inBand = time.Time{}
			break
		}
		if o.inBand.IsZero() {
			o.inBand = now
		}
		if now.Sub(o.inBand) >= o.script.Debounce {
			o.transition(Hold, fmt.Sprintf("force %.3f N within %.3f N of setpoint", r.Sample.Force, o.script.Tolerance))
		}

	case Hold:
		if elapsed >= o.script.HoldDuration {
			o.nextStep(ctx, "hold complete")
		}

	case ElectrochemicalStep:
		st := o.script.Steps[o.step]
		dctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.DeviceTimeout)
		done, err := o.dev.Instrument.StepComplete(dctx)
		cancel()
		if err != nil {
			o.instFails++
			if o.instFails >= o.cfg.Loop.FailureThreshold {
				o.abort(fmt.Sprintf("instrument unavailable: %v", err))
			}
			break
		}
		o.instFails = 0
		stepTime := now.Sub(o.stepStart)
		switch {
		case done:
			o.nextStep(ctx, fmt.Sprintf("step %d complete", o.step+1))
		case st.Timeout > 0 && stepTime >= st.Timeout:
			o.logger.Warnw("step timed out", "step", o.step+1, "technique", st.Echem.Technique, "after", stepTime)
			o.stopInstrument()
			o.nextStep(ctx, fmt.Sprintf("step %d timed out", o.step+1))
		}

	case Retract:
		if r.Acquired && math.Abs(r.Sample.Position-o.script.Home) <= o.script.PositionTolerance {
			o.transition(Completed, "retracted")
			break
		}
		if o.script.RetractTimeout > 0 && elapsed >= o.script.RetractTimeout {
			o.abort("retract timeout")
		}
	}
	return o.goal(), o.phase.Terminal(), nil
}

// nextStep starts the step after the current one, or the retract after the
// last.  o.mu must be held.
func (o *Orchestrator) nextStep(ctx context.Context, why string) {
	o.step++
	if o.step >= len(o.script.Steps) {
		o.step = -1
		dctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.DeviceTimeout)
		err := o.dev.Motor.MoveTo(dctx, o.script.Home)
		cancel()
		if err != nil {
			o.abort(fmt.Sprintf("motor unavailable: retract: %v", err))
			return
		}
		o.transition(Retract, why)
		return
	}
	st := o.script.Steps[o.step]
	dctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.DeviceTimeout)
	err := o.dev.Instrument.ApplyStep(dctx, st.Echem)
	cancel()
	if err != nil {
		o.abort(fmt.Sprintf("instrument unavailable: step %d: %v", o.step+1, err))
		return
	}
	o.stepStart = o.clk.Now()
	o.instFails = 0
	why = fmt.Sprintf("%s; step %d/%d %s", why, o.step+1, len(o.script.Steps), st.Echem.Technique)
	if o.phase == ElectrochemicalStep {
		// stepping within the phase is audited without a phase change
		o.record(ElectrochemicalStep, ElectrochemicalStep, why)
		return
	}
	o.transition(ElectrochemicalStep, why)
}

// goal is the loop goal for the current phase.  o.mu must be held.
func (o *Orchestrator) goal() loop.Goal {
	g := loop.Goal{Phase: o.phase.String(), Step: o.step}
	switch o.phase {
	case Approach, Hold:
		g.ForceControl, g.Setpoint = true, o.script.Setpoint
	case ElectrochemicalStep:
		g.ForceControl, g.Setpoint = true, o.script.setpoint(o.step)
	}
	return g
}

// abort moves to Aborted and opens the cell.  o.mu must be held.
func (o *Orchestrator) abort(reason string) {
	if o.phase.Terminal() {
		return
	}
	wasStep := o.phase == ElectrochemicalStep
	o.reason = reason
	o.transition(Aborted, reason)
	if wasStep {
		o.stopInstrument()
	}
	if !o.running {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Loop.HaltTimeout)
		defer cancel()
		if err := o.dev.Motor.Stop(ctx); err != nil {
			o.logger.Errorw("motor did not stop on abort", "err", err)
		}
	}
}

// stopInstrument ends the running step with its own deadline, so it still
// runs when the run's context is done
func (o *Orchestrator) stopInstrument() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Loop.HaltTimeout)
	defer cancel()
	if err := o.dev.Instrument.StopStep(ctx); err != nil {
		o.logger.Errorw("instrument did not stop", "err", err)
	}
}

func (o *Orchestrator) transition(to Phase, reason string) {
	from := o.phase
	o.phase = to
	o.phaseStart = o.clk.Now()
	o.inBand = time.Time{}
	o.record(from, to, reason)
}

func (o *Orchestrator) record(from, to Phase, reason string) {
	tr := Transition{Time: o.clk.Now(), From: from, To: to, Reason: reason}
	o.transitions = append(o.transitions, tr)
	if to == Aborted {
		o.logger.Errorw("phase transition", "from", from, "to", to, "reason", reason)
		return
	}
	o.logger.Infow("phase transition", "from", from, "to", to, "reason", reason)
}

func tripReason(st safety.Status) string {
	r := "safety trip: " + st.Reason()
	if st.Cause != "" {
		r += ": " + st.Cause
	}
	return r
}

// Snapshot is a consistent view of the orchestrator for status reporting
type Snapshot struct {
	Phase       Phase         `json:"phase"`
	Step        int           `json:"step"`
	Steps       int           `json:"steps"`
	Running     bool          `json:"running"`
	Reason      string        `json:"reason,omitempty"`
	Safety      safety.Status `json:"safety"`
	Limits      limits.Set    `json:"limits"`
	Goal        loop.Goal     `json:"goal"`
	Gains       pid.Gains     `json:"gains"`
	Last        sample.Sample `json:"last"`
	Transitions []Transition  `json:"transitions"`
}

// Snapshot returns the current state
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{
		Phase:       o.phase,
		Step:        o.step,
		Steps:       len(o.script.Steps),
		Running:     o.running,
		Reason:      o.reason,
		Limits:      o.lim,
		Goal:        o.goal(),
		Gains:       o.cfg.Gains,
		Last:        sample.Sample{Temperature: math.NaN()},
		Transitions: append([]Transition(nil), o.transitions...),
	}
	mon, lp := o.mon, o.lp
	o.mu.Unlock()
	if mon != nil {
		s.Safety = mon.Status()
	}
	if lp != nil {
		s.Last = lp.Last()
	}
	return s
}

// Phase returns the current phase
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Transitions returns the audit trail of the current run
func (o *Orchestrator) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.transitions...)
}

// History returns the record history of the current run, nil before the
// first Start
func (o *Orchestrator) History() []runlog.Record {
	o.mu.Lock()
	lp := o.lp
	o.mu.Unlock()
	if lp == nil {
		return nil
	}
	return lp.History().Snapshot()
}
