// Package pid implements a discrete PID control law with a clamped output
// and conditional-integration anti-windup.
package pid

import (
	"errors"
	"fmt"
	"math"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/util"
)

// ErrInvalidTimestep is returned by Compute when dt is not a positive number.
// No controller state is modified when it is returned.
var ErrInvalidTimestep = errors.New("pid: timestep must be positive")

// ErrNonFinite is returned by Compute when the setpoint or measurement is NaN
// or infinite.  No controller state is modified when it is returned.
var ErrNonFinite = errors.New("pid: setpoint and measurement must be finite")

// Gains holds the tuning and output clamp of a controller
type Gains struct {
	Kp float64 `json:"kp" koanf:"kp" yaml:"kp"`
	Ki float64 `json:"ki" koanf:"ki" yaml:"ki"`
	Kd float64 `json:"kd" koanf:"kd" yaml:"kd"`

	// Min and Max bound the command
	Min float64 `json:"min" koanf:"min" yaml:"min"`
	Max float64 `json:"max" koanf:"max" yaml:"max"`
}

// Validate returns a *limits.ConfigError if any gain is negative or not
// finite, or the clamp is empty
func (g Gains) Validate() error {
	for name, v := range map[string]float64{"kp": g.Kp, "ki": g.Ki, "kd": g.Kd} {
		if !util.Finite(v) {
			return &limits.ConfigError{Field: "pid." + name, Reason: "must be finite"}
		}
		if v < 0 {
			return &limits.ConfigError{Field: "pid." + name, Reason: "must not be negative"}
		}
	}
	if !util.Finite(g.Min) || !util.Finite(g.Max) {
		return &limits.ConfigError{Field: "pid.clamp", Reason: "must be finite"}
	}
	if g.Min >= g.Max {
		return &limits.ConfigError{Field: "pid.clamp", Reason: fmt.Sprintf("min %g must be below max %g", g.Min, g.Max)}
	}
	return nil
}

// State is a snapshot of the controller internals
type State struct {
	Integral   float64 `json:"integral"`
	PrevError  float64 `json:"prevError"`
	LastOutput float64 `json:"lastOutput"`
	LastDt     float64 `json:"lastDt"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
}

// Controller is a single-channel PID controller.  It is not safe for
// concurrent use; the sampling loop owns it exclusively.
type Controller struct {
	gains Gains

	integral  float64
	prevError float64
	lastOut   float64
	lastDt    float64
}

// New returns a controller with the given gains, or a config error
func New(g Gains) (*Controller, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Controller{gains: g}, nil
}

// Compute advances the controller one step and returns the clamped command.
// dt is the measured time in seconds since the previous step.
//
// The integral is only accumulated when doing so does not push a saturated
// output further into saturation.
func (c *Controller) Compute(setpoint, measurement, dt float64) (float64, error) {
	if !(dt > 0) || math.IsInf(dt, 1) {
		return 0, fmt.Errorf("%w: got %g", ErrInvalidTimestep, dt)
	}
	if !util.Finite(setpoint) || !util.Finite(measurement) {
		return 0, fmt.Errorf("%w: setpoint %g, measurement %g", ErrNonFinite, setpoint, measurement)
	}
	g := c.gains
	e := setpoint - measurement
	deriv := (e - c.prevError) / dt

	integral := c.integral + e*dt
	raw := g.Kp*e + g.Ki*integral + g.Kd*deriv
	if (raw > g.Max && e > 0) || (raw < g.Min && e < 0) {
		// freeze; recompute the output against the held accumulator
		integral = c.integral
		raw = g.Kp*e + g.Ki*integral + g.Kd*deriv
	}
	out := util.Clamp(raw, g.Min, g.Max)

	c.integral = integral
	c.prevError = e
	c.lastOut = out
	c.lastDt = dt
	return out, nil
}

// Reset zeroes the accumulated integral and the error history.  It must be
// called whenever the setpoint target changes.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.lastOut = 0
}

// SetTunings replaces the gains without touching the accumulated state
func (c *Controller) SetTunings(g Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	c.gains = g
	return nil
}

// Gains returns the current tuning
func (c *Controller) Gains() Gains {
	return c.gains
}

// State returns a snapshot of the controller internals
func (c *Controller) State() State {
	return State{
		Integral:   c.integral,
		PrevError:  c.prevError,
		LastOutput: c.lastOut,
		LastDt:     c.lastDt,
		Min:        c.gains.Min,
		Max:        c.gains.Max,
	}
}
