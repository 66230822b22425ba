package experiment

import (
	"fmt"
	"time"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/potentiostat"
	"github.com/echemlab/forcecell/util"
)

// Step is one electrochemical step of a script
type Step struct {
	Echem potentiostat.Step `json:"echem" koanf:"echem" yaml:"echem"`

	// Force overrides the hold setpoint for the duration of the step
	Force *float64 `json:"force,omitempty" koanf:"force" yaml:"force,omitempty"`

	// Timeout ends the step if the instrument has not reported completion
	Timeout time.Duration `json:"timeout,omitempty" koanf:"timeout" yaml:"timeout,omitempty"`
}

// Script is the sequence a run follows
type Script struct {
	// Setpoint is the force to approach and hold, N
	Setpoint float64 `json:"setpoint" koanf:"setpoint" yaml:"setpoint"`

	// Tolerance is the band around the setpoint that counts as reached
	Tolerance float64 `json:"tolerance" koanf:"tolerance" yaml:"tolerance"`

	// Debounce is how long force must stay in band to end the approach
	Debounce time.Duration `json:"debounce" koanf:"debounce" yaml:"debounce"`

	// ApproachTimeout aborts a run that never reaches the setpoint, 0 is none
	ApproachTimeout time.Duration `json:"approachTimeout" koanf:"approachtimeout" yaml:"approachtimeout"`

	// HoldDuration is the rest under force before the first step
	HoldDuration time.Duration `json:"holdDuration" koanf:"holdduration" yaml:"holdduration"`

	Steps []Step `json:"steps" koanf:"steps" yaml:"steps"`

	// Home is the retract position, mm
	Home float64 `json:"home" koanf:"home" yaml:"home"`

	// PositionTolerance is how close to Home counts as retracted
	PositionTolerance float64 `json:"positionTolerance" koanf:"positiontolerance" yaml:"positiontolerance"`

	// RetractTimeout aborts a run whose retract does not arrive, 0 is none
	RetractTimeout time.Duration `json:"retractTimeout" koanf:"retracttimeout" yaml:"retracttimeout"`

	// ForceLimit is given to the motor drive at start.  0 uses the Limit
	// Set's force maximum, if any.
	ForceLimit float64 `json:"forceLimit,omitempty" koanf:"forcelimit" yaml:"forcelimit,omitempty"`
}

func bad(field, reason string) error {
	return &limits.ConfigError{Field: "script." + field, Reason: reason}
}

// Validate returns a *limits.ConfigError for an unusable script
func (s Script) Validate() error {
	switch {
	case !util.Finite(s.Setpoint) || s.Setpoint < 0:
		return bad("setpoint", "must be finite and not negative")
	case !util.Finite(s.Tolerance) || s.Tolerance <= 0:
		return bad("tolerance", "must be positive")
	case s.Debounce < 0:
		return bad("debounce", "must not be negative")
	case s.ApproachTimeout < 0:
		return bad("approachtimeout", "must not be negative")
	case s.HoldDuration < 0:
		return bad("holdduration", "must not be negative")
	case !util.Finite(s.Home):
		return bad("home", "must be finite")
	case !util.Finite(s.PositionTolerance) || s.PositionTolerance <= 0:
		return bad("positiontolerance", "must be positive")
	case s.RetractTimeout < 0:
		return bad("retracttimeout", "must not be negative")
	case !util.Finite(s.ForceLimit) || s.ForceLimit < 0:
		return bad("forcelimit", "must be finite and not negative")
	}
	for i, st := range s.Steps {
		if err := st.Echem.Validate(); err != nil {
			return fmt.Errorf("script step %d: %w", i+1, err)
		}
		if st.Force != nil && (!util.Finite(*st.Force) || *st.Force < 0) {
			return bad(fmt.Sprintf("steps[%d].force", i), "must be finite and not negative")
		}
		if st.Timeout < 0 {
			return bad(fmt.Sprintf("steps[%d].timeout", i), "must not be negative")
		}
	}
	return nil
}

// setpoint is the force target while step i runs
func (s Script) setpoint(i int) float64 {
	if i >= 0 && i < len(s.Steps) && s.Steps[i].Force != nil {
		return *s.Steps[i].Force
	}
	return s.Setpoint
}
