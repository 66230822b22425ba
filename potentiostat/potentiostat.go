// Package potentiostat holds the electrochemical instrument interface, step
// definitions, and simulated and SCPI source-measure implementations.
package potentiostat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/util"
)

// ErrUnsupportedTechnique is returned when an instrument cannot run a step
var ErrUnsupportedTechnique = errors.New("technique not supported by instrument")

// Instrument is one potentiostat channel
type Instrument interface {
	// ApplyStep loads and starts a step
	ApplyStep(ctx context.Context, s Step) error

	// ReadChannel returns the present working electrode voltage and current
	ReadChannel(ctx context.Context) (Reading, error)

	// StepComplete reports whether the running step has ended
	StepComplete(ctx context.Context) (bool, error)

	// StopStep ends the running step and opens the cell
	StopStep(ctx context.Context) error
}

// Technique names an electrochemical technique
type Technique string

const (
	// CP is chronopotentiometry, constant current
	CP Technique = "CP"
	// CA is chronoamperometry, constant voltage
	CA Technique = "CA"
	// PEIS is potentiostatic impedance spectroscopy
	PEIS Technique = "PEIS"
	// OCV is open circuit rest
	OCV Technique = "OCV"
)

// ParseTechnique accepts technique names in any case
func ParseTechnique(s string) (Technique, error) {
	t := Technique(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case CP, CA, PEIS, OCV:
		return t, nil
	}
	return "", fmt.Errorf("unknown technique %q", s)
}

// Step is one electrochemical step.  Fields not used by the technique are
// ignored.
type Step struct {
	Technique Technique     `json:"technique" koanf:"technique" yaml:"technique"`
	Duration  time.Duration `json:"duration" koanf:"duration" yaml:"duration"`

	// Current is the applied current for CP, A; positive charges
	Current float64 `json:"current,omitempty" koanf:"current" yaml:"current,omitempty"`

	// VoltageLimit ends a CP step early when |V| reaches it, if nonzero
	VoltageLimit float64 `json:"voltage_limit,omitempty" koanf:"voltage_limit" yaml:"voltage_limit,omitempty"`

	// Voltage is the applied voltage for CA, V
	Voltage float64 `json:"voltage,omitempty" koanf:"voltage" yaml:"voltage,omitempty"`

	// RecordInterval is how often the instrument itself records
	RecordInterval time.Duration `json:"record_interval,omitempty" koanf:"record_interval" yaml:"record_interval,omitempty"`

	// PEIS sweep: sinus Amplitude in V from FreqStart to FreqEnd in Hz
	Amplitude float64 `json:"amplitude,omitempty" koanf:"amplitude" yaml:"amplitude,omitempty"`
	FreqStart float64 `json:"freq_start,omitempty" koanf:"freq_start" yaml:"freq_start,omitempty"`
	FreqEnd   float64 `json:"freq_end,omitempty" koanf:"freq_end" yaml:"freq_end,omitempty"`
	Points    int     `json:"points,omitempty" koanf:"points" yaml:"points,omitempty"`
}

// Validate checks the step parameters for its technique
func (s Step) Validate() error {
	bad := func(field, reason string) error {
		return &limits.ConfigError{Field: "step." + field, Reason: reason}
	}
	switch s.Technique {
	case CP:
		if !util.Finite(s.Current) {
			return bad("current", "must be finite")
		}
		if !util.Finite(s.VoltageLimit) {
			return bad("voltage_limit", "must be finite")
		}
	case CA:
		if !util.Finite(s.Voltage) {
			return bad("voltage", "must be finite")
		}
	case PEIS:
		if !(s.Amplitude > 0) || !util.Finite(s.Amplitude) {
			return bad("amplitude", "must be positive")
		}
		if !(s.FreqStart > 0) || !(s.FreqEnd > 0) || !util.Finite(s.FreqStart) || !util.Finite(s.FreqEnd) {
			return bad("freq_start", "frequencies must be positive")
		}
		if s.Points < 1 {
			return bad("points", "must be at least 1")
		}
	case OCV:
	default:
		return bad("technique", fmt.Sprintf("unknown technique %q", s.Technique))
	}
	if s.Duration <= 0 && s.Technique != PEIS {
		return bad("duration", "must be positive")
	}
	if s.RecordInterval < 0 {
		return bad("record_interval", "must not be negative")
	}
	return nil
}

// Reading is one voltage and current measurement
type Reading struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// ChargeState classifies the cell from the sign of its current
type ChargeState int

const (
	// Idle is |I| within the dead band
	Idle ChargeState = iota
	// Charging is positive current
	Charging
	// Discharging is negative current
	Discharging
)

// DeadBand is the current magnitude, A, below which the cell is idle
const DeadBand = 0.01

// StateOf classifies current i
func StateOf(i float64) ChargeState {
	switch {
	case i > DeadBand:
		return Charging
	case i < -DeadBand:
		return Discharging
	}
	return Idle
}

func (c ChargeState) String() string {
	switch c {
	case Charging:
		return "charging"
	case Discharging:
		return "discharging"
	}
	return "idle"
}
