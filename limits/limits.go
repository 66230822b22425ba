// Package limits holds the configured safety thresholds for a run and the
// logic to compare a sample against them.
package limits

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/echemlab/forcecell/sample"
	"github.com/echemlab/forcecell/util"
)

// Bound names reported in violations
const (
	ForceMax       = "force_max"
	VoltageMin     = "voltage_min"
	VoltageMax     = "voltage_max"
	CurrentMax     = "current_max"
	TemperatureMax = "temperature_max"
	ForceRate      = "force_rate"
	VoltageRate    = "voltage_rate"
)

// Reading names reported by Invalid
const (
	ForceReading       = "force_reading"
	VoltageReading     = "voltage_reading"
	CurrentReading     = "current_reading"
	PositionReading    = "position_reading"
	TemperatureReading = "temperature_reading"
)

// DefaultMargin is the fraction of a limit at which a sample is considered
// close enough to warn
const DefaultMargin = 0.9

// ConfigError is returned when a configuration value is malformed.  A run
// never starts with a ConfigError outstanding.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s %s", e.Field, e.Reason)
}

// Set is the Limit Set for one run.  Every field is optional; nil means
// unconstrained.  Force and current are compared by magnitude.
type Set struct {
	ForceMax       *float64 `json:"forceMax,omitempty" koanf:"forcemax" yaml:"forcemax,omitempty"`
	VoltageMin     *float64 `json:"voltageMin,omitempty" koanf:"voltagemin" yaml:"voltagemin,omitempty"`
	VoltageMax     *float64 `json:"voltageMax,omitempty" koanf:"voltagemax" yaml:"voltagemax,omitempty"`
	CurrentMax     *float64 `json:"currentMax,omitempty" koanf:"currentmax" yaml:"currentmax,omitempty"`
	TemperatureMax *float64 `json:"temperatureMax,omitempty" koanf:"temperaturemax" yaml:"temperaturemax,omitempty"`

	// ForceRateMax is the largest allowed |dF/dt| in N/s
	ForceRateMax *float64 `json:"forceRateMax,omitempty" koanf:"forceratemax" yaml:"forceratemax,omitempty"`

	// VoltageRateMax is the largest allowed |dV/dt| in V/s
	VoltageRateMax *float64 `json:"voltageRateMax,omitempty" koanf:"voltageratemax" yaml:"voltageratemax,omitempty"`
}

// Violation describes one bound a sample is outside of, or close to
type Violation struct {
	Bound string  `json:"bound"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %g vs limit %g", v.Bound, v.Value, v.Limit)
}

// MarshalJSON encodes a non-finite value or limit as null
func (v Violation) MarshalJSON() ([]byte, error) {
	num := func(f float64) *float64 {
		if !util.Finite(f) {
			return nil
		}
		return &f
	}
	return json.Marshal(struct {
		Bound string   `json:"bound"`
		Value *float64 `json:"value"`
		Limit *float64 `json:"limit"`
	}{v.Bound, num(v.Value), num(v.Limit)})
}

// Validate checks the invariants of the set: every bound is finite, maxima
// and rates are positive, and VoltageMin <= VoltageMax
func (s Set) Validate() error {
	fields := []struct {
		name     string
		v        *float64
		positive bool
	}{
		{ForceMax, s.ForceMax, true},
		{VoltageMin, s.VoltageMin, false},
		{VoltageMax, s.VoltageMax, false},
		{CurrentMax, s.CurrentMax, true},
		{TemperatureMax, s.TemperatureMax, false},
		{ForceRate, s.ForceRateMax, true},
		{VoltageRate, s.VoltageRateMax, true},
	}
	for _, f := range fields {
		if f.v == nil {
			continue
		}
		if !util.Finite(*f.v) {
			return &ConfigError{Field: f.name, Reason: "must be finite"}
		}
		if f.positive && *f.v <= 0 {
			return &ConfigError{Field: f.name, Reason: "must be positive"}
		}
	}
	if s.VoltageMin != nil && s.VoltageMax != nil && *s.VoltageMin > *s.VoltageMax {
		return &ConfigError{Field: VoltageMin, Reason: fmt.Sprintf("%g exceeds voltage_max %g", *s.VoltageMin, *s.VoltageMax)}
	}
	return nil
}

// Check compares every configured absolute bound against smp and returns all
// of the violated ones, in a stable order.  A reading that is not a finite
// number violates every bound configured on it.
func (s Set) Check(smp sample.Sample) []Violation {
	var out []Violation
	if s.ForceMax != nil && !(math.Abs(smp.Force) <= *s.ForceMax) {
		out = append(out, Violation{ForceMax, smp.Force, *s.ForceMax})
	}
	if s.VoltageMin != nil && !(smp.Voltage >= *s.VoltageMin) {
		out = append(out, Violation{VoltageMin, smp.Voltage, *s.VoltageMin})
	}
	if s.VoltageMax != nil && !(smp.Voltage <= *s.VoltageMax) {
		out = append(out, Violation{VoltageMax, smp.Voltage, *s.VoltageMax})
	}
	if s.CurrentMax != nil && !(math.Abs(smp.Current) <= *s.CurrentMax) {
		out = append(out, Violation{CurrentMax, smp.Current, *s.CurrentMax})
	}
	// NaN temperature means no thermometer
	if s.TemperatureMax != nil && smp.HasTemperature() && !(smp.Temperature <= *s.TemperatureMax) {
		out = append(out, Violation{TemperatureMax, smp.Temperature, *s.TemperatureMax})
	}
	return out
}

// Invalid returns a violation for every reading of smp that is not a finite
// number, whether or not a bound is configured on it.  Such a sample cannot
// be compared against limits or fed to the controller.
func Invalid(smp sample.Sample) []Violation {
	var out []Violation
	for _, r := range []struct {
		name string
		v    float64
	}{
		{ForceReading, smp.Force},
		{VoltageReading, smp.Voltage},
		{CurrentReading, smp.Current},
		{PositionReading, smp.Position},
	} {
		if !util.Finite(r.v) {
			out = append(out, Violation{Bound: r.name, Value: r.v, Limit: math.NaN()})
		}
	}
	if math.IsInf(smp.Temperature, 0) {
		out = append(out, Violation{Bound: TemperatureReading, Value: smp.Temperature, Limit: math.NaN()})
	}
	return out
}

// Near returns the bounds smp is within the warning band of.  The band is
// (1-margin)*|limit| wide on the inside of each bound.  Samples that violate
// a bound are not reported here; use Check for those.
func (s Set) Near(smp sample.Sample, margin float64) []Violation {
	band := func(limit float64) float64 { return (1 - margin) * math.Abs(limit) }
	var out []Violation
	if s.ForceMax != nil {
		f := math.Abs(smp.Force)
		if f <= *s.ForceMax && f >= *s.ForceMax-band(*s.ForceMax) {
			out = append(out, Violation{ForceMax, smp.Force, *s.ForceMax})
		}
	}
	if s.VoltageMin != nil {
		v := smp.Voltage
		if v >= *s.VoltageMin && v <= *s.VoltageMin+band(*s.VoltageMin) {
			out = append(out, Violation{VoltageMin, v, *s.VoltageMin})
		}
	}
	if s.VoltageMax != nil {
		v := smp.Voltage
		if v <= *s.VoltageMax && v >= *s.VoltageMax-band(*s.VoltageMax) {
			out = append(out, Violation{VoltageMax, v, *s.VoltageMax})
		}
	}
	if s.CurrentMax != nil {
		i := math.Abs(smp.Current)
		if i <= *s.CurrentMax && i >= *s.CurrentMax-band(*s.CurrentMax) {
			out = append(out, Violation{CurrentMax, smp.Current, *s.CurrentMax})
		}
	}
	if s.TemperatureMax != nil && smp.HasTemperature() {
		t := smp.Temperature
		if t <= *s.TemperatureMax && t >= *s.TemperatureMax-band(*s.TemperatureMax) {
			out = append(out, Violation{TemperatureMax, t, *s.TemperatureMax})
		}
	}
	return out
}

// Bounds lists the names of the violations, joined with a comma
func Bounds(vs []Violation) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Bound
	}
	return strings.Join(names, ",")
}
