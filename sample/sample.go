// Package sample defines the per-tick reading shared by the control loop,
// the safety monitor, and the run log.
package sample

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Sample is one timestamped reading of every channel on the bench.
// It is a value type and is never mutated after the loop creates it.
type Sample struct {
	// Time the acquisition completed
	Time time.Time `json:"time"`

	// Force on the load cell in newtons
	Force float64 `json:"force"`

	// Voltage on the working electrode in volts
	Voltage float64 `json:"voltage"`

	// Current through the cell in amps
	Current float64 `json:"current"`

	// Position of the motor in mm
	Position float64 `json:"position"`

	// Temperature of the cell in Celsius, NaN when no thermometer is fitted
	Temperature float64 `json:"temperature"`
}

// HasTemperature returns true if the sample carries a temperature reading
func (s Sample) HasTemperature() bool {
	return !math.IsNaN(s.Temperature)
}

// String formats the sample for logs and trip reports
func (s Sample) String() string {
	str := fmt.Sprintf("F=%.3fN V=%.4fV I=%.4fA x=%.4fmm",
		s.Force, s.Voltage, s.Current, s.Position)
	if s.HasTemperature() {
		str += fmt.Sprintf(" T=%.2fC", s.Temperature)
	}
	return str
}

type wireSample struct {
	Time        time.Time `json:"time"`
	Force       *float64  `json:"force"`
	Voltage     *float64  `json:"voltage"`
	Current     *float64  `json:"current"`
	Position    *float64  `json:"position"`
	Temperature *float64  `json:"temperature"`
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func orNaN(f *float64) float64 {
	if f == nil {
		return math.NaN()
	}
	return *f
}

// MarshalJSON encodes a missing temperature, or any reading that is not a
// finite number, as null
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSample{
		Time:        s.Time,
		Force:       finite(s.Force),
		Voltage:     finite(s.Voltage),
		Current:     finite(s.Current),
		Position:    finite(s.Position),
		Temperature: finite(s.Temperature),
	})
}

// UnmarshalJSON decodes a null or absent reading as NaN
func (s *Sample) UnmarshalJSON(b []byte) error {
	var w wireSample
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Sample{
		Time:        w.Time,
		Force:       orNaN(w.Force),
		Voltage:     orNaN(w.Voltage),
		Current:     orNaN(w.Current),
		Position:    orNaN(w.Position),
		Temperature: orNaN(w.Temperature),
	}
	return nil
}
