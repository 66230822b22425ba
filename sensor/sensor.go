// Package sensor holds the force and temperature sensor interfaces, load
// cell calibration, and simulated and SCPI-multimeter implementations.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echemlab/forcecell/util"
)

// ForceSensor returns the force on the cell in N
type ForceSensor interface {
	Read(ctx context.Context) (float64, error)
}

// Thermometer returns the cell temperature in degC
type Thermometer interface {
	Temperature(ctx context.Context) (float64, error)
}

// RatioReader returns the raw bridge ratio of a load cell, in V/V
type RatioReader interface {
	Ratio(ctx context.Context) (float64, error)
}

// Calibration maps a bridge ratio to force: F = Gain*(ratio - Offset)
type Calibration struct {
	Gain   float64 `json:"gain" koanf:"gain" yaml:"gain"`
	Offset float64 `json:"offset" koanf:"offset" yaml:"offset"`
}

// Force converts a ratio to N
func (c Calibration) Force(ratio float64) float64 {
	return c.Gain * (ratio - c.Offset)
}

// LoadCell is a bridge load cell read through a RatioReader
type LoadCell struct {
	Src RatioReader
	Cal Calibration
}

// Read returns the calibrated force
func (l *LoadCell) Read(ctx context.Context) (float64, error) {
	r, err := l.Src.Ratio(ctx)
	if err != nil {
		return 0, err
	}
	return l.Cal.Force(r), nil
}

// ErrNoSamples is returned by Zero when n < 1
var ErrNoSamples = errors.New("zero requires at least one sample")

// Zero averages n ratio readings spaced by interval and makes their mean
// the offset, so the unloaded cell reads 0 N
func (l *LoadCell) Zero(ctx context.Context, n int, interval time.Duration) error {
	if n < 1 {
		return ErrNoSamples
	}
	sum := 0.
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := util.Wait(ctx, interval); err != nil {
				return err
			}
		}
		r, err := l.Src.Ratio(ctx)
		if err != nil {
			return fmt.Errorf("zeroing load cell, sample %d: %w", i, err)
		}
		sum += r
	}
	l.Cal.Offset = sum / float64(n)
	return nil
}
