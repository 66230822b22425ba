package sensor

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/echemlab/forcecell/util"
)

// Positioner reports a true actuator position in mm
type Positioner interface {
	Actual() float64
}

// SpringCell simulates a load cell under a motor pressing on a compliant
// cell: no force until Contact, then Stiffness N/mm.  It reports raw bridge
// ratios so it can sit behind a LoadCell calibration.
type SpringCell struct {
	Stage     Positioner
	Contact   float64 // mm
	Stiffness float64 // N/mm
	Gain      float64 // N per V/V, as the real cell's calibration
	Noise     float64 // N, standard deviation

	Latency time.Duration
	Faults  util.Faults // op "read"

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSpringCell returns a simulated cell with a seeded noise source
func NewSpringCell(stage Positioner, contact, stiffness, gain, noise float64, seed int64) *SpringCell {
	return &SpringCell{
		Stage:     stage,
		Contact:   contact,
		Stiffness: stiffness,
		Gain:      gain,
		Noise:     noise,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// TrueForce is the noiseless force for the current stage position
func (s *SpringCell) TrueForce() float64 {
	return s.Stiffness * math.Max(0, s.Stage.Actual()-s.Contact)
}

// Ratio returns the bridge ratio for the current force
func (s *SpringCell) Ratio(ctx context.Context) (float64, error) {
	if err := util.Wait(ctx, s.Latency); err != nil {
		return 0, err
	}
	if err := s.Faults.Check("read"); err != nil {
		return 0, err
	}
	f := s.TrueForce()
	if s.Noise > 0 {
		s.mu.Lock()
		f += s.rng.NormFloat64() * s.Noise
		s.mu.Unlock()
	}
	return f / s.Gain, nil
}

// Read returns the force directly, for use without a LoadCell
func (s *SpringCell) Read(ctx context.Context) (float64, error) {
	r, err := s.Ratio(ctx)
	return r * s.Gain, err
}

// Bath is a simulated thermometer that drifts toward Setpoint
type Bath struct {
	Faults util.Faults // op "read"

	mu       sync.Mutex
	temp     float64
	setpoint float64
	rate     float64 // fraction of the gap closed per read
}

// NewBath returns a thermometer starting at temp
func NewBath(temp, setpoint, rate float64) *Bath {
	return &Bath{temp: temp, setpoint: setpoint, rate: rate}
}

// Temperature returns the current temperature and steps the drift
func (b *Bath) Temperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := b.Faults.Check("read"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.temp
	b.temp += (b.setpoint - b.temp) * b.rate
	return t, nil
}

// Set forces the temperature, for simulating a thermal excursion
func (b *Bath) Set(temp float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.temp = temp
}
