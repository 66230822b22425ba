package potentiostat

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/echemlab/forcecell/util"
)

// Cell is a simulated battery on a potentiostat channel: an open circuit
// voltage that rises with stored charge, behind a series resistance
type Cell struct {
	OCV        float64 // V at zero charge
	Resistance float64 // ohm
	Slope      float64 // V per coulomb stored

	Latency time.Duration
	Faults  util.Faults // ops: apply, read, complete, stop

	mu      sync.Mutex
	clk     clock.Clock
	step    *Step
	start   time.Time
	last    time.Time
	charge  float64
	current float64
	limited bool
	stops   int
	applied []Step
}

// NewCell returns a simulated cell.  A nil clk uses the wall clock.
func NewCell(clk clock.Clock, ocv, resistance, slope float64) *Cell {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Cell{OCV: ocv, Resistance: resistance, Slope: slope, clk: clk, start: now, last: now}
}

func (c *Cell) enter(ctx context.Context, op string) error {
	if err := util.Wait(ctx, c.Latency); err != nil {
		return err
	}
	return c.Faults.Check(op)
}

// advance integrates charge to now.  c.mu must be held.
func (c *Cell) advance() {
	now := c.clk.Now()
	c.charge += c.current * now.Sub(c.last).Seconds()
	c.last = now
	if c.step != nil && c.step.Technique == CP && c.step.VoltageLimit != 0 &&
		math.Abs(c.voltage()) >= math.Abs(c.step.VoltageLimit) {
		c.limited = true
		c.current = 0
	}
}

func (c *Cell) voltage() float64 {
	v := c.OCV + c.Slope*c.charge + c.Resistance*c.current
	if c.step != nil && c.step.Technique == PEIS {
		t := c.clk.Now().Sub(c.start).Seconds()
		v += c.step.Amplitude * math.Sin(2*math.Pi*c.step.FreqStart*t)
	}
	return v
}

func (c *Cell) sweep() time.Duration {
	if c.step.Duration > 0 {
		return c.step.Duration
	}
	f := math.Min(c.step.FreqStart, c.step.FreqEnd)
	return util.SecsToDuration(float64(c.step.Points) / f)
}

// ApplyStep starts s
func (c *Cell) ApplyStep(ctx context.Context, s Step) error {
	if err := c.enter(ctx, "apply"); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	c.step = &s
	c.start = c.clk.Now()
	c.limited = false
	c.applied = append(c.applied, s)
	switch s.Technique {
	case CP:
		c.current = s.Current
	case CA:
		c.current = (s.Voltage - c.OCV - c.Slope*c.charge) / c.Resistance
	default:
		c.current = 0
	}
	return nil
}

// ReadChannel returns the cell voltage and current
func (c *Cell) ReadChannel(ctx context.Context) (Reading, error) {
	if err := c.enter(ctx, "read"); err != nil {
		return Reading{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	if c.step != nil && c.clk.Now().Sub(c.start) >= c.sweep() {
		c.current = 0
	}
	return Reading{Voltage: c.voltage(), Current: c.current}, nil
}

// StepComplete is true once the step duration has elapsed or a CP voltage
// limit was reached
func (c *Cell) StepComplete(ctx context.Context) (bool, error) {
	if err := c.enter(ctx, "complete"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	if c.step == nil {
		return true, nil
	}
	return c.limited || c.clk.Now().Sub(c.start) >= c.sweep(), nil
}

// StopStep opens the cell
func (c *Cell) StopStep(ctx context.Context) error {
	if err := c.enter(ctx, "stop"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	c.step = nil
	c.current = 0
	c.stops++
	return nil
}

// Charge returns the stored charge in coulombs
func (c *Cell) Charge() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.charge
}

// Stops returns how many times StopStep succeeded
func (c *Cell) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Applied returns the steps started so far, in order
func (c *Cell) Applied() []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Step(nil), c.applied...)
}
