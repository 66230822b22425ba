package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/echemlab/forcecell/util"
)

// Stage is a simulated linear stage.  Absolute moves travel at Speed on the
// stage's clock; relative commands land immediately.  Travel is clamped to
// the limits given to NewStage.
type Stage struct {
	// Latency delays every call, for exercising timeouts
	Latency time.Duration

	// Faults injects errors by operation name: move, force_limit, command,
	// stop, position
	Faults util.Faults

	mu         sync.Mutex
	clk        clock.Clock
	speed      float64
	travel     util.Limiter
	pos        float64
	target     float64
	moving     bool
	last       time.Time
	forceLimit float64
	stops      int
	commands   int
}

// NewStage returns a stage at position 0.  A nil clk uses the wall clock.
func NewStage(clk clock.Clock, speed, min, max float64) *Stage {
	if clk == nil {
		clk = clock.New()
	}
	travel := util.Limiter{Min: util.Float(min), Max: util.Float(max)}
	return &Stage{clk: clk, speed: speed, travel: travel, last: clk.Now(), forceLimit: math.Inf(1)}
}

func (s *Stage) enter(ctx context.Context, op string) error {
	if err := util.Wait(ctx, s.Latency); err != nil {
		return err
	}
	return s.Faults.Check(op)
}

// advance moves toward the target by the elapsed time.  s.mu must be held.
func (s *Stage) advance() {
	now := s.clk.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if !s.moving {
		return
	}
	step := s.speed * dt
	if d := s.target - s.pos; math.Abs(d) <= step {
		s.pos = s.target
		s.moving = false
	} else {
		s.pos += math.Copysign(step, d)
	}
}

// MoveTo starts a move toward pos
func (s *Stage) MoveTo(ctx context.Context, pos float64) error {
	if err := s.enter(ctx, "move"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.target = s.travel.Clamp(pos)
	s.moving = true
	return nil
}

// SetForceLimit records the force ceiling
func (s *Stage) SetForceLimit(ctx context.Context, newtons float64) error {
	if err := s.enter(ctx, "force_limit"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceLimit = newtons
	return nil
}

// SendCommand cancels any move in progress and steps by delta
func (s *Stage) SendCommand(ctx context.Context, delta float64) error {
	if err := s.enter(ctx, "command"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.moving = false
	s.pos = s.travel.Clamp(s.pos + delta)
	s.commands++
	return nil
}

// Stop halts any move in progress
func (s *Stage) Stop(ctx context.Context) error {
	if err := s.enter(ctx, "stop"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.moving = false
	s.stops++
	return nil
}

// Position returns the current position
func (s *Stage) Position(ctx context.Context) (float64, error) {
	if err := s.enter(ctx, "position"); err != nil {
		return 0, err
	}
	return s.Actual(), nil
}

// Home moves to the low end of travel
func (s *Stage) Home(ctx context.Context) error {
	return s.MoveTo(ctx, *s.travel.Min)
}

// Actual returns the true position, bypassing latency and faults.  Simulated
// sensors read it to couple force to displacement.
func (s *Stage) Actual() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.pos
}

// Place puts the stage at pos without a move
func (s *Stage) Place(pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.pos = pos
	s.moving = false
}

// Stops returns how many times Stop succeeded
func (s *Stage) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Commands returns how many control outputs were applied
func (s *Stage) Commands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands
}

// ForceLimit returns the last force ceiling set
func (s *Stage) ForceLimit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceLimit
}

// Moving reports whether an absolute move is in progress
func (s *Stage) Moving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.moving
}
