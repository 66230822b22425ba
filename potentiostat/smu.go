package potentiostat

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/echemlab/forcecell/scpi"
)

// SMU runs steps on a SCPI source-measure unit wired as a two-electrode
// potentiostat.  CP, CA and OCV map onto current or voltage sourcing;
// impedance sweeps are not supported.  Step timing is kept host side.
type SMU struct {
	*scpi.SCPI

	mu      sync.Mutex
	clk     clock.Clock
	step    *Step
	start   time.Time
	lastV   float64
	limited bool
}

// NewSMU wraps a SCPI connection.  A nil clk uses the wall clock.
func NewSMU(s *scpi.SCPI, clk clock.Clock) *SMU {
	if clk == nil {
		clk = clock.New()
	}
	return &SMU{SCPI: s, clk: clk}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', 6, 64)
}

// ApplyStep configures the source and turns the output on
func (m *SMU) ApplyStep(ctx context.Context, s Step) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var cmds []string
	switch s.Technique {
	case CP:
		cmds = []string{"SOUR:FUNC CURR", "SOUR:CURR " + ftoa(s.Current)}
		if s.VoltageLimit != 0 {
			cmds = append(cmds, "SENS:VOLT:PROT "+ftoa(math.Abs(s.VoltageLimit)))
		}
	case CA:
		cmds = []string{"SOUR:FUNC VOLT", "SOUR:VOLT " + ftoa(s.Voltage)}
	case OCV:
		cmds = []string{"SOUR:FUNC CURR", "SOUR:CURR 0"}
	default:
		return ErrUnsupportedTechnique
	}
	cmds = append(cmds, "OUTP ON")
	if err := m.Write(ctx, cmds...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = &s
	m.start = m.clk.Now()
	m.limited = false
	return nil
}

// ReadChannel measures voltage and current
func (m *SMU) ReadChannel(ctx context.Context) (Reading, error) {
	v, err := m.ReadFloat(ctx, "MEAS:VOLT?")
	if err != nil {
		return Reading{}, err
	}
	i, err := m.ReadFloat(ctx, "MEAS:CURR?")
	if err != nil {
		return Reading{}, err
	}
	m.mu.Lock()
	m.lastV = v
	if m.step != nil && m.step.Technique == CP && m.step.VoltageLimit != 0 &&
		math.Abs(v) >= math.Abs(m.step.VoltageLimit) {
		m.limited = true
	}
	m.mu.Unlock()
	return Reading{Voltage: v, Current: i}, nil
}

// StepComplete is true once the duration has elapsed or the last reading
// reached the CP voltage limit
func (m *SMU) StepComplete(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step == nil {
		return true, nil
	}
	return m.limited || m.clk.Now().Sub(m.start) >= m.step.Duration, nil
}

// StopStep turns the output off
func (m *SMU) StopStep(ctx context.Context) error {
	err := m.Write(ctx, "OUTP OFF")
	if err == nil {
		m.mu.Lock()
		m.step = nil
		m.mu.Unlock()
	}
	return err
}
