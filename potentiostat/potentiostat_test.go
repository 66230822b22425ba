package potentiostat

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/scpi"
)

var (
	_ Instrument = (*Cell)(nil)
	_ Instrument = (*SMU)(nil)
)

func TestStateOfDeadBand(t *testing.T) {
	cases := map[float64]ChargeState{
		0.5:    Charging,
		-0.5:   Discharging,
		0.005:  Idle,
		-0.01:  Idle,
		0.0101: Charging,
	}
	for i, want := range cases {
		if got := StateOf(i); got != want {
			t.Errorf("StateOf(%v) = %v, want %v", i, got, want)
		}
	}
}

func TestStepValidate(t *testing.T) {
	good := Step{Technique: CP, Current: 0.1, Duration: time.Minute, VoltageLimit: 4.2}
	if err := good.Validate(); err != nil {
		t.Errorf("valid CP step rejected: %v", err)
	}
	var ce *limits.ConfigError
	bad := Step{Technique: CP, Current: math.NaN(), Duration: time.Minute}
	if err := bad.Validate(); !errors.As(err, &ce) || ce.Field != "step.current" {
		t.Errorf("expected config error on current, got %v", err)
	}
	if err := (Step{Technique: "XYZ", Duration: time.Second}).Validate(); err == nil {
		t.Error("unknown technique accepted")
	}
	peis := Step{Technique: PEIS, Amplitude: 0.01, FreqStart: 1e5, FreqEnd: 1, Points: 10}
	if err := peis.Validate(); err != nil {
		t.Errorf("PEIS without duration rejected: %v", err)
	}
	if err := (Step{Technique: OCV}).Validate(); err == nil {
		t.Error("OCV without duration accepted")
	}
}

func TestParseTechnique(t *testing.T) {
	if tq, err := ParseTechnique(" peis"); err != nil || tq != PEIS {
		t.Errorf("expected PEIS, got %v %v", tq, err)
	}
	if _, err := ParseTechnique("GCPL"); err == nil {
		t.Error("expected error for unknown technique")
	}
}

func TestCellCPRunsForDuration(t *testing.T) {
	clk := clock.NewMock()
	c := NewCell(clk, 3.0, 0.1, 0.01)
	ctx := context.Background()
	if err := c.ApplyStep(ctx, Step{Technique: CP, Current: 0.5, Duration: 10 * time.Second}); err != nil {
		t.Fatal(err)
	}
	r, _ := c.ReadChannel(ctx)
	if math.Abs(r.Voltage-3.05) > 1e-12 || r.Current != 0.5 {
		t.Errorf("expected 3.05 V 0.5 A at start, got %+v", r)
	}
	clk.Add(4 * time.Second)
	if done, _ := c.StepComplete(ctx); done {
		t.Error("complete too early")
	}
	clk.Add(6 * time.Second)
	if done, _ := c.StepComplete(ctx); !done {
		t.Error("not complete after duration")
	}
	if q := c.Charge(); math.Abs(q-5) > 1e-9 {
		t.Errorf("expected 5 C stored, got %v", q)
	}
}

func TestCellCPVoltageLimitEndsStep(t *testing.T) {
	clk := clock.NewMock()
	c := NewCell(clk, 3.0, 0, 0.1)
	ctx := context.Background()
	c.ApplyStep(ctx, Step{Technique: CP, Current: 1, Duration: time.Hour, VoltageLimit: 3.5})
	clk.Add(6 * time.Second)
	done, err := c.StepComplete(ctx)
	if err != nil || !done {
		t.Errorf("expected voltage limit to end step, got %v %v", done, err)
	}
	if r, _ := c.ReadChannel(ctx); r.Current != 0 {
		t.Errorf("current still flowing after limit: %v", r.Current)
	}
}

func TestCellStopAndFaults(t *testing.T) {
	c := NewCell(clock.NewMock(), 3, 0.1, 0)
	ctx := context.Background()
	c.ApplyStep(ctx, Step{Technique: OCV, Duration: time.Second})
	c.Faults.Inject("read", 1, io.ErrUnexpectedEOF)
	if _, err := c.ReadChannel(ctx); err != io.ErrUnexpectedEOF {
		t.Errorf("expected injected fault, got %v", err)
	}
	if err := c.StopStep(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Stops() != 1 {
		t.Errorf("expected 1 stop, got %d", c.Stops())
	}
	want := []Step{{Technique: OCV, Duration: time.Second}}
	if diff := cmp.Diff(want, c.Applied()); diff != "" {
		t.Errorf("applied steps mismatch (-want +got):\n%s", diff)
	}
}

func TestSMUCommands(t *testing.T) {
	var seen []string
	s := scpi.New(func() (io.ReadWriteCloser, error) {
		return scpi.NewPipe(func(msg string) string {
			seen = append(seen, msg)
			switch msg {
			case "MEAS:VOLT?":
				return "4.25"
			case "MEAS:CURR?":
				return "0.1"
			case "*OPC?":
				return "1"
			}
			return ""
		}), nil
	}, false)
	defer s.Close()
	clk := clock.NewMock()
	m := NewSMU(s, clk)
	ctx := context.Background()
	if err := m.ApplyStep(ctx, Step{Technique: CP, Current: 0.1, Duration: time.Hour, VoltageLimit: 4.2}); err != nil {
		t.Fatal(err)
	}
	r, err := m.ReadChannel(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r != (Reading{Voltage: 4.25, Current: 0.1}) {
		t.Errorf("unexpected reading %+v", r)
	}
	if done, _ := m.StepComplete(ctx); !done {
		t.Error("voltage limit did not complete the step")
	}
	if err := m.StopStep(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadBool(ctx, "*OPC?"); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"SOUR:FUNC CURR;SOUR:CURR 0.1;SENS:VOLT:PROT 4.2;OUTP ON",
		"MEAS:VOLT?",
		"MEAS:CURR?",
		"OUTP OFF",
		"*OPC?",
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	if err := m.ApplyStep(ctx, Step{Technique: PEIS, Amplitude: 0.01, FreqStart: 1, FreqEnd: 1, Points: 1}); err != ErrUnsupportedTechnique {
		t.Errorf("expected ErrUnsupportedTechnique, got %v", err)
	}
}
