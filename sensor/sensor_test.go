package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/echemlab/forcecell/scpi"
)

type fixedPos float64

func (f fixedPos) Actual() float64 { return float64(f) }

type ratios []float64

func (r *ratios) Ratio(ctx context.Context) (float64, error) {
	if len(*r) == 0 {
		return 0, io.EOF
	}
	v := (*r)[0]
	*r = (*r)[1:]
	return v, nil
}

var (
	_ ForceSensor = (*LoadCell)(nil)
	_ ForceSensor = (*SpringCell)(nil)
	_ Thermometer = (*Bath)(nil)
	_ Thermometer = (*DMM)(nil)
	_ RatioReader = (*DMM)(nil)
)

func ExampleCalibration_Force() {
	c := Calibration{Gain: 1000, Offset: 0.002}
	fmt.Printf("%.1f N\n", c.Force(0.012))
	// Output: 10.0 N
}

func TestZeroAveragesOffset(t *testing.T) {
	src := ratios{0.001, 0.003, 0.002}
	lc := &LoadCell{Src: &src, Cal: Calibration{Gain: 500}}
	if err := lc.Zero(context.Background(), 3, 0); err != nil {
		t.Fatal(err)
	}
	if math.Abs(lc.Cal.Offset-0.002) > 1e-12 {
		t.Errorf("expected offset 0.002, got %v", lc.Cal.Offset)
	}
	if err := lc.Zero(context.Background(), 0, 0); err != ErrNoSamples {
		t.Errorf("expected ErrNoSamples, got %v", err)
	}
	if err := lc.Zero(context.Background(), 1, 0); !errors.Is(err, io.EOF) {
		t.Errorf("expected wrapped EOF, got %v", err)
	}
}

func TestSpringCellThroughLoadCell(t *testing.T) {
	cell := NewSpringCell(fixedPos(2.5), 2, 20, 1000, 0, 1)
	lc := &LoadCell{Src: cell, Cal: Calibration{Gain: 1000}}
	f, err := lc.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(f-10) > 1e-9 {
		t.Errorf("expected 10 N at 0.5 mm past contact, got %v", f)
	}
	free := NewSpringCell(fixedPos(1), 2, 20, 1000, 0, 1)
	if f, _ := free.Read(context.Background()); f != 0 {
		t.Errorf("expected 0 N before contact, got %v", f)
	}
}

func TestSpringCellLatencyTimesOut(t *testing.T) {
	cell := NewSpringCell(fixedPos(0), 0, 1, 1, 0, 1)
	cell.Latency = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := cell.Read(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestBathDrifts(t *testing.T) {
	b := NewBath(20, 30, 0.5)
	ctx := context.Background()
	first, _ := b.Temperature(ctx)
	second, _ := b.Temperature(ctx)
	if first != 20 || second != 25 {
		t.Errorf("expected 20 then 25, got %v then %v", first, second)
	}
}

func TestDMMCommands(t *testing.T) {
	var seen []string
	s := scpi.New(func() (io.ReadWriteCloser, error) {
		return scpi.NewPipe(func(msg string) string {
			seen = append(seen, msg)
			switch msg {
			case "MEAS:VOLT:DC:RAT?":
				return "+2.0E-03"
			case "MEAS:TEMP? TC,K":
				return "+2.51E+01"
			}
			return ""
		}), nil
	}, false)
	defer s.Close()
	d := NewDMM(s)
	lc := &LoadCell{Src: d, Cal: Calibration{Gain: 5000}}
	ctx := context.Background()
	f, err := lc.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(f-10) > 1e-9 {
		t.Errorf("expected 10 N, got %v", f)
	}
	temp, err := d.Temperature(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if temp != 25.1 {
		t.Errorf("expected 25.1, got %v", temp)
	}
	if len(seen) != 2 {
		t.Errorf("expected 2 queries, got %v", seen)
	}
}
