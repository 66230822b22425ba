package util_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/echemlab/forcecell/util"
)

func ExampleClamp() {
	fmt.Println(util.Clamp(12, 0, 10), util.Clamp(-3, 0, 10), util.Clamp(4, 0, 10))
	// Output: 10 0 4
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiterOpenEnded(t *testing.T) {
	l := util.Limiter{Max: util.Float(50)}
	if got := l.Clamp(-1e9); got != -1e9 {
		t.Errorf("limiter without a minimum clamped a large negative value to %f", got)
	}
	if got := l.Clamp(51); got != 50 {
		t.Errorf("expected clamp to 50, got %f", got)
	}
}

func TestFinite(t *testing.T) {
	if util.Finite(math.NaN()) || util.Finite(math.Inf(-1)) {
		t.Error("NaN and Inf must not be reported finite")
	}
	if !util.Finite(4.3) {
		t.Error("4.3 is finite")
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
