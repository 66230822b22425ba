package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/loop"
	"github.com/echemlab/forcecell/motion"
	"github.com/echemlab/forcecell/pid"
	"github.com/echemlab/forcecell/potentiostat"
	"github.com/echemlab/forcecell/runlog"
	"github.com/echemlab/forcecell/safety"
	"github.com/echemlab/forcecell/sensor"
	"github.com/echemlab/forcecell/util"
)

type bench struct {
	stage   *motion.Stage
	cell    *sensor.SpringCell
	pstat   *potentiostat.Cell
	ctrl    *pid.Controller
	mon     *safety.Monitor
	loop    *loop.Loop
	sink    *runlog.Ring
	metrics *loop.Metrics
}

// newBench builds a loop over a simulated stage pressing a 10 N/mm cell
// that is touched at 1 mm
func newBench(t *testing.T, clk clock.Clock, lim limits.Set, cfg loop.Config, g pid.Gains) *bench {
	t.Helper()
	b := &bench{sink: runlog.NewRing(100)}
	b.stage = motion.NewStage(clk, 5, 0, 100)
	b.cell = sensor.NewSpringCell(b.stage, 1, 10, 1000, 0, 1)
	b.pstat = potentiostat.NewCell(clk, 3.0, 0.1, 0.001)
	var err error
	if b.ctrl, err = pid.New(g); err != nil {
		t.Fatal(err)
	}
	logger := zaptest.NewLogger(t).Sugar()
	if b.mon, err = safety.NewMonitor(lim, safety.DefaultConfig(), clk, logger); err != nil {
		t.Fatal(err)
	}
	if b.metrics, err = loop.NewMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	dev := loop.Devices{Motor: b.stage, Force: b.cell, Instrument: b.pstat}
	b.loop, err = loop.New(cfg, dev, b.ctrl, b.mon,
		loop.WithClock(clk), loop.WithLogger(logger), loop.WithSink(b.sink), loop.WithMetrics(b.metrics))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

var gains = pid.Gains{Kp: 0.01, Min: -0.05, Max: 0.05}

func hold(setpoint float64) loop.Goal {
	return loop.Goal{Phase: "hold", Step: -1, ForceControl: true, Setpoint: setpoint}
}

func TestForceOverLimitStopsInsteadOfCommanding(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{ForceMax: util.Float(50)}, loop.DefaultConfig(), gains)
	b.stage.Place(6.1) // 51 N
	b.loop.SetGoal(hold(10))

	res, err := b.loop.Tick(context.Background())
	var trip *safety.TripError
	if !errors.As(err, &trip) {
		t.Fatalf("expected a trip, got %v", err)
	}
	if trip.Status.Reason() != limits.ForceMax {
		t.Errorf("expected force_max, got %s", trip.Status.Reason())
	}
	if b.stage.Stops() != 1 {
		t.Errorf("expected one stop, got %d", b.stage.Stops())
	}
	if b.stage.Commands() != 0 || res.Sent {
		t.Error("motor commanded for a tripped sample")
	}
	if last, _ := b.sink.Last(); last.Safety != "tripped" || last.Command != 0 {
		t.Errorf("trip tick logged as %+v", last)
	}
	if got := testutil.ToFloat64(b.metrics.Trips); got != 1 {
		t.Errorf("expected trip counter 1, got %v", got)
	}
}

func TestTrippedMonitorBlocksLaterTicks(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{ForceMax: util.Float(50)}, loop.DefaultConfig(), gains)
	b.stage.Place(6.1)
	b.loop.SetGoal(hold(10))
	b.loop.Tick(context.Background())
	b.stage.Place(2)
	_, err := b.loop.Tick(context.Background())
	var trip *safety.TripError
	if !errors.As(err, &trip) || trip.Status.Reason() != limits.ForceMax {
		t.Fatalf("expected the original trip, got %v", err)
	}
	if b.stage.Commands() != 0 {
		t.Error("commanded after trip")
	}
}

func TestSensorTimeoutsEscalateOnThird(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(hold(10))
	b.cell.Faults.Inject("read", 3, context.DeadlineExceeded)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		res, err := b.loop.Tick(ctx)
		if err != nil {
			t.Fatalf("tick %d: expected no trip, got %v", i, err)
		}
		if !errors.Is(res.Err, loop.ErrDeviceTimeout) {
			t.Errorf("tick %d: expected a device timeout, got %v", i, res.Err)
		}
		if b.mon.Tripped() {
			t.Fatalf("tripped after %d failures", i)
		}
	}
	_, err := b.loop.Tick(ctx)
	var trip *safety.TripError
	if !errors.As(err, &trip) {
		t.Fatalf("expected a trip on the third failure, got %v", err)
	}
	if trip.Status.Reason() != safety.ReasonSensorUnavailable {
		t.Errorf("expected %q, got %q", safety.ReasonSensorUnavailable, trip.Status.Reason())
	}
	if b.stage.Stops() != 1 || b.stage.Commands() != 0 {
		t.Errorf("expected stop and no commands, got %d stops %d commands", b.stage.Stops(), b.stage.Commands())
	}
	if got := testutil.ToFloat64(b.metrics.DeviceErrors.WithLabelValues(loop.DevForce)); got != 3 {
		t.Errorf("expected 3 force errors counted, got %v", got)
	}
}

func TestGoodTickClearsFailureCount(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	ctx := context.Background()
	for round := 0; round < 3; round++ {
		b.cell.Faults.Inject("read", 2, context.DeadlineExceeded)
		for i := 0; i < 3; i++ {
			if _, err := b.loop.Tick(ctx); err != nil {
				t.Fatalf("round %d tick %d: %v", round, i, err)
			}
		}
	}
}

func TestDeviceTimeoutBoundsTick(t *testing.T) {
	cfg := loop.DefaultConfig()
	cfg.DeviceTimeout = 5 * time.Millisecond
	b := newBench(t, clock.NewMock(), limits.Set{}, cfg, gains)
	b.cell.Latency = time.Second
	begin := time.Now()
	res, err := b.loop.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("tick took %v with a 5ms device timeout", elapsed)
	}
	var derr *loop.DeviceError
	if !errors.As(res.Err, &derr) || derr.Device != loop.DevForce || !derr.Timeout {
		t.Errorf("expected a force timeout, got %v", res.Err)
	}
}

func TestMotorFailuresEscalate(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(hold(10))
	b.stage.Faults.Inject("command", -1, errors.New("drive fault"))
	ctx := context.Background()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = b.loop.Tick(ctx)
	}
	var trip *safety.TripError
	if !errors.As(err, &trip) || trip.Status.Reason() != safety.ReasonMotorUnavailable {
		t.Fatalf("expected motor unavailable trip, got %v", err)
	}
	if b.stage.Stops() != 1 {
		t.Errorf("expected halt stop, got %d", b.stage.Stops())
	}
}

func TestAlternatingDeviceFailuresEscalate(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(hold(10))
	ctx := context.Background()

	b.cell.Faults.Inject("read", 1, context.DeadlineExceeded)
	if _, err := b.loop.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	b.stage.Faults.Inject("command", 1, errors.New("drive fault"))
	res, err := b.loop.Tick(ctx)
	if err != nil || !res.Acquired || res.Sent {
		t.Fatalf("tick 2: expected an acquired tick with a failed send, got %+v %v", res, err)
	}
	b.cell.Faults.Inject("read", 1, context.DeadlineExceeded)
	_, err = b.loop.Tick(ctx)
	var trip *safety.TripError
	if !errors.As(err, &trip) {
		t.Fatalf("three failed ticks in a row did not trip: %v", err)
	}
	if trip.Status.Reason() != safety.ReasonSensorUnavailable {
		t.Errorf("expected the last failing device named, got %q", trip.Status.Reason())
	}
	if b.stage.Stops() != 1 {
		t.Errorf("expected halt stop, got %d", b.stage.Stops())
	}
}

func TestCleanSendClearsFailureCount(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(hold(10))
	ctx := context.Background()
	for round := 0; round < 3; round++ {
		b.cell.Faults.Inject("read", 1, context.DeadlineExceeded)
		b.loop.Tick(ctx)
		b.stage.Faults.Inject("command", 1, errors.New("drive fault"))
		b.loop.Tick(ctx)
		if _, err := b.loop.Tick(ctx); err != nil {
			t.Fatalf("round %d: clean tick did not reset the count: %v", round, err)
		}
	}
	if b.mon.Tripped() {
		t.Error("tripped with at most two failures in a row")
	}
}

func TestRecordsChargeState(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	if _, err := b.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	last, ok := b.sink.Last()
	if !ok || last.Charge != potentiostat.StateOf(last.Sample.Current).String() {
		t.Errorf("charge state not recorded: %+v", last)
	}
}

func TestMeasuredDt(t *testing.T) {
	clk := clock.NewMock()
	b := newBench(t, clk, limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(hold(10))
	ctx := context.Background()
	if _, err := b.loop.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if dt := b.ctrl.State().LastDt; dt != 0.02 {
		t.Errorf("first compute should use the period, got %v", dt)
	}
	clk.Add(30 * time.Millisecond)
	if _, err := b.loop.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if dt := b.ctrl.State().LastDt; dt != 0.03 {
		t.Errorf("expected measured dt 0.03, got %v", dt)
	}
}

func TestSetpointChangeResetsController(t *testing.T) {
	clk := clock.NewMock()
	g := pid.Gains{Kp: 0.001, Ki: 0.001, Min: -0.05, Max: 0.05}
	b := newBench(t, clk, limits.Set{}, loop.DefaultConfig(), g)
	b.loop.SetGoal(hold(10))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		clk.Add(20 * time.Millisecond)
		b.loop.Tick(ctx)
	}
	if b.ctrl.State().Integral == 0 {
		t.Fatal("integral did not accumulate")
	}
	b.loop.SetGoal(hold(20))
	clk.Add(20 * time.Millisecond)
	res, err := b.loop.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e := 20 - res.Sample.Force
	if got, want := b.ctrl.State().Integral, e*0.02; got != want {
		t.Errorf("expected fresh integral %v after setpoint change, got %v", want, got)
	}
}

func TestRetuneAppliesOnNextTick(t *testing.T) {
	clk := clock.NewMock()
	b := newBench(t, clk, limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(hold(10))
	if err := b.loop.SetGains(pid.Gains{Kp: 1, Min: 1, Max: 0}); err == nil {
		t.Error("inverted clamp accepted")
	}
	next := pid.Gains{Kp: 0.03, Min: -0.05, Max: 0.05}
	if err := b.loop.SetGains(next); err != nil {
		t.Fatal(err)
	}
	if b.loop.Gains() != next {
		t.Errorf("pending gains not reported: %+v", b.loop.Gains())
	}
	if b.ctrl.Gains() != gains {
		t.Error("controller retuned outside a tick")
	}
	clk.Add(20 * time.Millisecond)
	if _, err := b.loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.ctrl.Gains() != next {
		t.Errorf("expected %+v after the tick, got %+v", next, b.ctrl.Gains())
	}
}

func TestMonitoringGoalSendsNoCommand(t *testing.T) {
	b := newBench(t, clock.NewMock(), limits.Set{}, loop.DefaultConfig(), gains)
	b.loop.SetGoal(loop.Goal{Phase: "retract", Step: -1})
	res, err := b.loop.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent || b.stage.Commands() != 0 {
		t.Error("command sent without force control")
	}
	if last, _ := b.sink.Last(); last.Phase != "retract" {
		t.Errorf("expected retract row, got %q", last.Phase)
	}
}

func fastConfig() loop.Config {
	cfg := loop.DefaultConfig()
	cfg.Period = 10 * time.Millisecond
	cfg.DeviceTimeout = 8 * time.Millisecond
	return cfg
}

func TestRunStopsMotorWhenDone(t *testing.T) {
	b := newBench(t, clock.New(), limits.Set{}, fastConfig(), gains)
	ticks := 0
	sup := loop.SupervisorFunc(func(ctx context.Context, r loop.Result) (loop.Goal, bool, error) {
		ticks++
		return hold(5), ticks == 5, nil
	})
	if err := b.loop.Run(context.Background(), sup); err != nil {
		t.Fatal(err)
	}
	if ticks != 5 {
		t.Errorf("expected 5 ticks, got %d", ticks)
	}
	if b.stage.Stops() != 1 {
		t.Errorf("expected a neutral command on exit, got %d stops", b.stage.Stops())
	}
	if b.loop.Running() {
		t.Error("still running after Run returned")
	}
}

func TestRunStopsMotorOnCancel(t *testing.T) {
	b := newBench(t, clock.New(), limits.Set{}, fastConfig(), gains)
	ctx, cancel := context.WithCancel(context.Background())
	sup := loop.SupervisorFunc(func(ctx context.Context, r loop.Result) (loop.Goal, bool, error) {
		cancel()
		return hold(5), false, nil
	})
	if err := b.loop.Run(ctx, sup); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.stage.Stops() != 1 {
		t.Errorf("expected a neutral command on exit, got %d stops", b.stage.Stops())
	}
}

func TestRunReportsTripToSupervisor(t *testing.T) {
	b := newBench(t, clock.New(), limits.Set{ForceMax: util.Float(50)}, fastConfig(), gains)
	b.stage.Place(6.1)
	var seen []safety.Level
	sup := loop.SupervisorFunc(func(ctx context.Context, r loop.Result) (loop.Goal, bool, error) {
		seen = append(seen, r.Status.Level)
		return hold(5), false, nil
	})
	err := b.loop.Run(context.Background(), sup)
	var trip *safety.TripError
	if !errors.As(err, &trip) {
		t.Fatalf("expected a trip, got %v", err)
	}
	if len(seen) != 1 || seen[0] != safety.Tripped {
		t.Errorf("supervisor saw %v", seen)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := loop.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.DeviceTimeout = cfg.Period
	var ce *limits.ConfigError
	if err := cfg.Validate(); !errors.As(err, &ce) || ce.Field != "loop.devicetimeout" {
		t.Errorf("expected devicetimeout config error, got %v", err)
	}
	cfg = loop.DefaultConfig()
	cfg.Period = 2 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("2s period accepted")
	}
}

func TestDeviceErrorMatching(t *testing.T) {
	err := &loop.DeviceError{Device: "force", Op: "Read", Timeout: true, Err: context.DeadlineExceeded}
	if !errors.Is(err, loop.ErrDeviceTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout error does not match its sentinels")
	}
	if err.Error() != "force Read: timed out" {
		t.Errorf("unexpected message %q", err.Error())
	}
	other := &loop.DeviceError{Device: "motor", Op: "Stop", Err: errors.New("fault")}
	if errors.Is(other, loop.ErrDeviceTimeout) {
		t.Error("plain failure matched ErrDeviceTimeout")
	}
}
