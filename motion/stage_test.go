package motion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var _ Motor = (*Stage)(nil)
var _ Homer = (*Stage)(nil)

func TestMoveToTravelsAtSpeed(t *testing.T) {
	clk := clock.NewMock()
	s := NewStage(clk, 2, 0, 10) // 2 mm/s
	ctx := context.Background()
	if err := s.MoveTo(ctx, 5); err != nil {
		t.Fatal(err)
	}
	clk.Add(time.Second)
	if pos := s.Actual(); pos != 2 {
		t.Errorf("expected 2 mm after 1 s, got %v", pos)
	}
	clk.Add(5 * time.Second)
	if pos := s.Actual(); pos != 5 {
		t.Errorf("expected to arrive at 5, got %v", pos)
	}
	if s.Moving() {
		t.Error("still moving after arrival")
	}
}

func TestSendCommandCancelsMoveAndClamps(t *testing.T) {
	clk := clock.NewMock()
	s := NewStage(clk, 1, 0, 3)
	ctx := context.Background()
	s.MoveTo(ctx, 3)
	s.SendCommand(ctx, 10)
	if pos := s.Actual(); pos != 3 {
		t.Errorf("expected clamp at 3, got %v", pos)
	}
	clk.Add(time.Second)
	s.SendCommand(ctx, -1)
	if pos := s.Actual(); pos != 2 {
		t.Errorf("expected 2, got %v", pos)
	}
	if s.Commands() != 2 {
		t.Errorf("expected 2 commands, got %d", s.Commands())
	}
}

func TestStageFaultsAndLatency(t *testing.T) {
	s := NewStage(clock.NewMock(), 1, 0, 3)
	boom := errors.New("boom")
	s.Faults.Inject("stop", 1, boom)
	if err := s.Stop(context.Background()); err != boom {
		t.Errorf("expected injected error, got %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("fault should be consumed, got %v", err)
	}
	s.Latency = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := s.Position(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if s.Stops() != 1 {
		t.Errorf("expected 1 stop, got %d", s.Stops())
	}
}
