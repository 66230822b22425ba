package linmot

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/echemlab/forcecell/comm"
	"github.com/echemlab/forcecell/motion"
)

var _ motion.Motor = (*Motor)(nil)
var _ motion.Homer = (*Motor)(nil)

// fakeDrive answers like a drive holding one position
func fakeDrive(t *testing.T) (string, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		pos := 0.0
		for {
			line, err := comm.ReadLine(c, '\r')
			if err != nil {
				return
			}
			var reply string
			switch {
			case string(line) == "PS?":
				reply = "PS=" + fmtFloat(pos)
			case len(line) > 3 && string(line[:3]) == "MR ":
				if f, err := strconv.ParseFloat(string(line[3:]), 64); err == nil {
					pos += f
				}
				reply = "OK"
			case string(line) == "ST":
				reply = "OK"
			default:
				reply = "ERR 17"
			}
			comm.WriteLine(c, []byte(reply), '\r')
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestMotorRoundTrip(t *testing.T) {
	addr, done := fakeDrive(t)
	defer done()
	m := NewMotor(addr, false)
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.SendCommand(ctx, 0.25); err != nil {
		t.Fatal(err)
	}
	if err := m.SendCommand(ctx, 0.5); err != nil {
		t.Fatal(err)
	}
	pos, err := m.Position(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0.75 {
		t.Errorf("expected 0.75, got %v", pos)
	}
	if err := m.Stop(ctx); err != nil {
		t.Error(err)
	}
	var de ErrDrive
	if err := m.SetForceLimit(ctx, 5); !errors.As(err, &de) || de.Code != "17" {
		t.Errorf("expected drive error 17, got %v", err)
	}
}

func TestParsePosition(t *testing.T) {
	if _, err := parsePosition("garbage"); err == nil {
		t.Error("expected error for garbage")
	}
	p, err := parsePosition("PS=-1.5000\n")
	if err != nil || p != -1.5 {
		t.Errorf("expected -1.5, got %v %v", p, err)
	}
}
