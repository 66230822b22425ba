// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/echemlab/forcecell/comm"
)

// Terminator ends every SCPI message both ways
const Terminator = '\n'

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// New returns a SCPI speaker over a pool of one connection made by maker
func New(maker comm.CreationFunc, handshaking bool) *SCPI {
	return &SCPI{Pool: comm.NewPool(1, 0, maker), Handshaking: handshaking}
}

func (s *SCPI) frame(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS"}, cmds...)
		cmds = append(cmds, ":SYSTem:ERRor?")
	}
	return strings.Join(cmds, ";")
}

// Write sends commands to the device.  If Handshaking is set, it also
// requests an error response and checks that it is OK.
func (s *SCPI) Write(ctx context.Context, cmds ...string) error {
	conn, err := s.Pool.Get(ctx)
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	err = comm.Bounded(ctx, conn, func() error {
		if err := comm.WriteLine(conn, []byte(s.frame(cmds)), Terminator); err != nil {
			return err
		}
		if !s.Handshaking {
			return nil
		}
		resp, err := comm.ReadLine(conn, Terminator)
		if err != nil {
			return err
		}
		return checkError(string(resp))
	})
	return err
}

// WriteRead is Write with a read after.  "get" calls use this mechanism.
func (s *SCPI) WriteRead(ctx context.Context, cmds ...string) (string, error) {
	var resp string
	conn, err := s.Pool.Get(ctx)
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	err = comm.Bounded(ctx, conn, func() error {
		if err := comm.WriteLine(conn, []byte(s.frame(cmds)), Terminator); err != nil {
			return err
		}
		b, err := comm.ReadLine(conn, Terminator)
		if err != nil {
			return err
		}
		resp = string(b)
		if s.Handshaking {
			i := strings.LastIndexByte(resp, ';')
			if i < 0 {
				return fmt.Errorf("scpi: missing error status in %q", resp)
			}
			if err := checkError(resp[i+1:]); err != nil {
				return err
			}
			resp = resp[:i]
		}
		return nil
	})
	return resp, err
}

// ReadFloat sends a query to the device, then parses the response
// as a floating point value
func (s *SCPI) ReadFloat(ctx context.Context, cmds ...string) (float64, error) {
	resp, err := s.WriteRead(ctx, cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a query to the device, then parses the response
// as a boolean
func (s *SCPI) ReadBool(ctx context.Context, cmds ...string) (bool, error) {
	resp, err := s.WriteRead(ctx, cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError(ctx context.Context) error {
	str, err := s.WriteRead(ctx, "SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return checkError(str)
}

// Close releases the idle connections of the pool
func (s *SCPI) Close() error {
	return s.Pool.Close()
}

func checkError(status string) error {
	status = strings.TrimSpace(status)
	if strings.HasPrefix(status, "+0") || strings.HasPrefix(status, "0") {
		return nil
	}
	return fmt.Errorf("scpi: %s: %w", status, comm.ErrDeviceReply)
}

// Pipe is an in-memory SCPI peer; Respond is called with each received
// message and its return written back if non-empty.  It is used to drive
// adapters without hardware.
type Pipe struct {
	Respond func(msg string) string

	r  *io.PipeReader
	w  *io.PipeWriter
	pr *io.PipeReader
	pw *io.PipeWriter
}

// NewPipe returns a connection whose far end is served by respond
func NewPipe(respond func(msg string) string) *Pipe {
	p := &Pipe{Respond: respond}
	p.r, p.pw = io.Pipe()
	p.pr, p.w = io.Pipe()
	go p.serve()
	return p
}

func (p *Pipe) serve() {
	for {
		msg, err := comm.ReadLine(p.pr, Terminator)
		if err != nil {
			p.pw.CloseWithError(err)
			return
		}
		if resp := p.Respond(string(msg)); resp != "" {
			if err := comm.WriteLine(p.pw, []byte(resp), Terminator); err != nil {
				return
			}
		}
	}
}

func (p *Pipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *Pipe) Write(b []byte) (int, error) { return p.w.Write(b) }

// Close shuts both directions
func (p *Pipe) Close() error {
	p.w.Close()
	p.r.Close()
	return nil
}
