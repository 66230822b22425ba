/*Package comm provides connections to bench hardware over TCP, RS232, or
USBTMC, with bounded timeouts on every exchange.

Most usages of this package boil down to:
	1.  construct a RemoteDevice (one connection, line-terminated) or a Pool
	    (connections created on demand and reclaimed when idle)
	2.  exchange messages with SendRecv / Send, passing a context whose
	    deadline bounds the exchange
	3.  let Open retry with exponential backoff; drives and instruments do
	    not like being connection-thrashed

A minimal example for a sensor that replies to "RD?" with a number:

	rd := comm.NewRemoteDevice("192.168.100.12:2001", false, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp, err := rd.OpenSendRecv(ctx, []byte("RD?"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(resp), 64)
*/
package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive line terminators
type Terminators struct {
	Rx byte
	Tx byte
}

// DefaultTerminators are carriage returns both ways
var DefaultTerminators = Terminators{Rx: '\r', Tx: '\r'}

/*RemoteDevice has an address and a single connection to it.

If Serial is true, SerialConf must be populated.

The device is concurrent-safe; exchanges are serialized by an internal mutex
so a reply is always paired with its request.
*/
type RemoteDevice struct {
	sync.Mutex

	Addr       string
	Serial     bool
	SerialConf *serial.Config
	Conn       io.ReadWriteCloser
	Terms      Terminators

	// Timeout bounds connection establishment
	Timeout time.Duration
}

// NewRemoteDevice creates a new RemoteDevice instance.  Nil terms selects
// DefaultTerminators.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, conf *serial.Config) RemoteDevice {
	t := DefaultTerminators
	if terms != nil {
		t = *terms
	}
	return RemoteDevice{
		Addr:       addr,
		Serial:     serial,
		SerialConf: conf,
		Terms:      t,
		Timeout:    3 * time.Second}
}

// Open the connection, setting the Conn variable.  It is a no-op if the
// connection is already open.
func (rd *RemoteDevice) Open() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		return nil
	}
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.Timeout,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.Serial {
		if rd.SerialConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.SerialConf)
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	return err
}

// Send writes b and the Tx terminator to the remote
func (rd *RemoteDevice) Send(ctx context.Context, b []byte) error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return ErrNotConnected
	}
	return rd.exchange(ctx, func() error {
		return WriteLine(rd.Conn, b, rd.Terms.Tx)
	})
}

// SendRecv sends b and returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(ctx context.Context, b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	var resp []byte
	err := rd.exchange(ctx, func() error {
		if err := WriteLine(rd.Conn, b, rd.Terms.Tx); err != nil {
			return err
		}
		var err error
		resp, err = ReadLine(rd.Conn, rd.Terms.Rx)
		return err
	})
	return resp, err
}

// OpenSendRecv opens the connection if needed, then calls SendRecv
func (rd *RemoteDevice) OpenSendRecv(ctx context.Context, b []byte) ([]byte, error) {
	if err := rd.Open(); err != nil {
		return nil, err
	}
	return rd.SendRecv(ctx, b)
}

// OpenSend opens the connection if needed, then calls Send
func (rd *RemoteDevice) OpenSend(ctx context.Context, b []byte) error {
	if err := rd.Open(); err != nil {
		return err
	}
	return rd.Send(ctx, b)
}

// exchange runs fn bounded by ctx.  When the deadline passes before fn
// returns the connection is dropped so the next call reconnects cleanly.
// rd.Mutex must be held.
func (rd *RemoteDevice) exchange(ctx context.Context, fn func() error) error {
	err := Bounded(ctx, rd.Conn, fn)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		rd.Conn.Close()
		rd.Conn = nil
	}
	return err
}

// Bounded runs fn, an exchange on conn, so that it does not outlive ctx.
// Connections with deadlines (net.Conn) get the context deadline; anything
// else runs fn on a goroutine and closes conn if ctx ends first, which
// unblocks fn.
func Bounded(ctx context.Context, conn io.ReadWriteCloser, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dc, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		if dl, has := ctx.Deadline(); has {
			if err := dc.SetDeadline(dl); err != nil {
				return err
			}
			defer dc.SetDeadline(time.Time{})
		}
		err := fn()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
		}
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		conn.Close()
		<-done
		return ctx.Err()
	}
}

// WriteLine writes b followed by term
func WriteLine(w io.Writer, b []byte, term byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, term)
	_, err := w.Write(buf)
	return err
}

// ReadLine reads up to term and returns the line without it or trailing CR/LF.
// It reads one byte at a time so nothing past the terminator is
// consumed from r.
func ReadLine(r io.Reader, term byte) ([]byte, error) {
	var (
		buf []byte
		one = make([]byte, 1)
	)
	for {
		n, err := r.Read(one)
		if n == 1 {
			if one[0] == term {
				return bytes.TrimRight(buf, "\n\r"), nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			if err == io.EOF {
				return buf, ErrTerminatorNotFound
			}
			return buf, err
		}
	}
}
