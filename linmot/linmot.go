/*Package linmot drives a LinMot linear motor through the ASCII command
gateway of its drive, over TCP or RS232.

Commands are single lines terminated with CR.  Set commands are
acknowledged with "OK"; errors come back as "ERR <code>".  Positions are
exchanged in mm and forces in N:

	MA <pos>    move absolute
	MR <delta>  move relative
	FL <force>  set force limit
	ST          stop, hold position
	HO          home
	PS?         query position, replies "PS=<pos>"
*/
package linmot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tarm/serial"

	"github.com/echemlab/forcecell/comm"
)

// ErrDrive is a fault reported by the drive
type ErrDrive struct {
	Cmd  string
	Code string
}

func (e ErrDrive) Error() string {
	return fmt.Sprintf("linmot: %s rejected with code %s", e.Cmd, e.Code)
}

// Motor is a LinMot drive
type Motor struct {
	conn comm.RemoteDevice
}

// NewMotor returns a motor at addr.  If serial is true, addr is a port name
// and the drive's default 38400 8N1 settings are used.
func NewMotor(addr string, serialConn bool) *Motor {
	var conf *serial.Config
	if serialConn {
		conf = &serial.Config{Name: addr, Baud: 38400}
	}
	return &Motor{conn: comm.NewRemoteDevice(addr, serialConn, nil, conf)}
}

func (m *Motor) set(ctx context.Context, cmd string) error {
	resp, err := m.conn.OpenSendRecv(ctx, []byte(cmd))
	if err != nil {
		return err
	}
	return parseAck(cmd, string(resp))
}

func parseAck(cmd, resp string) error {
	resp = strings.TrimSpace(resp)
	if resp == "OK" {
		return nil
	}
	if strings.HasPrefix(resp, "ERR") {
		return ErrDrive{Cmd: cmd, Code: strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))}
	}
	return fmt.Errorf("linmot: unexpected reply %q to %s", resp, cmd)
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// MoveTo moves to an absolute position in mm
func (m *Motor) MoveTo(ctx context.Context, pos float64) error {
	return m.set(ctx, "MA "+fmtFloat(pos))
}

// SetForceLimit sets the drive's force ceiling in N
func (m *Motor) SetForceLimit(ctx context.Context, newtons float64) error {
	return m.set(ctx, "FL "+fmtFloat(newtons))
}

// SendCommand moves by delta mm
func (m *Motor) SendCommand(ctx context.Context, delta float64) error {
	return m.set(ctx, "MR "+fmtFloat(delta))
}

// Stop halts motion and holds position
func (m *Motor) Stop(ctx context.Context) error {
	return m.set(ctx, "ST")
}

// Home seeks the reference position
func (m *Motor) Home(ctx context.Context) error {
	return m.set(ctx, "HO")
}

// Position returns the current position in mm
func (m *Motor) Position(ctx context.Context) (float64, error) {
	resp, err := m.conn.OpenSendRecv(ctx, []byte("PS?"))
	if err != nil {
		return 0, err
	}
	return parsePosition(string(resp))
}

func parsePosition(resp string) (float64, error) {
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "ERR") {
		return 0, ErrDrive{Cmd: "PS?", Code: strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))}
	}
	if !strings.HasPrefix(resp, "PS=") {
		return 0, fmt.Errorf("linmot: unexpected reply %q to PS?", resp)
	}
	return strconv.ParseFloat(resp[3:], 64)
}

// Close closes the connection to the drive
func (m *Motor) Close() error {
	return m.conn.Close()
}
