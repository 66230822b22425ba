package runlog

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the column order of CSV run logs
var CSVHeader = []string{
	"time", "phase", "step", "force_N", "voltage_V", "current_A",
	"position_mm", "temperature_C", "command_mm", "charge", "safety",
}

// CSV writes records as comma separated rows under a header line.  An
// absent temperature is an empty cell.
type CSV struct {
	w      *csv.Writer
	c      io.Closer
	header bool
}

// NewCSV writes to w.  If w is an io.Closer it is closed by Close.
func NewCSV(w io.Writer) *CSV {
	out := &CSV{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		out.c = c
	}
	return out
}

func fmtF(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Write appends one row and flushes it
func (c *CSV) Write(r Record) error {
	if !c.header {
		if err := c.w.Write(CSVHeader); err != nil {
			return err
		}
		c.header = true
	}
	temp := ""
	if r.Sample.HasTemperature() {
		temp = fmtF(r.Sample.Temperature)
	}
	row := []string{
		r.Sample.Time.UTC().Format(time.RFC3339Nano),
		r.Phase,
		strconv.Itoa(r.Step),
		fmtF(r.Sample.Force),
		fmtF(r.Sample.Voltage),
		fmtF(r.Sample.Current),
		fmtF(r.Sample.Position),
		temp,
		fmtF(r.Command),
		r.Charge,
		r.Safety,
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the underlying writer if it is closable
func (c *CSV) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}
