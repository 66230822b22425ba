package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tarm/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/echemlab/forcecell/comm"
	"github.com/echemlab/forcecell/experiment"
	"github.com/echemlab/forcecell/limits"
	"github.com/echemlab/forcecell/linmot"
	"github.com/echemlab/forcecell/loop"
	"github.com/echemlab/forcecell/motion"
	"github.com/echemlab/forcecell/pid"
	"github.com/echemlab/forcecell/potentiostat"
	"github.com/echemlab/forcecell/runlog"
	"github.com/echemlab/forcecell/safety"
	"github.com/echemlab/forcecell/scpi"
	"github.com/echemlab/forcecell/sensor"
	"github.com/echemlab/forcecell/usbtmc"
	"github.com/echemlab/forcecell/util"
)

// Link holds how to reach a SCPI instrument.
type Link struct {
	// Transport is one of "tcp", "serial", or "usbtmc"
	Transport string `koanf:"transport" yaml:"transport"`

	// Addr is host:port for tcp or the port name for serial, e.g. /dev/ttyUSB0
	Addr string `koanf:"addr" yaml:"addr"`

	// Baud is only used for serial links
	Baud int `koanf:"baud" yaml:"baud,omitempty"`

	// VID and PID select a usbtmc device
	VID uint16 `koanf:"vid" yaml:"vid,omitempty"`
	PID uint16 `koanf:"pid" yaml:"pid,omitempty"`

	// Handshaking appends an error query to every write
	Handshaking bool `koanf:"handshaking" yaml:"handshaking"`
}

// MotorSetup configures the linear motor.
type MotorSetup struct {
	// Addr is the network or serial address of the drive
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"serial" yaml:"serial"`

	// Home runs the homing sequence before the experiment
	Home bool `koanf:"home" yaml:"home"`
}

// ForceSetup configures the multimeter reading the load cell.
type ForceSetup struct {
	Link        Link               `koanf:"link" yaml:"link"`
	Calibration sensor.Calibration `koanf:"calibration" yaml:"calibration"`

	// ZeroSamples readings are averaged to tare the cell before the run;
	// zero skips taring
	ZeroSamples int `koanf:"zerosamples" yaml:"zerosamples"`

	// Thermocouple reads the cell temperature from the same meter
	Thermocouple bool `koanf:"thermocouple" yaml:"thermocouple"`
}

// SimSetup shapes the simulated bench.
type SimSetup struct {
	Speed       float64 `koanf:"speed" yaml:"speed"`             // mm/s
	Travel      float64 `koanf:"travel" yaml:"travel"`           // mm
	Contact     float64 `koanf:"contact" yaml:"contact"`         // mm
	Stiffness   float64 `koanf:"stiffness" yaml:"stiffness"`     // N/mm
	Gain        float64 `koanf:"gain" yaml:"gain"`               // N per V/V
	Noise       float64 `koanf:"noise" yaml:"noise"`             // N
	OCV         float64 `koanf:"ocv" yaml:"ocv"`                 // V
	Resistance  float64 `koanf:"resistance" yaml:"resistance"`   // ohm
	Slope       float64 `koanf:"slope" yaml:"slope"`             // V/C
	Temperature float64 `koanf:"temperature" yaml:"temperature"` // degC
	Seed        int64   `koanf:"seed" yaml:"seed"`
}

// Devices says which hardware to use.
type Devices struct {
	// Mode is "mock" for the simulated bench or "hardware"
	Mode         string     `koanf:"mode" yaml:"mode"`
	Motor        MotorSetup `koanf:"motor" yaml:"motor"`
	Force        ForceSetup `koanf:"force" yaml:"force"`
	Potentiostat Link       `koanf:"potentiostat" yaml:"potentiostat"`
	Sim          SimSetup   `koanf:"sim" yaml:"sim"`
}

// LogSetup configures the process log and the run log.
type LogSetup struct {
	// Level is a zap level name, e.g. debug or info
	Level string `koanf:"level" yaml:"level"`

	// Development switches to human readable console output
	Development bool `koanf:"development" yaml:"development"`

	// CSV and SQLite are run log paths; empty disables each
	CSV    string `koanf:"csv" yaml:"csv"`
	SQLite string `koanf:"sqlite" yaml:"sqlite"`

	// Run names the run in the SQLite log
	Run string `koanf:"run" yaml:"run"`

	// Buffer is the queue depth between the loop and the run log
	Buffer int `koanf:"buffer" yaml:"buffer"`
}

// Config is the whole configuration file.
type Config struct {
	// Addr is the address the HTTP API listens at; empty disables it
	Addr       string            `koanf:"addr" yaml:"addr"`
	Log        LogSetup          `koanf:"log" yaml:"log"`
	Devices    Devices           `koanf:"devices" yaml:"devices"`
	Limits     limits.Set        `koanf:"limits" yaml:"limits"`
	Experiment experiment.Config `koanf:"experiment" yaml:"experiment"`
	Script     experiment.Script `koanf:"script" yaml:"script"`
}

// DefaultConfig runs a short simulated experiment
func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		Log: LogSetup{
			Level:  "info",
			CSV:    "forcecell.csv",
			Run:    "run",
			Buffer: 1024,
		},
		Devices: Devices{
			Mode: "mock",
			Force: ForceSetup{
				Link:        Link{Transport: "tcp", Addr: "192.168.100.20:5025"},
				Calibration: sensor.Calibration{Gain: 1000},
				ZeroSamples: 10,
			},
			Motor:        MotorSetup{Addr: "192.168.100.21:2006"},
			Potentiostat: Link{Transport: "tcp", Addr: "192.168.100.22:5025"},
			Sim: SimSetup{
				Speed:       5,
				Travel:      50,
				Contact:     10,
				Stiffness:   5,
				Gain:        1000,
				Noise:       0.02,
				OCV:         3.7,
				Resistance:  0.05,
				Slope:       0.0001,
				Temperature: 25,
				Seed:        1,
			},
		},
		Limits: limits.Set{
			ForceMax:       util.Float(50),
			VoltageMin:     util.Float(2.5),
			VoltageMax:     util.Float(4.3),
			CurrentMax:     util.Float(1),
			TemperatureMax: util.Float(60),
		},
		Experiment: experiment.Config{
			Loop:   loop.DefaultConfig(),
			Gains:  pid.Gains{Kp: 0.02, Ki: 0.005, Min: -0.1, Max: 0.1},
			Safety: safety.DefaultConfig(),
		},
		Script: experiment.Script{
			Setpoint:          10,
			Tolerance:         0.5,
			Debounce:          500 * time.Millisecond,
			ApproachTimeout:   time.Minute,
			HoldDuration:      2 * time.Second,
			PositionTolerance: 0.05,
			RetractTimeout:    time.Minute,
			Steps: []experiment.Step{
				{Echem: potentiostat.Step{Technique: potentiostat.OCV, Duration: 2 * time.Second}},
				{Echem: potentiostat.Step{Technique: potentiostat.CP, Duration: 5 * time.Second, Current: 0.1, VoltageLimit: 4.2}},
			},
		},
	}
}

// NewLogger builds the process logger
func NewLogger(s LogSetup) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if s.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if s.Level != "" {
		lvl, err := zap.ParseAtomicLevel(s.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// Bench is the constructed hardware with its teardown
type Bench struct {
	Devices loop.Devices
	closers []io.Closer
	zero    func(context.Context) error
}

// Prepare homes and tares what was configured to be
func (b *Bench) Prepare(ctx context.Context) error {
	if b.zero == nil {
		return nil
	}
	return b.zero(ctx)
}

// Close releases every connection
func (b *Bench) Close() error {
	var err error
	for _, c := range b.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Maker returns the connection factory for a link
func Maker(l Link) (comm.CreationFunc, error) {
	switch strings.ToLower(l.Transport) {
	case "", "tcp":
		addr := l.Addr
		return func() (io.ReadWriteCloser, error) {
			return net.DialTimeout("tcp", addr, 3*time.Second)
		}, nil
	case "serial":
		conf := &serial.Config{Name: l.Addr, Baud: l.Baud, ReadTimeout: time.Second}
		if conf.Baud == 0 {
			conf.Baud = 9600
		}
		return func() (io.ReadWriteCloser, error) {
			p, err := serial.OpenPort(conf)
			if err != nil {
				return nil, err
			}
			return p, nil
		}, nil
	case "usbtmc":
		vid, pid := l.VID, l.PID
		return func() (io.ReadWriteCloser, error) {
			d, err := usbtmc.Open(vid, pid, scpi.Terminator)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", l.Transport)
}

// BuildBench constructs the devices named by the config
func BuildBench(d Devices, logger *zap.SugaredLogger) (*Bench, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	switch strings.ToLower(d.Mode) {
	case "", "mock":
		b := buildMock(d.Sim)
		b.prepare(d, logger)
		return b, nil
	case "hardware":
		return buildHardware(d, logger)
	}
	return nil, fmt.Errorf("unknown device mode %q", d.Mode)
}

func buildMock(s SimSetup) *Bench {
	clk := clock.New()
	stage := motion.NewStage(clk, s.Speed, 0, s.Travel)
	spring := sensor.NewSpringCell(stage, s.Contact, s.Stiffness, s.Gain, s.Noise, s.Seed)
	return &Bench{Devices: loop.Devices{
		Motor:       stage,
		Force:       &sensor.LoadCell{Src: spring, Cal: sensor.Calibration{Gain: s.Gain}},
		Instrument:  potentiostat.NewCell(clk, s.OCV, s.Resistance, s.Slope),
		Thermometer: sensor.NewBath(s.Temperature, s.Temperature, 0.1),
	}}
}

func buildHardware(d Devices, logger *zap.SugaredLogger) (*Bench, error) {
	b := &Bench{}
	motor := linmot.NewMotor(d.Motor.Addr, d.Motor.Serial)
	b.closers = append(b.closers, motor)

	fm, err := Maker(d.Force.Link)
	if err != nil {
		return nil, fmt.Errorf("force meter: %w", err)
	}
	meter := scpi.New(fm, d.Force.Link.Handshaking)
	b.closers = append(b.closers, meter)
	dmm := sensor.NewDMM(meter)
	cell := &sensor.LoadCell{Src: dmm, Cal: d.Force.Calibration}

	pm, err := Maker(d.Potentiostat)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("potentiostat: %w", err)
	}
	smu := scpi.New(pm, d.Potentiostat.Handshaking)
	b.closers = append(b.closers, smu)

	b.Devices = loop.Devices{
		Motor:      motor,
		Force:      cell,
		Instrument: potentiostat.NewSMU(smu, nil),
	}
	if d.Force.Thermocouple {
		b.Devices.Thermometer = dmm
	}
	b.prepare(d, logger)
	return b, nil
}

// prepare installs the homing and taring done by Prepare
func (b *Bench) prepare(d Devices, logger *zap.SugaredLogger) {
	home, n := d.Motor.Home, d.Force.ZeroSamples
	b.zero = func(ctx context.Context) error {
		if home {
			h, ok := b.Devices.Motor.(motion.Homer)
			if !ok {
				return fmt.Errorf("homing: motor %T has no homing sequence", b.Devices.Motor)
			}
			logger.Infow("homing motor", "mode", d.Mode)
			if err := h.Home(ctx); err != nil {
				return fmt.Errorf("homing: %w", err)
			}
		}
		if n > 0 {
			cell, ok := b.Devices.Force.(*sensor.LoadCell)
			if !ok {
				return fmt.Errorf("taring: force sensor %T cannot be tared", b.Devices.Force)
			}
			if err := cell.Zero(ctx, n, 50*time.Millisecond); err != nil {
				return fmt.Errorf("taring load cell: %w", err)
			}
			logger.Infow("load cell tared", "offset", cell.Cal.Offset)
		}
		return nil
	}
}

// OpenRunLog opens the configured run log writers behind a non-blocking
// queue.  It returns nil if no writer is configured.
func OpenRunLog(s LogSetup, logger *zap.SugaredLogger) (*runlog.Async, error) {
	var mw runlog.MultiWriter
	if s.CSV != "" {
		f, err := os.Create(s.CSV)
		if err != nil {
			return nil, err
		}
		mw = append(mw, runlog.NewCSV(f))
	}
	if s.SQLite != "" {
		db, err := runlog.OpenSQLite(s.SQLite, s.Run)
		if err != nil {
			return nil, multierr.Append(err, mw.Close())
		}
		mw = append(mw, db)
	}
	if len(mw) == 0 {
		return nil, nil
	}
	return runlog.NewAsync(mw, s.Buffer, logger), nil
}
