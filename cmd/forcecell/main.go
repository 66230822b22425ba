package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"
	yml "gopkg.in/yaml.v2"

	"github.com/echemlab/forcecell/experiment"
	"github.com/echemlab/forcecell/loop"
	"github.com/echemlab/forcecell/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "forcecell.yml"
	k              *koanf.Koanf
)

// newKoanf layers the file at path over the defaults.  A missing file is
// not an error.
func newKoanf(path string) (*koanf.Koanf, error) {
	kk := koanf.New(".")
	if err := kk.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, err
	}
	if err := kk.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}
	return kk, nil
}

func unmarshal(kk *koanf.Koanf) (Config, error) {
	c := Config{}
	err := kk.Unmarshal("", &c)
	return c, err
}

func setupconfig() {
	var err error
	k, err = newKoanf(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
}

func root() {
	str := `forcecell holds an electrochemical cell at a commanded force with a linear
motor while a potentiostat runs a script of electrochemical steps.  Every
sample is checked against safety limits and any violation stops the motor.

Usage:
	forcecell <command>

Commands:
	run
	serve
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `forcecell is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

mkconf writes the defaults to forcecell.yml, a simulated bench running a
short script.  Set Devices.Mode to "hardware" to drive real instruments.

run executes the script once and exits.  serve does the same, then keeps the
HTTP interface up until interrupted so the run can be inspected and reset.

Hardware:
- Motor: LinMot style ASCII drive over TCP or RS232
- Force: load cell bridge read by a SCPI multimeter (ratio measurement),
  optionally with a type K thermocouple on the same meter
- Potentiostat: SCPI source-measure unit; CP, CA and OCV steps

SCPI instruments are reached over "tcp", "serial", or "usbtmc" transports.

HTTP routes:
	GET  /status, /transitions, /samples?n=100, /limits, /metrics
	POST /abort, /reset, /lock`
	fmt.Println(str)
}

func mkconf() {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, _ := unmarshal(k)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("forcecell version %v\n", Version)
}

func run(linger bool) {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	lg, err := NewLogger(c.Log)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = execute(ctx, c, lg.Sugar(), linger)
	stop()
	lg.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func execute(ctx context.Context, c Config, logger *zap.SugaredLogger, linger bool) error {
	bench, err := BuildBench(c.Devices, logger.Named("bench"))
	if err != nil {
		logger.Errorw("building bench", "err", err)
		return err
	}
	defer bench.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := loop.NewMetrics(reg)
	if err != nil {
		return err
	}
	opts := []experiment.Option{
		experiment.WithLogger(logger.Named("experiment")),
		experiment.WithMetrics(metrics),
	}
	rl, err := OpenRunLog(c.Log, logger.Named("runlog"))
	if err != nil {
		logger.Errorw("opening run log", "err", err)
		return err
	}
	if rl != nil {
		defer rl.Close()
		opts = append(opts, experiment.WithSink(rl))
	}
	o, err := experiment.New(bench.Devices, c.Experiment, opts...)
	if err != nil {
		logger.Errorw("bad experiment config", "err", err)
		return err
	}

	if c.Addr != "" {
		hs := &http.Server{Addr: c.Addr, Handler: server.New(o, reg, logger.Named("http")).Handler()}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("http server failed", "err", err)
			}
		}()
		logger.Infow("now listening for requests", "addr", c.Addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(sctx)
		}()
	}

	if err := bench.Prepare(ctx); err != nil {
		logger.Errorw("preparing bench", "err", err)
		return err
	}
	if err := o.Start(ctx, c.Limits, c.Script); err != nil {
		logger.Errorw("starting experiment", "err", err)
		return err
	}

	spin := newSpinner()
	done := make(chan struct{})
	go watch(spin, o, done)
	runErr := o.Run(ctx)
	close(done)
	if spin != nil {
		if runErr == nil {
			spin.StopMessage("completed")
			spin.Stop()
		} else {
			spin.StopFailMessage(runErr.Error())
			spin.StopFail()
		}
	}
	if runErr != nil {
		logger.Errorw("run aborted", "err", runErr)
	} else {
		logger.Infow("run completed", "transitions", len(o.Transitions()))
	}

	if linger && c.Addr != "" && ctx.Err() == nil {
		logger.Infow("run over, serving until interrupted")
		<-ctx.Done()
	}
	return runErr
}

// newSpinner returns nil if the terminal cannot show one
func newSpinner() *yacspin.Spinner {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " ",
		Message:           experiment.Approach.String(),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil
	}
	if err := spin.Start(); err != nil {
		return nil
	}
	return spin
}

func watch(spin *yacspin.Spinner, o *experiment.Orchestrator, done <-chan struct{}) {
	if spin == nil {
		return
	}
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			spin.Message(status(o.Snapshot()))
		}
	}
}

func status(s experiment.Snapshot) string {
	msg := s.Phase.String()
	if s.Phase == experiment.ElectrochemicalStep {
		msg += fmt.Sprintf(" %d/%d", s.Step+1, s.Steps)
	}
	return fmt.Sprintf("%s  F=%.2f N  V=%.3f V  I=%.3f A  x=%.3f mm",
		msg, s.Last.Force, s.Last.Voltage, s.Last.Current, s.Last.Position)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run(false)
		return
	case "serve":
		run(true)
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
