package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	"github.com/templab/steptest/chart"
	"github.com/templab/steptest/datalog"
	"github.com/templab/steptest/experiment"
	"github.com/templab/steptest/internal/logger"
	"github.com/templab/steptest/sim"
	"github.com/templab/steptest/tclab"
)

// EnvPrefix marks the environment variables that override the config file.
// A double underscore separates levels, e.g. TCLAB_DEVICE__PORT.
const EnvPrefix = "TCLAB_"

// DeviceConfig selects and configures the lab board
type DeviceConfig struct {
	// Port is the serial device the board enumerates as
	Port string `koanf:"port" yaml:"port"`

	Baud int `koanf:"baud" yaml:"baud"`

	// Timeout bounds each reply from the board
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// Settle is the pause after opening the port, while the board resets
	Settle time.Duration `koanf:"settle" yaml:"settle"`

	// Simulate replaces the board with an in-process model
	Simulate bool `koanf:"simulate" yaml:"simulate"`

	// Speedup runs the model faster than real time
	Speedup float64 `koanf:"speedup" yaml:"speedup"`
}

// MarshalYAML writes durations as "2s" rather than nanoseconds
func (c DeviceConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Port     string  `yaml:"port"`
		Baud     int     `yaml:"baud"`
		Timeout  string  `yaml:"timeout"`
		Settle   string  `yaml:"settle"`
		Simulate bool    `yaml:"simulate"`
		Speedup  float64 `yaml:"speedup"`
	}{c.Port, c.Baud, c.Timeout.String(), c.Settle.String(), c.Simulate, c.Speedup}, nil
}

// ExperimentConfig is the length of the run
type ExperimentConfig struct {
	Minutes float64 `koanf:"minutes" yaml:"minutes"`
}

// OutputConfig names the files a run produces
type OutputConfig struct {
	Data string `koanf:"data" yaml:"data"`
	Plot string `koanf:"plot" yaml:"plot"`

	// Live is a PNG refreshed during the run, disabled if empty
	Live string `koanf:"live" yaml:"live"`

	// LiveEvery is the minimum time between live frames
	LiveEvery time.Duration `koanf:"liveevery" yaml:"liveevery"`
}

// MarshalYAML writes durations as "1s" rather than nanoseconds
func (c OutputConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Data      string `yaml:"data"`
		Plot      string `yaml:"plot"`
		Live      string `yaml:"live"`
		LiveEvery string `yaml:"liveevery"`
	}{c.Data, c.Plot, c.Live, c.LiveEvery.String()}, nil
}

// LogConfig sets the log verbosity
type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

// Config is the whole configuration of steptest
type Config struct {
	Device     DeviceConfig     `koanf:"device" yaml:"device"`
	Experiment ExperimentConfig `koanf:"experiment" yaml:"experiment"`
	Output     OutputConfig     `koanf:"output" yaml:"output"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
}

// Defaults is the configuration used when nothing overrides it
func Defaults() Config {
	return Config{
		Device: DeviceConfig{
			Port:    tclab.DefaultPort,
			Baud:    tclab.DefaultBaud,
			Timeout: 2 * time.Second,
			Settle:  2 * time.Second,
			Speedup: 1},
		Experiment: ExperimentConfig{Minutes: 10},
		Output: OutputConfig{
			Data:      "data.txt",
			Plot:      "resultado_prueba.png",
			LiveEvery: time.Second},
		Log: LogConfig{Level: logger.InfoLevel}}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// loadConfig layers the defaults, the YAML file at path and the environment
// into k.  A missing file is not an error.
func loadConfig(k *koanf.Koanf, path string) error {
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return fmt.Errorf("loading defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) { // file missing, who cares
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

// interruptContext is canceled by the first of sigs.  The handler is removed
// as soon as that happens, so a second signal during shutdown takes its
// default action and kills the process.
func interruptContext(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, sigs...)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

// scaledClock runs speedup times faster than the wall clock from the moment
// it is made
func scaledClock(speedup float64) func() time.Time {
	start := time.Now()
	return func() time.Time {
		elapsed := time.Since(start)
		return start.Add(time.Duration(float64(elapsed) * speedup))
	}
}

// session is a connected device and how to pace it
type session struct {
	dev   experiment.Device
	pacer experiment.Pacer
	now   func() time.Time
}

func connect(c DeviceConfig, log *logger.Logger) (session, error) {
	if c.Simulate {
		speedup := c.Speedup
		if speedup <= 0 {
			speedup = 1
		}
		now := scaledClock(speedup)
		log.Infow("using simulated device", "speedup", speedup)
		return session{
			dev:   sim.NewWithClock(1, now),
			pacer: experiment.NewPacer(time.Duration(float64(experiment.Interval) / speedup)),
			now:   now}, nil
	}

	cfg := tclab.Config{Port: c.Port, Baud: c.Baud, Timeout: c.Timeout, Settle: c.Settle}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           "connecting to " + c.Port,
		StopCharacter:     "✓",
		StopMessage:       "connected to " + c.Port,
		StopFailCharacter: "✗",
		StopFailMessage:   "could not connect to " + c.Port,
		Writer:            os.Stderr})
	if err != nil {
		// no spinner is no reason not to connect
		log.Debugw("spinner unavailable", "err", err)
		spinner = nil
	}
	if spinner != nil {
		spinner.Start()
	}
	dev, err := tclab.Open(cfg)
	if spinner != nil {
		if err != nil {
			spinner.StopFail()
		} else {
			spinner.Stop()
		}
	}
	if err != nil {
		return session{}, err
	}
	return session{dev: dev}, nil
}

// runExperiment connects, runs the step test and reports the outcome.  The
// per sample status lines go to stdout.
func runExperiment(ctx context.Context, c Config, stdout io.Writer, log *logger.Logger) (experiment.Result, error) {
	s, err := connect(c.Device, log)
	if err != nil {
		return experiment.Result{Reason: experiment.Failed}, err
	}

	sinks := []experiment.Sink{experiment.NewConsole(stdout)}
	if c.Output.Live != "" {
		sinks = append(sinks, chart.NewLive(c.Output.Live, c.Output.LiveEvery, experiment.Samples(c.Experiment.Minutes)))
	}
	exp := experiment.New(s.dev, experiment.Options{
		Minutes:  c.Experiment.Minutes,
		DataFile: c.Output.Data,
		PlotFile: c.Output.Plot,
		Sinks:    sinks,
		Pacer:    s.pacer,
		Now:      s.now,
		Log:      log})
	return exp.Run(ctx)
}

// replot renders the PNG of a saved data file
func replot(data, png string) error {
	rec, err := datalog.ReadFile(data)
	if err != nil {
		return err
	}
	return chart.Save(png, rec)
}
