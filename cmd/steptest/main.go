package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/knadh/koanf"

	"github.com/templab/steptest/internal/logger"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "steptest.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	if err := loadConfig(k, ConfigFileName); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func root() {
	str := `steptest runs an open loop step test on a TCLab temperature control board.
Heater 1 steps from 0 to 80% after ten seconds, heater 2 stays off, and both
temperatures are logged once a second.

Usage:
	steptest <command>

Commands:
	run
	replot <data file> [png]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `steptest is amenable to configuration via its .yaml file, steptest.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
steptest mkconf writes the defaults there to start from.

Every key can be overridden from the environment with the TCLAB_ prefix and a
double underscore between levels, e.g.
	TCLAB_DEVICE__PORT=COM3
	TCLAB_DEVICE__SIMULATE=true
	TCLAB_EXPERIMENT__MINUTES=2

At the end of a run, however it ends, both heaters are turned off and the
samples taken so far are written to output.data and plotted to output.plot.
Ctrl+C ends a run early; that is not an error.

Without a board, set device.simulate to run against a thermal model.
device.speedup makes the model, and the run, that many times faster.

steptest replot redraws the plot of a data file written by an earlier run.`
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
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("steptest version %v\n", Version)
}

func run() int {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	lg := logger.New(c.Log.Level)
	defer lg.Sync()

	ctx, stop := interruptContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runExperiment(ctx, c, os.Stdout, lg)
	if err != nil {
		lg.Errorw("step test failed", "reason", res.Reason, "err", err)
		return 1
	}
	lg.Infow("step test finished", "reason", res.Reason, "samples", res.Record.Len())
	return 0
}

func runReplot(args []string) {
	if len(args) < 1 || len(args) > 2 {
		log.Fatal("usage: steptest replot <data file> [png]")
	}
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	png := c.Output.Plot
	if len(args) == 2 {
		png = args[1]
	}
	if err := replot(args[0], png); err != nil {
		log.Fatal(err)
	}
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
		os.Exit(run())
	case "replot":
		runReplot(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
