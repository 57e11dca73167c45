/*Package experiment runs the open loop heater step test.

A run samples both temperatures once per Interval for a fixed number of
samples, applying StepProfile to the heaters.  However the run ends, the same
shutdown runs once: both heaters to zero, device closed, the samples taken so
far written to the data file and the plot snapshot saved.

A canceled context is an interruption: the run stops at its next pacing
wait, shuts down, and Run returns a nil error.  Any other failure shuts down
the same way, and is then returned.

Pacing is best effort.  Each sample waits until one Interval has passed since
the previous sample was started; an iteration that overruns is followed
immediately by the next one, and the lost time is not made up.
*/
package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/templab/steptest/chart"
	"github.com/templab/steptest/datalog"
	"github.com/templab/steptest/internal/logger"
	"github.com/templab/steptest/tclab"
)

// Device is the lab board a run drives.  *tclab.TCLab and *sim.Model
// satisfy it.
type Device interface {
	ReadTemperature(tclab.Channel) (float64, error)
	SetHeater(tclab.Channel, float64) (float64, error)
	LED(float64) (float64, error)
	Version() (string, error)
	Close() error
}

// Pacer blocks until the next sample is due, or the context is done.
// *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer returns a Pacer releasing one sample per interval.  The first
// sample is released immediately; a late sample releases the next at once.
func NewPacer(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

// State is the phase of a run
type State int

const (
	// Idle is a run that has not started
	Idle State = iota

	// Running is sampling
	Running

	// Stopping is shutting the device down and persisting data
	Stopping

	// Done is finished
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ExitReason is why a run stopped sampling
type ExitReason int

const (
	// Completed is a run that took every sample
	Completed ExitReason = iota

	// Interrupted is a run whose context was canceled
	Interrupted

	// Failed is a run that hit an error
	Failed
)

func (r ExitReason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// Options configure a run
type Options struct {
	// Minutes is the length of the run; one sample per Interval
	Minutes float64

	// DataFile is where the samples are written at the end of the run,
	// skipped if empty
	DataFile string

	// PlotFile is where the plot snapshot is saved at the end of the run,
	// skipped if empty
	PlotFile string

	// Sinks observe every sample as it is taken
	Sinks []Sink

	// Pacer paces the samples, NewPacer(Interval) if nil
	Pacer Pacer

	// Now is the clock used to time stamp samples, time.Now if nil
	Now func() time.Time

	// Log is where progress is logged, discarded if nil
	Log *logger.Logger
}

// Result is the outcome of a run
type Result struct {
	// Record holds every sample taken
	Record *datalog.Record

	// Reason is why sampling stopped
	Reason ExitReason
}

// Experiment is one step test on one device
type Experiment struct {
	dev     Device
	opts    Options
	log     *logger.Logger
	profile []Command
	rec     *datalog.Record

	mu    sync.Mutex
	state State
}

// New prepares a run of opts on dev.  The Experiment owns dev from here on
// and closes it at the end of Run.
func New(dev Device, opts Options) *Experiment {
	if opts.Pacer == nil {
		opts.Pacer = NewPacer(Interval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	n := Samples(opts.Minutes)
	return &Experiment{
		dev:     dev,
		opts:    opts,
		log:     log,
		profile: StepProfile(n),
		rec:     datalog.NewRecord(n)}
}

// State returns the phase the run is in
func (e *Experiment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Experiment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.log.Debugw("state", "state", s)
}

// Run samples until the profile is exhausted, ctx is canceled, or an error
// occurs, then shuts down.  Run may only be called once.
func (e *Experiment) Run(ctx context.Context) (res Result, err error) {
	if e.State() != Idle {
		return Result{Record: e.rec, Reason: Failed}, errors.New("experiment: Run called twice")
	}
	e.setState(Running)
	b := newBus(e.opts.Sinks, e.rec.Cap(), e.log)

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("experiment: panic: %v", p)
		}
		e.setState(Stopping)
		res.Reason = exitReason(err)
		res.Record = e.rec
		b.close()
		cerr := e.shutdown(res.Reason)
		if res.Reason == Interrupted {
			err = cerr
		} else {
			err = multierr.Append(err, cerr)
		}
		e.setState(Done)
		if p != nil {
			panic(p)
		}
	}()

	if err = e.prepare(); err != nil {
		return
	}
	err = e.sample(ctx, b)
	return
}

func exitReason(err error) ExitReason {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Interrupted
	}
	return Failed
}

func (e *Experiment) prepare() error {
	ver, err := e.dev.Version()
	if err != nil {
		return fmt.Errorf("experiment: firmware version: %w", err)
	}
	e.log.Infow("connected", "firmware", ver)
	if _, err := e.dev.LED(100); err != nil {
		return fmt.Errorf("experiment: LED: %w", err)
	}
	e.log.Infow("starting step test", "samples", e.rec.Cap(), "step_at", StepIndex, "step_duty", StepDuty)
	return nil
}

// pace waits for the next sample.  It only fails when ctx is done, and then
// returns ctx.Err().
func (e *Experiment) pace(ctx context.Context) error {
	err := e.opts.Pacer.Wait(ctx)
	if err == nil {
		return ctx.Err()
	}
	if ctx.Err() == nil {
		// a limiter refuses a wait that would outlast the deadline
		if _, ok := ctx.Deadline(); !ok {
			return fmt.Errorf("experiment: pacing: %w", err)
		}
		<-ctx.Done()
	}
	return ctx.Err()
}

func (e *Experiment) sample(ctx context.Context, b *bus) error {
	var start time.Time
	for i := 0; i < e.rec.Cap(); i++ {
		if err := e.pace(ctx); err != nil {
			return err
		}
		now := e.opts.Now()
		if i == 0 {
			start = now
		}

		t1, err := e.dev.ReadTemperature(tclab.Channel1)
		if err != nil {
			return fmt.Errorf("experiment: sample %d: T1: %w", i, err)
		}
		t2, err := e.dev.ReadTemperature(tclab.Channel2)
		if err != nil {
			return fmt.Errorf("experiment: sample %d: T2: %w", i, err)
		}

		cmd := e.profile[i]
		if _, err := e.dev.SetHeater(tclab.Channel1, cmd.Q1); err != nil {
			return fmt.Errorf("experiment: sample %d: Q1: %w", i, err)
		}
		if _, err := e.dev.SetHeater(tclab.Channel2, cmd.Q2); err != nil {
			return fmt.Errorf("experiment: sample %d: Q2: %w", i, err)
		}

		s := datalog.Sample{
			Time: now.Sub(start).Seconds(),
			Q1:   cmd.Q1,
			Q2:   cmd.Q2,
			T1:   t1,
			T2:   t2,
			Set1: Setpoint,
			Set2: Setpoint}
		if err := e.rec.Append(s); err != nil {
			return err
		}
		b.publish(s)
	}
	return nil
}

// shutdown turns the heaters off, closes the device and persists the run.
// Every step is attempted regardless of the ones before it.
func (e *Experiment) shutdown(reason ExitReason) error {
	switch reason {
	case Interrupted:
		e.log.Infow("stopped by user, turning heaters off and closing the connection", "samples", e.rec.Len())
	case Failed:
		e.log.Errorw("run failed, turning heaters off and closing the connection", "samples", e.rec.Len())
	default:
		e.log.Infow("step test complete", "samples", e.rec.Len())
	}

	var err error
	for _, ch := range []tclab.Channel{tclab.Channel1, tclab.Channel2} {
		if _, herr := e.dev.SetHeater(ch, 0); herr != nil {
			err = multierr.Append(err, fmt.Errorf("experiment: heater %d off: %w", int(ch), herr))
		}
	}
	if cerr := e.dev.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("experiment: close device: %w", cerr))
	}

	if e.opts.DataFile != "" {
		if werr := datalog.WriteFile(e.opts.DataFile, e.rec); werr != nil {
			err = multierr.Append(err, werr)
		} else {
			e.log.Infow("data saved", "path", e.opts.DataFile, "rows", e.rec.Len())
		}
	}
	if e.opts.PlotFile != "" {
		if perr := chart.Save(e.opts.PlotFile, e.rec); perr != nil {
			err = multierr.Append(err, perr)
		} else {
			e.log.Infow("plot saved", "path", e.opts.PlotFile)
		}
	}
	return err
}
