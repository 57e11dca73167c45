package experiment

import (
	"math"
	"time"
)

const (
	// Interval is the nominal time between samples
	Interval = time.Second

	// StepIndex is the first sample at which heater 1 is on
	StepIndex = 10

	// StepDuty is the duty of heater 1 from StepIndex on, in percent
	StepDuty = 80.

	// Setpoint is the constant temperature setpoint recorded for both
	// channels, in C.  It is logged only; nothing regulates to it.
	Setpoint = 23.
)

// Command is the heater duty pair applied at one sample
type Command struct {
	Q1 float64
	Q2 float64
}

// StepProfile returns the open loop heater commands for n samples: both
// heaters off for the first StepIndex samples, then heater 1 at StepDuty.
// Heater 2 stays off throughout.
func StepProfile(n int) []Command {
	if n < 0 {
		n = 0
	}
	p := make([]Command, n)
	for i := StepIndex; i < n; i++ {
		p[i].Q1 = StepDuty
	}
	return p
}

// Samples is the number of samples in a run of the given duration at one
// sample per Interval
func Samples(minutes float64) int {
	if minutes <= 0 {
		return 0
	}
	return int(math.Round(minutes * float64(time.Minute/Interval)))
}
