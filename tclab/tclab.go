/*Package tclab talks to the Temperature Control Lab, an Arduino shield with two
heaters and two thermistors.

The firmware speaks a line protocol over USB serial at 115200 baud.  Every
command is one line; every command is answered with one line:

	T1, T2          temperature of sensor 1 or 2 in C
	Q1 x, Q2 x      set heater 1 or 2 to x percent, answers the value applied
	R1, R2          current heater 1 or 2 percent
	LED x           indicator LED brightness in percent
	VER             firmware identification
	X               both heaters off, answers "Stop"

Heater state persists in the firmware until the next command, so callers
shall set both heaters to zero before closing the connection.
*/
package tclab

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/templab/steptest/comm"
	"github.com/templab/steptest/util"
)

const (
	// MaxPercent is the upper bound of heater and LED commands
	MaxPercent = 100.

	// DefaultPort is where the Arduino Leonardo enumerates on Linux
	DefaultPort = "/dev/ttyACM0"

	// DefaultBaud is the firmware's serial rate
	DefaultBaud = 115200
)

var (
	// ErrBadChannel is generated when a channel other than 1 or 2 is addressed
	ErrBadChannel = errors.New("tclab: channel must be 1 or 2")

	// ErrNotANumber is generated when a heater or LED command is NaN
	ErrNotANumber = errors.New("tclab: percent is NaN")
)

// Channel selects one of the two heater/sensor pairs
type Channel int

const (
	// Channel1 is heater 1 and sensor 1
	Channel1 Channel = 1

	// Channel2 is heater 2 and sensor 2
	Channel2 Channel = 2
)

func (c Channel) valid() error {
	if c != Channel1 && c != Channel2 {
		return fmt.Errorf("%w, got %d", ErrBadChannel, int(c))
	}
	return nil
}

// ConnectionError is generated when the device cannot be reached
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tclab: cannot connect to %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Config holds the parameters of the serial link
type Config struct {
	// Port is the serial device, e.g. /dev/ttyACM0 or COM3
	Port string

	// Baud is the line rate, DefaultBaud if zero
	Baud int

	// Timeout bounds each read from the device
	Timeout time.Duration

	// Settle is how long to wait after opening before the first command.
	// The Leonardo resets when the port is opened and ignores input while
	// its bootloader runs.
	Settle time.Duration
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(c Config) *serial.Config {
	baud := c.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        c.Port,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: c.Timeout}
}

// TCLab is a connection to one lab board
type TCLab struct {
	*comm.RemoteDevice

	settle time.Duration
}

// New returns a TCLab that is not yet connected
func New(c Config) *TCLab {
	rd := comm.NewRemoteDevice(c.Port, &comm.Terminators{Tx: '\n', Rx: '\n'}, makeSerConf(c))
	rd.Timeout = c.Timeout
	return &TCLab{RemoteDevice: &rd, settle: c.Settle}
}

// Open connects to the board described by c
func Open(c Config) (*TCLab, error) {
	t := New(c)
	if err := t.Open(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open establishes the connection.  Failure is a *ConnectionError.
func (t *TCLab) Open() error {
	if err := t.RemoteDevice.Open(); err != nil {
		return &ConnectionError{Port: t.Addr, Err: err}
	}
	if t.settle > 0 {
		time.Sleep(t.settle)
	}
	return nil
}

func (t *TCLab) query(cmd string) (string, error) {
	resp, err := t.SendRecv([]byte(cmd))
	if err != nil {
		return "", fmt.Errorf("tclab: %s: %w", cmd, err)
	}
	return strings.TrimSpace(string(resp)), nil
}

func (t *TCLab) queryFloat(cmd string) (float64, error) {
	resp, err := t.query(cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("tclab: %s: malformed response %q: %w", cmd, resp, err)
	}
	return f, nil
}

func formatPercent(cmd string, pct float64) (string, error) {
	if math.IsNaN(pct) {
		return "", fmt.Errorf("%w: %s", ErrNotANumber, cmd)
	}
	pct = util.Clamp(pct, 0, MaxPercent)
	return cmd + " " + strconv.FormatFloat(pct, 'f', -1, 64), nil
}

// ReadTemperature returns the last reading of sensor ch in C
func (t *TCLab) ReadTemperature(ch Channel) (float64, error) {
	if err := ch.valid(); err != nil {
		return 0, err
	}
	return t.queryFloat("T" + strconv.Itoa(int(ch)))
}

// SetHeater commands heater ch to pct percent of full power.  pct is clamped
// to [0, 100]; NaN is rejected without reaching the board.  The value the
// firmware applied is returned.
func (t *TCLab) SetHeater(ch Channel, pct float64) (float64, error) {
	if err := ch.valid(); err != nil {
		return 0, err
	}
	cmd, err := formatPercent("Q"+strconv.Itoa(int(ch)), pct)
	if err != nil {
		return 0, err
	}
	return t.queryFloat(cmd)
}

// Heater returns the current duty of heater ch in percent
func (t *TCLab) Heater(ch Channel) (float64, error) {
	if err := ch.valid(); err != nil {
		return 0, err
	}
	return t.queryFloat("R" + strconv.Itoa(int(ch)))
}

// LED sets the indicator brightness in percent, clamped to [0, 100]
func (t *TCLab) LED(pct float64) (float64, error) {
	cmd, err := formatPercent("LED", pct)
	if err != nil {
		return 0, err
	}
	return t.queryFloat(cmd)
}

// Version returns the firmware identification, e.g.
//
// TCLab Firmware 1.4.3 Arduino Leonardo
func (t *TCLab) Version() (string, error) {
	return t.query("VER")
}

// Stop turns both heaters off in the firmware
func (t *TCLab) Stop() error {
	resp, err := t.query("X")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "stop") {
		return fmt.Errorf("tclab: X: unexpected response %q", resp)
	}
	return nil
}
