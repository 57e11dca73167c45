/*Package sim provides a stand-in for the lab board that can be used when no
hardware is attached.

Each heater is a lumped thermal mass that exchanges heat with the ambient
air and with the other heater by convection and radiation.  Each sensor lags
its heater with a first order response.  The model is integrated on demand:
every call advances it from the time of the previous call to now, scaled by
the speedup factor.
*/
package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/templab/steptest/tclab"
	"github.com/templab/steptest/temperature"
	"github.com/templab/steptest/util"
)

const (
	// Ambient is the air temperature the model starts at and relaxes to
	Ambient = temperature.Celsius(23)

	heatTransfer  = 10.0     // U, W/m^2-K
	mass          = 4e-3     // kg
	heatCapacity  = 500.0    // J/kg-K
	area          = 1e-3     // m^2, exposed to the air
	areaBetween   = 2e-4     // m^2, facing the other heater
	emissivity    = 0.9      // eps
	stefanBoltz   = 5.67e-8  // W/m^2-K^4
	sensorTau     = 23.0     // s
	maxStep       = 0.1      // s, Euler sub step
	heaterGain1   = 0.0100   // W per percent
	heaterGain2   = 0.0075   // W per percent
	firmwareIdent = "TCLab simulator 1.0"
)

// ErrClosed is generated when a closed Model is used
var ErrClosed = errors.New("sim: model is closed")

// Model is a simulated lab board.  It is concurrent safe.
type Model struct {
	sync.Mutex

	now     func() time.Time
	speedup float64
	last    time.Time
	closed  bool

	q      [2]float64
	heater [2]temperature.Kelvin
	sensor [2]temperature.Kelvin
	led    float64
}

// New returns a model at ambient temperature that runs speedup times faster
// than the wall clock.  speedup <= 0 is treated as 1.
func New(speedup float64) *Model {
	return NewWithClock(speedup, time.Now)
}

// NewWithClock is New with a caller supplied clock
func NewWithClock(speedup float64, now func() time.Time) *Model {
	if speedup <= 0 {
		speedup = 1
	}
	amb := Ambient.K()
	return &Model{
		now:     now,
		speedup: speedup,
		last:    now(),
		heater:  [2]temperature.Kelvin{amb, amb},
		sensor:  [2]temperature.Kelvin{amb, amb}}
}

func index(ch tclab.Channel) (int, error) {
	switch ch {
	case tclab.Channel1:
		return 0, nil
	case tclab.Channel2:
		return 1, nil
	}
	return 0, fmt.Errorf("%w, got %d", tclab.ErrBadChannel, int(ch))
}

// derivatives returns dT/dt of both heaters in K/s
func (m *Model) derivatives(t [2]temperature.Kelvin) [2]float64 {
	ta := Ambient.K()
	exchange := heatTransfer*areaBetween*float64(t[1]-t[0]) +
		emissivity*stefanBoltz*areaBetween*(t[1].Pow4()-t[0].Pow4())

	loss := func(tk temperature.Kelvin) float64 {
		return heatTransfer*area*float64(ta-tk) +
			emissivity*stefanBoltz*area*(ta.Pow4()-tk.Pow4())
	}

	mcp := mass * heatCapacity
	return [2]float64{
		(loss(t[0]) + exchange + heaterGain1*m.q[0]) / mcp,
		(loss(t[1]) - exchange + heaterGain2*m.q[1]) / mcp,
	}
}

// advance integrates the model up to the current time.  The caller must
// hold the lock.
func (m *Model) advance() {
	now := m.now()
	remaining := now.Sub(m.last).Seconds() * m.speedup
	m.last = now
	for remaining > 0 {
		dt := maxStep
		if remaining < dt {
			dt = remaining
		}
		d := m.derivatives(m.heater)
		for i := range m.heater {
			m.heater[i] += temperature.Kelvin(d[i] * dt)
			m.sensor[i] += (m.heater[i] - m.sensor[i]) * temperature.Kelvin(dt/sensorTau)
		}
		remaining -= dt
	}
}

// ReadTemperature returns the sensor temperature of ch in C
func (m *Model) ReadTemperature(ch tclab.Channel) (float64, error) {
	i, err := index(ch)
	if err != nil {
		return 0, err
	}
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.advance()
	return float64(m.sensor[i].C()), nil
}

// SetHeater sets the duty of heater ch, clamped to [0, 100] percent.  NaN is
// rejected and leaves the duty unchanged.
func (m *Model) SetHeater(ch tclab.Channel, pct float64) (float64, error) {
	i, err := index(ch)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(pct) {
		return 0, fmt.Errorf("%w: Q%d", tclab.ErrNotANumber, int(ch))
	}
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	// the old duty applies up to now
	m.advance()
	m.q[i] = util.Clamp(pct, 0, tclab.MaxPercent)
	return m.q[i], nil
}

// Heater returns the duty of heater ch in percent
func (m *Model) Heater(ch tclab.Channel) (float64, error) {
	i, err := index(ch)
	if err != nil {
		return 0, err
	}
	m.Lock()
	defer m.Unlock()
	return m.q[i], nil
}

// LED sets the indicator brightness, which the model only remembers
func (m *Model) LED(pct float64) (float64, error) {
	if math.IsNaN(pct) {
		return 0, fmt.Errorf("%w: LED", tclab.ErrNotANumber)
	}
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.led = util.Clamp(pct, 0, tclab.MaxPercent)
	return m.led, nil
}

// Version identifies the model
func (m *Model) Version() (string, error) {
	return firmwareIdent, nil
}

// Close turns the heaters off and rejects further commands.  It may be
// called more than once.
func (m *Model) Close() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil
	}
	m.advance()
	m.q = [2]float64{}
	m.closed = true
	return nil
}
