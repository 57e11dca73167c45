package tclab_test

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templab/steptest/tclab"
)

// firmware is a stand-in for the Arduino sketch.  It records every line it
// receives.
type firmware struct {
	mu    sync.Mutex
	lines []string
	q     [2]float64
	temps [2]float64
	led   float64

	// garble makes temperature reads answer with text
	garble bool
}

func (f *firmware) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		f.mu.Lock()
		f.lines = append(f.lines, line)
		resp := f.handle(line)
		f.mu.Unlock()
		io.WriteString(conn, resp+"\r\n")
	}
}

func (f *firmware) handle(line string) string {
	fields := strings.Fields(line)
	arg := 0.
	if len(fields) == 2 {
		arg, _ = strconv.ParseFloat(fields[1], 64)
	}
	switch fields[0] {
	case "T1":
		if f.garble {
			return "not a number"
		}
		return fmt.Sprintf("%.2f", f.temps[0])
	case "T2":
		return fmt.Sprintf("%.2f", f.temps[1])
	case "Q1":
		f.q[0] = arg
		return fmt.Sprintf("%.1f", arg)
	case "Q2":
		f.q[1] = arg
		return fmt.Sprintf("%.1f", arg)
	case "R1":
		return fmt.Sprintf("%.1f", f.q[0])
	case "R2":
		return fmt.Sprintf("%.1f", f.q[1])
	case "LED":
		f.led = arg
		return fmt.Sprintf("%.1f", arg)
	case "VER":
		return "TCLab Firmware 1.4.3 Arduino Leonardo"
	case "X":
		f.q = [2]float64{}
		return "Stop"
	}
	return "?"
}

func (f *firmware) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func connect(t *testing.T) (*tclab.TCLab, *firmware) {
	t.Helper()
	fw := &firmware{temps: [2]float64{23.15, 24.5}}
	lab := tclab.New(tclab.Config{Port: "pipe", Timeout: time.Second})
	lab.Maker = func() (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go fw.serve(server)
		return client, nil
	}
	require.NoError(t, lab.Open())
	t.Cleanup(func() { lab.Close() })
	return lab, fw
}

func TestReadTemperature(t *testing.T) {
	lab, _ := connect(t)
	t1, err := lab.ReadTemperature(tclab.Channel1)
	require.NoError(t, err)
	assert.Equal(t, 23.15, t1)
	t2, err := lab.ReadTemperature(tclab.Channel2)
	require.NoError(t, err)
	assert.Equal(t, 24.5, t2)
}

func TestSetHeaterClamps(t *testing.T) {
	lab, fw := connect(t)
	tests := []struct {
		name string
		ch   tclab.Channel
		in   float64
		sent string
		want float64
		err  error
	}{
		{name: "step", ch: tclab.Channel1, in: 80, sent: "Q1 80", want: 80},
		{name: "fraction", ch: tclab.Channel2, in: 12.5, sent: "Q2 12.5", want: 12.5},
		{name: "above", ch: tclab.Channel1, in: 150, sent: "Q1 100", want: 100},
		{name: "below", ch: tclab.Channel2, in: -3, sent: "Q2 0", want: 0},
		{name: "nan", ch: tclab.Channel1, in: math.NaN(), err: tclab.ErrNotANumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(fw.received())
			got, err := lab.SetHeater(tt.ch, tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Len(t, fw.received(), before, "nothing may reach the board")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			lines := fw.received()
			assert.Equal(t, tt.sent, lines[len(lines)-1])
		})
	}
	q1, err := lab.Heater(tclab.Channel1)
	require.NoError(t, err)
	assert.Equal(t, 100., q1)
}

func TestBadChannel(t *testing.T) {
	lab, fw := connect(t)
	_, err := lab.ReadTemperature(3)
	assert.ErrorIs(t, err, tclab.ErrBadChannel)
	_, err = lab.SetHeater(0, 50)
	assert.ErrorIs(t, err, tclab.ErrBadChannel)
	_, err = lab.Heater(-1)
	assert.ErrorIs(t, err, tclab.ErrBadChannel)
	assert.Empty(t, fw.received())
}

func TestVersionLEDAndStop(t *testing.T) {
	lab, fw := connect(t)
	ver, err := lab.Version()
	require.NoError(t, err)
	assert.Equal(t, "TCLab Firmware 1.4.3 Arduino Leonardo", ver)

	led, err := lab.LED(100)
	require.NoError(t, err)
	assert.Equal(t, 100., led)
	_, err = lab.LED(math.NaN())
	assert.ErrorIs(t, err, tclab.ErrNotANumber)

	_, err = lab.SetHeater(tclab.Channel1, 80)
	require.NoError(t, err)
	require.NoError(t, lab.Stop())
	assert.Equal(t, []string{"VER", "LED 100", "Q1 80", "X"}, fw.received())
	q1, err := lab.Heater(tclab.Channel1)
	require.NoError(t, err)
	assert.Zero(t, q1)
}

func TestMalformedResponse(t *testing.T) {
	lab, fw := connect(t)
	fw.mu.Lock()
	fw.garble = true
	fw.mu.Unlock()
	_, err := lab.ReadTemperature(tclab.Channel1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a number")
}

func TestCloseTwice(t *testing.T) {
	lab, _ := connect(t)
	require.NoError(t, lab.Close())
	require.NoError(t, lab.Close())
	_, err := lab.ReadTemperature(tclab.Channel1)
	assert.Error(t, err)
}

func TestOpenUnreachable(t *testing.T) {
	port := filepath.Join(t.TempDir(), "ttyACM0")
	_, err := tclab.Open(tclab.Config{Port: port})
	require.Error(t, err)
	var ce *tclab.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, port, ce.Port)
}
