/*Package comm provides an embeddable type for line-oriented communication with
lab hardware over a serial port.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  pass the Terminators your hardware speaks to NewRemoteDevice, or nil
		for the default (newline both ways).
	3.  write methods on your type in terms of SendRecv.

A minimal example is provided below for a sensor that responds to "T1" with
the current temperature

	import "strconv"

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		resp, err := ms.SendRecv([]byte("T1"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Terminators holds the transmission and receipt termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// DefaultTerminators terminate every message with a newline
var DefaultTerminators = Terminators{Tx: '\n', Rx: '\n'}

/*RemoteDevice has an address and can Open, Send, Recv and Close.

A RemoteDevice is concurrent-safe at the granularity of one SendRecv; a
command and its response are never interleaved with another.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is the filesystem path of the serial port, e.g. /dev/ttyACM0
	Addr string

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	// Timeout bounds a single SendRecv on connections that support
	// deadlines.  Serial ports use the ReadTimeout of their config instead.
	Timeout time.Duration

	// Maker overrides how the connection is made.  When nil, the serial
	// config is used to open the port.
	Maker CreationFunc

	// LastComm is the time of the most recent successful exchange
	LastComm time.Time

	term   Terminators
	serCfg *serial.Config
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  If term is nil,
// DefaultTerminators are used.
func NewRemoteDevice(addr string, term *Terminators, serCfg *serial.Config) RemoteDevice {
	t := DefaultTerminators
	if term != nil {
		t = *term
	}
	return RemoteDevice{
		Addr:   addr,
		term:   t,
		serCfg: serCfg}
}

// Open the connection, setting the Conn variable.  Open is a no-op if the
// device is already connected.
func (rd *RemoteDevice) Open() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		return nil
	}
	// USB serial adapters may take a moment to enumerate after a replug;
	// a port that does not exist at all is not worth waiting on
	op := func() error {
		err := rd.open()
		if err != nil && os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("open %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	switch {
	case rd.Maker != nil:
		conn, err = rd.Maker()
	case rd.serCfg != nil:
		conn, err = serial.OpenPort(rd.serCfg)
	default:
		return errors.New("no serial config or connection maker")
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable.  Closing a device that is
// not connected does nothing and returns nil.
func (rd *RemoteDevice) Close() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// Send writes data to the remote, appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.Lock()
	defer rd.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, rd.term.Tx)
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator, along with
// a carriage return immediately preceding it
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	return rd.recv()
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := rd.reader.ReadBytes(rd.term.Rx)
	if err != nil {
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{rd.term.Rx})
	if rd.term.Rx != '\r' {
		buf = bytes.TrimSuffix(buf, []byte{'\r'})
	}
	return buf, nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if conn, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(rd.Timeout))
	}
	if err := rd.send(b); err != nil {
		return nil, err
	}
	resp, err := rd.recv()
	if err != nil {
		return resp, err
	}
	rd.LastComm = time.Now()
	return resp, nil
}
