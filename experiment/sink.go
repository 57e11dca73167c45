package experiment

import (
	"fmt"
	"io"
	"sync"

	"github.com/templab/steptest/datalog"
	"github.com/templab/steptest/internal/logger"
)

// Sink consumes the samples of a run as they are taken.  Observe is called
// from a single goroutine, in sample order.  A Sink that also implements
// io.Closer is closed after the last sample.
type Sink interface {
	Observe(datalog.Sample) error
}

// bus fans samples out to sinks.  Each sink has its own goroutine and a
// channel deep enough to hold every sample of the run, so publish never
// blocks the sampling loop and no sample is dropped.
type bus struct {
	chans []chan datalog.Sample
	wg    sync.WaitGroup
}

func newBus(sinks []Sink, depth int, log *logger.Logger) *bus {
	b := &bus{}
	for _, s := range sinks {
		ch := make(chan datalog.Sample, depth)
		b.chans = append(b.chans, ch)
		b.wg.Add(1)
		go func(s Sink, ch <-chan datalog.Sample) {
			defer b.wg.Done()
			for sample := range ch {
				if err := s.Observe(sample); err != nil {
					log.Warnw("sample consumer failed", "sink", fmt.Sprintf("%T", s), "t", sample.Time, "err", err)
				}
			}
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					log.Warnw("closing sample consumer", "sink", fmt.Sprintf("%T", s), "err", err)
				}
			}
		}(s, ch)
	}
	return b
}

func (b *bus) publish(s datalog.Sample) {
	for _, ch := range b.chans {
		ch <- s
	}
}

// close ends every sink's stream and waits for them to drain
func (b *bus) close() {
	for _, ch := range b.chans {
		close(ch)
	}
	b.wg.Wait()
}

// Console prints one fixed width status line per sample
type Console struct {
	w      io.Writer
	header bool
}

// NewConsole returns a Console printing to w
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Observe prints s, preceded by the column header on the first call
func (c *Console) Observe(s datalog.Sample) error {
	if !c.header {
		c.header = true
		if _, err := fmt.Fprintf(c.w, "%6s %6s %6s %7s %7s\n", "t(s)", "Q1(%)", "Q2(%)", "T1(°C)", "T2(°C)"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(c.w, "%6.1f %6.2f %6.2f %7.2f %7.2f\n", s.Time, s.Q1, s.Q2, s.T1, s.T2)
	return err
}
