package chart

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/templab/steptest/datalog"
)

// Live keeps a PNG on disk up to date with the samples it observes.  Image
// viewers that reload on change show it as a live plot.
//
// Rendering is throttled to at most one frame per interval; the frame that
// was skipped last is drawn on Close.  Live keeps its own copy of the
// samples and is meant to be fed from a single goroutine.
type Live struct {
	Path string

	rec   *datalog.Record
	lim   *rate.Limiter
	stale bool
}

// NewLive returns a Live that renders to path at most once per every and can
// hold capacity samples
func NewLive(path string, every time.Duration, capacity int) *Live {
	lim := rate.NewLimiter(rate.Inf, 1)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), 1)
	}
	return &Live{
		Path: path,
		rec:  datalog.NewRecord(capacity),
		lim:  lim}
}

// Observe adds s to the plot
func (l *Live) Observe(s datalog.Sample) error {
	if err := l.rec.Append(s); err != nil {
		return err
	}
	if !l.lim.Allow() {
		l.stale = true
		return nil
	}
	l.stale = false
	return Save(l.Path, l.rec)
}

// Len is the number of samples observed
func (l *Live) Len() int {
	return l.rec.Len()
}

// Close draws the final frame if the last sample was throttled away
func (l *Live) Close() error {
	if !l.stale {
		return nil
	}
	l.stale = false
	return Save(l.Path, l.rec)
}
