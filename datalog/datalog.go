// Package datalog holds the session buffers of a step test and reads and
// writes them as delimited text.
//
// The file layout is one header line followed by one comma separated row of
// seven numbers per sample.  Numbers are written %.18e, which is what
// numpy.savetxt produces, so files stay interchangeable with existing
// analysis scripts.
package datalog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Header is the first line of every data file
const Header = "Tiempo (s), Cal1 (%), Cal2 (%), Temp1 (°C), Temp2 (°C), Set1 (°C), Set2 (°C)"

// Columns is the number of fields in every row
const Columns = 7

var (
	// ErrFull is generated when a sample is appended to a full Record
	ErrFull = errors.New("datalog: record is full")

	// ErrBadHeader is generated when a file does not begin with Header
	ErrBadHeader = errors.New("datalog: header mismatch")

	// ErrColumnCount is generated when a row does not have Columns fields
	ErrColumnCount = errors.New("datalog: wrong number of columns")
)

// Sample is one row of the log
type Sample struct {
	// Time is seconds since the first sample
	Time float64

	// Q1 and Q2 are the commanded heater duties in percent
	Q1 float64
	Q2 float64

	// T1 and T2 are the measured temperatures in C
	T1 float64
	T2 float64

	// Set1 and Set2 are the temperature setpoints in C
	Set1 float64
	Set2 float64
}

// Fields returns the sample in file column order
func (s Sample) Fields() [Columns]float64 {
	return [Columns]float64{s.Time, s.Q1, s.Q2, s.T1, s.T2, s.Set1, s.Set2}
}

// Record is a set of fixed capacity, parallel sequences indexed by sample
// number.  Index i of every sequence belongs to the same sample.  Samples are
// only ever appended.  It is not concurrent safe.
type Record struct {
	cols [Columns][]float64
	n    int
}

// NewRecord allocates a Record that holds up to capacity samples
func NewRecord(capacity int) *Record {
	if capacity < 0 {
		capacity = 0
	}
	r := &Record{}
	for i := range r.cols {
		r.cols[i] = make([]float64, capacity)
	}
	return r
}

// Append adds s at index Len()
func (r *Record) Append(s Sample) error {
	if r.n == r.Cap() {
		return ErrFull
	}
	for i, v := range s.Fields() {
		r.cols[i][r.n] = v
	}
	r.n++
	return nil
}

// Len is the number of samples taken
func (r *Record) Len() int {
	return r.n
}

// Cap is the number of samples the record can hold
func (r *Record) Cap() int {
	return len(r.cols[0])
}

// At returns sample i.  It panics if i is out of [0, Len())
func (r *Record) At(i int) Sample {
	if i < 0 || i >= r.n {
		panic(fmt.Sprintf("datalog: index %d out of range [0,%d)", i, r.n))
	}
	c := &r.cols
	return Sample{
		Time: c[0][i],
		Q1:   c[1][i],
		Q2:   c[2][i],
		T1:   c[3][i],
		T2:   c[4][i],
		Set1: c[5][i],
		Set2: c[6][i]}
}

// Time is the elapsed time of every sample taken, in s
func (r *Record) Time() []float64 { return r.cols[0][:r.n] }

// Q1 is the commanded duty of heater 1 of every sample taken, in percent
func (r *Record) Q1() []float64 { return r.cols[1][:r.n] }

// Q2 is the commanded duty of heater 2 of every sample taken, in percent
func (r *Record) Q2() []float64 { return r.cols[2][:r.n] }

// T1 is the temperature of sensor 1 of every sample taken, in C
func (r *Record) T1() []float64 { return r.cols[3][:r.n] }

// T2 is the temperature of sensor 2 of every sample taken, in C
func (r *Record) T2() []float64 { return r.cols[4][:r.n] }

// Set1 is the setpoint of channel 1 of every sample taken, in C
func (r *Record) Set1() []float64 { return r.cols[5][:r.n] }

// Set2 is the setpoint of channel 2 of every sample taken, in C
func (r *Record) Set2() []float64 { return r.cols[6][:r.n] }

func formatField(f float64) string {
	return strconv.FormatFloat(f, 'e', 18, 64)
}

// Write encodes the samples taken in r to w.  Unfilled capacity is never
// written.
func Write(w io.Writer, r *Record) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Header + "\n"); err != nil {
		return err
	}
	cw := csv.NewWriter(bw)
	row := make([]string, Columns)
	for i := 0; i < r.Len(); i++ {
		for j, v := range r.At(i).Fields() {
			row[j] = formatField(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFile writes r to a new file at path, replacing any file there
func WriteFile(path string, r *Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, r); err != nil {
		f.Close()
		return fmt.Errorf("datalog: write %s: %w", path, err)
	}
	return f.Close()
}

// Read decodes a data file.  The returned Record is exactly as long as the
// number of rows.
func Read(rd io.Reader) (*Record, error) {
	br := bufio.NewReader(rd)
	head, err := br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && head != "") {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if strings.TrimRight(head, "\r\n") != Header {
		return nil, fmt.Errorf("%w: got %q", ErrBadHeader, strings.TrimRight(head, "\r\n"))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var rows [][Columns]float64
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		line++ // header
		if len(fields) != Columns {
			return nil, fmt.Errorf("%w: line %d has %d", ErrColumnCount, line, len(fields))
		}
		var row [Columns]float64
		for i, s := range fields {
			row[i], err = strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("datalog: line %d column %d: %w", line, i+1, err)
			}
		}
		rows = append(rows, row)
	}

	r := NewRecord(len(rows))
	for _, row := range rows {
		err := r.Append(Sample{
			Time: row[0],
			Q1:   row[1],
			Q2:   row[2],
			T1:   row[3],
			T2:   row[4],
			Set1: row[5],
			Set2: row[6]})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ReadFile decodes the data file at path
func ReadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
