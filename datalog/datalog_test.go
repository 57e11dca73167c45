package datalog_test

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templab/steptest/datalog"
)

func filled(capacity, n int) *datalog.Record {
	r := datalog.NewRecord(capacity)
	for i := 0; i < n; i++ {
		r.Append(datalog.Sample{
			Time: float64(i),
			Q1:   80,
			T1:   23 + 0.1*float64(i),
			T2:   23.5,
			Set1: 23,
			Set2: 23})
	}
	return r
}

func TestAppendStopsAtCapacity(t *testing.T) {
	r := datalog.NewRecord(2)
	require.NoError(t, r.Append(datalog.Sample{Time: 0}))
	require.NoError(t, r.Append(datalog.Sample{Time: 1}))
	assert.ErrorIs(t, r.Append(datalog.Sample{Time: 2}), datalog.ErrFull)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []float64{0, 1}, r.Time())
}

func TestSequencesShareLength(t *testing.T) {
	r := filled(600, 57)
	assert.Equal(t, 600, r.Cap())
	for _, col := range [][]float64{r.Time(), r.Q1(), r.Q2(), r.T1(), r.T2(), r.Set1(), r.Set2()} {
		assert.Len(t, col, 57)
	}
	assert.Equal(t, 23+0.1*56, r.At(56).T1)
	assert.Panics(t, func() { r.At(57) })
}

func TestWriteOnlyTakenSamples(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, datalog.Write(&buf, filled(600, 57)))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 58)
	assert.Equal(t, datalog.Header, lines[0])
	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, datalog.Columns)
	assert.Equal(t, "0.000000000000000000e+00", fields[0])
	assert.Equal(t, "8.000000000000000000e+01", fields[1])
	for _, line := range lines[1:] {
		for _, f := range strings.Split(line, ",") {
			_, err := strconv.ParseFloat(f, 64)
			assert.NoError(t, err)
		}
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	in := filled(600, 57)
	require.NoError(t, datalog.WriteFile(path, in))

	out, err := datalog.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 57, out.Len())
	assert.Equal(t, 57, out.Cap())
	for i := 0; i < in.Len(); i++ {
		assert.Equal(t, in.At(i), out.At(i))
	}
}

func TestEmptyRecord(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, datalog.Write(&buf, datalog.NewRecord(10)))
	assert.Equal(t, datalog.Header+"\n", buf.String())
	r, err := datalog.Read(&buf)
	require.NoError(t, err)
	assert.Zero(t, r.Len())
}

func TestReadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "empty", body: "", want: datalog.ErrBadHeader},
		{name: "header", body: "t,q1,q2,t1,t2,s1,s2\n1,2,3,4,5,6,7\n", want: datalog.ErrBadHeader},
		{name: "short row", body: datalog.Header + "\n1,2,3\n", want: datalog.ErrColumnCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := datalog.Read(strings.NewReader(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := datalog.Read(strings.NewReader(datalog.Header + "\n1,2,3,4,5,6,x\n"))
	assert.Error(t, err)
}

func TestReadToleratesSpacesAndCRLF(t *testing.T) {
	body := datalog.Header + "\r\n0, 0, 0, 21.5, 21.7, 23, 23\r\n1, 80, 0, 21.6, 21.7, 23, 23\r\n"
	r, err := datalog.Read(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())
	assert.Equal(t, 80., r.At(1).Q1)
	assert.Equal(t, 21.7, r.At(0).T2)
}
