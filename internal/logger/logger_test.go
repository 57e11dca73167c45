package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestToZapLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{DebugLevel, zapcore.DebugLevel},
		{InfoLevel, zapcore.InfoLevel},
		{WarnLevel, zapcore.WarnLevel},
		{ErrorLevel, zapcore.ErrorLevel},
		{"loud", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toZapLevel(tt.in), tt.in)
	}
}

func TestNewWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, WarnLevel)
	log.Infow("hidden")
	log.Warnw("heaters still on", "q1", 80.)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "heaters still on")
	assert.Contains(t, out, `"q1": 80`)
}
