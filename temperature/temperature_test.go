package temperature_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/templab/steptest/temperature"
)

func ExampleCelsius_K() {
	fmt.Printf("%.2f\n", temperature.Celsius(23).K())
	// Output: 296.15
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []temperature.Celsius{-40, 0, 23, 80.5} {
		assert.InDelta(t, float64(c), float64(c.K().C()), 1e-9)
	}
}

func TestPow4(t *testing.T) {
	assert.Equal(t, 16., temperature.Kelvin(2).Pow4())
}
