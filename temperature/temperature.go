// Package temperature holds typed temperatures and the conversions between them.
package temperature

// ZeroCelsius is 0 °C expressed in Kelvin
const ZeroCelsius = Kelvin(273.15)

type (
	// Celsius is a temperature in C
	Celsius float64

	// Kelvin is a temperature in K
	Kelvin float64
)

// K converts a temperature in Celsius to Kelvin
func (c Celsius) K() Kelvin {
	return Kelvin(c) + ZeroCelsius
}

// C converts a temperature in Kelvin to Celsius
func (k Kelvin) C() Celsius {
	return Celsius(k - ZeroCelsius)
}

// Pow4 returns k^4, the quantity radiative exchange is proportional to
func (k Kelvin) Pow4() float64 {
	f := float64(k)
	f2 := f * f
	return f2 * f2
}
