// Package util contains misc internal utilities.
package util

// Clamp limits x to the closed interval [low, high].  NaN is returned
// unchanged; callers that cannot accept it must check first.
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}
