// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Limiter holds an optional lower and upper bound.  A nil bound is
// unconstrained.
type Limiter struct {
	Min *float64
	Max *float64
}

// Clamp returns x bounded by the limits
func (l Limiter) Clamp(x float64) float64 {
	if l.Min != nil && x < *l.Min {
		x = *l.Min
	}
	if l.Max != nil && x > *l.Max {
		x = *l.Max
	}
	return x
}

// Clamp limits x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// Finite returns true if x is neither NaN nor infinite
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Float returns a pointer to f, for populating optional bounds
func Float(f float64) *float64 {
	return &f
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
