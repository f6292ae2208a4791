// Package mathx contains the numeric helpers shared by rendering and upload
// bookkeeping, chiefly the conversion of a time to a count of sample points.
package mathx

import "math"

// PointCount returns the number of sample points needed to reach time t when
// sampling with period step.  The count is floor(t/step), plus one if the
// remainder is more than half a step.
//
// t and step share a unit (ns everywhere in this module).  Negative t floors
// toward -inf before the remainder test, so PointCount(-t) need not equal
// -PointCount(t).
func PointCount(t, step float64) int {
	n := math.Floor(t / step)
	rem := t - n*step
	if rem > step/2 {
		n++
	}
	return int(n)
}

// Step returns the sample period in ns of a sample rate in Hz.
func Step(sampleRate float64) float64 {
	return 1e9 / sampleRate
}
