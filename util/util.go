// Package util contains misc internal utilities.
package util

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// UniqueString returns the unique members of a slice of strings, preserving
// the order of first appearance.
func UniqueString(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Clamp limits the input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// FloatSliceToCSV converts a slice of floats to CSV formatted data,
// using the shortest representation that round trips at the given bit size.
// e.g., []float64{0.5, -1, 0.25} => "0.5,-1,0.25"
func FloatSliceToCSV(fs []float64, bitSize int) string {
	var b strings.Builder
	// most samples are short; 8 bytes each is a fair guess
	b.Grow(len(fs) * 8)
	for i, v := range fs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, bitSize))
	}
	return b.String()
}

// Float64sToBytes packs a slice of float64 into little endian IEEE-754 bytes
func Float64sToBytes(fs []float64) []byte {
	out := make([]byte, 8*len(fs))
	for i, v := range fs {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}
