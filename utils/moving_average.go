// Package utils holds the small numeric and timing helpers shared across the
// control core.
package utils

import "gonum.org/v1/gonum/floats"

// MovingAverage is a windowed mean filter over fixed-dimension vectors,
// backed by a ring buffer and a running sum. A window size of 1 is a
// passthrough. Until the window has filled, the mean is taken over the
// samples inserted so far.
type MovingAverage struct {
	dim        int
	windowSize int
	window     [][]float64
	sum        []float64
	index      int
	count      int
}

// NewMovingAverage returns a filter over dim-dimensional vectors with the
// given window size.
func NewMovingAverage(dim, windowSize int) *MovingAverage {
	if windowSize < 1 {
		windowSize = 1
	}
	m := &MovingAverage{dim: dim, windowSize: windowSize}
	m.Reset()
	return m
}

// Reset clears the window and the running sum.
func (m *MovingAverage) Reset() {
	m.index = 0
	m.count = 0
	m.sum = make([]float64, m.dim)
	m.window = make([][]float64, m.windowSize)
	for i := range m.window {
		m.window[i] = make([]float64, m.dim)
	}
}

// WindowSize returns the current window capacity.
func (m *MovingAverage) WindowSize() int {
	return m.windowSize
}

// SetWindowSize reallocates the window to n samples and resets the filter.
func (m *MovingAverage) SetWindowSize(n int) {
	if n < 1 {
		n = 1
	}
	m.windowSize = n
	m.Reset()
}

// Filter inserts v and returns the windowed mean. The returned slice is
// freshly allocated.
func (m *MovingAverage) Filter(v []float64) []float64 {
	floats.Sub(m.sum, m.window[m.index])
	floats.Add(m.sum, v)
	copy(m.window[m.index], v)
	m.index = (m.index + 1) % m.windowSize
	if m.count < m.windowSize {
		m.count++
	}
	out := make([]float64, m.dim)
	copy(out, m.sum)
	floats.Scale(1/float64(m.count), out)
	return out
}
