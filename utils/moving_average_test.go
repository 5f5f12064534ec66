package utils

import (
	"testing"

	"go.viam.com/test"
)

func TestMovingAveragePassthrough(t *testing.T) {
	f := NewMovingAverage(3, 1)
	out := f.Filter([]float64{1, 2, 3})
	test.That(t, out, test.ShouldResemble, []float64{1, 2, 3})
	out = f.Filter([]float64{-4, 0, 4})
	test.That(t, out, test.ShouldResemble, []float64{-4, 0, 4})
}

func TestMovingAveragePartialWindow(t *testing.T) {
	f := NewMovingAverage(2, 4)
	// Until the window fills, the mean is over the samples inserted so far.
	out := f.Filter([]float64{4, 8})
	test.That(t, out, test.ShouldResemble, []float64{4, 8})
	out = f.Filter([]float64{0, 0})
	test.That(t, out, test.ShouldResemble, []float64{2, 4})
	out = f.Filter([]float64{2, 4})
	test.That(t, out[0], test.ShouldAlmostEqual, 2)
	test.That(t, out[1], test.ShouldAlmostEqual, 4)
}

func TestMovingAverageRollsOver(t *testing.T) {
	f := NewMovingAverage(1, 2)
	f.Filter([]float64{2})
	f.Filter([]float64{4})
	// Third insert evicts the first sample.
	out := f.Filter([]float64{6})
	test.That(t, out[0], test.ShouldAlmostEqual, 5)
}

func TestMovingAverageReset(t *testing.T) {
	f := NewMovingAverage(1, 3)
	f.Filter([]float64{9})
	f.Reset()
	out := f.Filter([]float64{1})
	test.That(t, out[0], test.ShouldAlmostEqual, 1)
}

func TestMovingAverageSetWindowSize(t *testing.T) {
	f := NewMovingAverage(1, 1)
	f.Filter([]float64{100})
	f.SetWindowSize(2)
	test.That(t, f.WindowSize(), test.ShouldEqual, 2)
	// Resizing drops the history.
	out := f.Filter([]float64{10})
	test.That(t, out[0], test.ShouldAlmostEqual, 10)
	out = f.Filter([]float64{20})
	test.That(t, out[0], test.ShouldAlmostEqual, 15)
}

func TestMovingAverageMinimumWindow(t *testing.T) {
	f := NewMovingAverage(1, 0)
	test.That(t, f.WindowSize(), test.ShouldEqual, 1)
	out := f.Filter([]float64{7})
	test.That(t, out[0], test.ShouldAlmostEqual, 7)
}
