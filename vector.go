// Package armcore defines the shared data model for the arm control core:
// fixed-width joint vectors, joint-space and end-effector commands, impedance
// gains, and the blending algebra used for interpolation between them.
package armcore

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// NumJoints is the number of arm joints, excluding the gripper.
const NumJoints = 6

// Vec6 is a fixed-width vector with one entry per arm joint. It is also used
// for 6D end-effector poses (x, y, z, roll, pitch, yaw).
type Vec6 [NumJoints]float64

// Pose6 is a 6D end-effector pose: x, y, z in meters followed by
// roll, pitch, yaw in radians.
type Pose6 = Vec6

// Add returns the element-wise sum v + o.
func (v Vec6) Add(o Vec6) Vec6 {
	floats.Add(v[:], o[:])
	return v
}

// Sub returns the element-wise difference v - o.
func (v Vec6) Sub(o Vec6) Vec6 {
	floats.Sub(v[:], o[:])
	return v
}

// Scale returns v multiplied element-wise by k.
func (v Vec6) Scale(k float64) Vec6 {
	floats.Scale(k, v[:])
	return v
}

// Clamp returns v with every element clamped into [lo[i], hi[i]].
func (v Vec6) Clamp(lo, hi Vec6) Vec6 {
	for i := range v {
		v[i] = math.Min(math.Max(v[i], lo[i]), hi[i])
	}
	return v
}

// Norm returns the Euclidean norm of v.
func (v Vec6) Norm() float64 {
	return floats.Norm(v[:], 2)
}

// MaxAbs returns the largest absolute element of v.
func (v Vec6) MaxAbs() float64 {
	max := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > max {
			max = a
		}
	}
	return max
}

// MaxAbsDiff returns the infinity norm of v - o.
func (v Vec6) MaxAbsDiff(o Vec6) float64 {
	return v.Sub(o).MaxAbs()
}

// IsZero reports whether every element of v is exactly zero.
func (v Vec6) IsZero() bool {
	return v == Vec6{}
}

// String formats v the way the rest of the core logs vectors.
func (v Vec6) String() string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.3f", x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
