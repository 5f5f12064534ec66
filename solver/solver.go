// Package solver defines the kinematics and dynamics interface consumed by
// the control core. URDF parsing and the FK/IK/ID numerics live behind it.
package solver

import "github.com/helix-robotics/armcore"

// Solver resolves between joint space and end-effector space for one arm.
// Implementations must be safe for concurrent use: the control loop calls
// the solver every tick while client calls such as EEFState, HomePose,
// ResetToHome and ToolPose call ForwardKinematics from their own goroutine.
type Solver interface {
	// ForwardKinematics returns the end-effector pose realized by the given
	// joint positions.
	ForwardKinematics(jointPos armcore.Vec6) (armcore.Pose6, error)

	// InverseKinematics returns joint positions realizing the target pose,
	// seeded with the current joint positions. An error means no solution was
	// found this call; the caller is expected to retry on a later tick.
	InverseKinematics(target armcore.Pose6, seed armcore.Vec6) (armcore.Vec6, error)

	// InverseDynamics returns the joint torques required to realize the given
	// accelerations at the given state. Called with zero velocity and zero
	// acceleration it yields the gravity-compensation torque.
	InverseDynamics(jointPos, jointVel, jointAcc armcore.Vec6) (armcore.Vec6, error)
}
