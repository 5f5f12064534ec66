// Package fake implements an identity solver for tests: poses and joint
// vectors are the same six numbers.
package fake

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/helix-robotics/armcore"
)

// Solver is an identity solver.Solver. FK returns the joint vector as a
// pose, IK returns the pose as a joint vector, and ID returns a settable
// constant torque.
type Solver struct {
	mu            sync.Mutex
	gravityTorque armcore.Vec6
	fkOffset      armcore.Vec6
	ikFail        bool
	ikCalls       int
}

// NewSolver returns an identity solver.
func NewSolver() *Solver {
	return &Solver{}
}

// SetFKOffset adds a constant pose offset to ForwardKinematics and subtracts
// it in InverseKinematics, so the all-zero joint pose maps to a non-origin
// home pose the way a real arm's does.
func (s *Solver) SetFKOffset(offset armcore.Vec6) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fkOffset = offset
}

// SetGravityTorque sets the torque returned by InverseDynamics.
func (s *Solver) SetGravityTorque(tau armcore.Vec6) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gravityTorque = tau
}

// SetIKFail makes InverseKinematics fail until cleared.
func (s *Solver) SetIKFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ikFail = fail
}

// IKCalls returns how many times InverseKinematics was invoked.
func (s *Solver) IKCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ikCalls
}

// ForwardKinematics implements solver.Solver.
func (s *Solver) ForwardKinematics(jointPos armcore.Vec6) (armcore.Pose6, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jointPos.Add(s.fkOffset), nil
}

// InverseKinematics implements solver.Solver.
func (s *Solver) InverseKinematics(target armcore.Pose6, seed armcore.Vec6) (armcore.Vec6, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ikCalls++
	if s.ikFail {
		return armcore.Vec6{}, errors.New("no solution")
	}
	return target.Sub(s.fkOffset), nil
}

// InverseDynamics implements solver.Solver.
func (s *Solver) InverseDynamics(jointPos, jointVel, jointAcc armcore.Vec6) (armcore.Vec6, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gravityTorque, nil
}
