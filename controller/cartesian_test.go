package controller

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/helix-robotics/armcore"
	"github.com/helix-robotics/armcore/config"
	fakesolver "github.com/helix-robotics/armcore/solver/fake"
	fakebus "github.com/helix-robotics/armcore/transport/fake"
	"github.com/helix-robotics/armcore/utils"
)

// newTestCartesian assembles a cartesian controller without its background
// loop so tests can step the planner by hand against a mock clock.
func newTestCartesian(t *testing.T) (*CartesianController, *fakebus.Bus, *clock.Mock, *fakesolver.Solver) {
	t.Helper()
	robot, ctrl := testConfigs(t, config.Cartesian)
	bus := fakebus.NewBus()
	mock := clock.NewMock()
	c := newCore(robot, ctrl, bus, golog.NewTestLogger(t), WithClock(mock))
	slv := fakesolver.NewSolver()
	cc := &CartesianController{core: c, solver: slv}
	cc.posFilter = utils.NewMovingAverage(armcore.NumJoints, 1)
	cc.torqueFilter = utils.NewMovingAverage(armcore.NumJoints, 1)
	c.plan = cc.planJointCmd

	state := armcore.JointState{Pos: armcore.Vec6{0.2, 0.1, 0.1, 0, 0, 0}, GripperPos: 0.02}
	setState(c, state)
	// After bring-up the output command tracks the measured state (kp off).
	setCmds(c, armcore.JointState{}, armcore.JointState{Pos: state.Pos, GripperPos: state.GripperPos})
	pose, err := slv.ForwardKinematics(state.Pos)
	test.That(t, err, test.ShouldBeNil)
	initial := armcore.EEFState{Pose6D: pose, GripperPos: state.GripperPos}
	c.cmdMu.Lock()
	cc.inputEEFCmd = initial
	cc.outputEEFCmd = initial
	cc.interpStartEEFCmd = initial
	c.cmdMu.Unlock()
	return cc, bus, mock, slv
}

func TestPlannerImmediateTarget(t *testing.T) {
	cc, _, mock, _ := newTestCartesian(t)
	mock.Add(time.Second)

	target := armcore.EEFState{Pose6D: armcore.Pose6{1, 0, 0.5, 0, 0, 0}, GripperPos: 0.04}
	cc.SetEEFCmd(target)
	cc.planJointCmd()

	_, out := cc.EEFCmd()
	test.That(t, out.Pose6D, test.ShouldResemble, target.Pose6D)
	test.That(t, out.Timestamp, test.ShouldAlmostEqual, 1.0)

	// Identity IK: the joint command is the pose.
	in, _ := cc.JointCmd()
	test.That(t, in.Pos, test.ShouldResemble, target.Pose6D)
	test.That(t, in.GripperPos, test.ShouldEqual, 0.04)
}

func TestPlannerInterpolation(t *testing.T) {
	cc, _, mock, _ := newTestCartesian(t)

	// One tick refreshes the output command's timestamp to now.
	mock.Add(time.Second)
	cc.planJointCmd()
	test.That(t, cc.EmergencyTripped(), test.ShouldBeFalse)

	start, _ := cc.EEFCmd()
	target := armcore.EEFState{
		Timestamp:  cc.Timestamp() + 1.0,
		Pose6D:     armcore.Pose6{1, 0.1, 0.1, 0, 0, 0},
		GripperPos: 0.06,
	}
	cc.SetEEFCmd(target)

	// Halfway to the target time the output is the midpoint.
	mock.Add(500 * time.Millisecond)
	cc.planJointCmd()
	_, out := cc.EEFCmd()
	test.That(t, out.Pose6D[0], test.ShouldAlmostEqual, 0.5*start.Pose6D[0]+0.5*target.Pose6D[0], 1e-9)
	test.That(t, out.Pose6D[1], test.ShouldAlmostEqual, 0.5*start.Pose6D[1]+0.5*target.Pose6D[1], 1e-9)
	test.That(t, out.GripperPos, test.ShouldAlmostEqual, 0.5*0.02+0.5*0.06, 1e-9)
	test.That(t, out.Timestamp, test.ShouldAlmostEqual, 1.5)

	// Every interpolated pose is a convex combination of the endpoints.
	for i := 0; i < armcore.NumJoints; i++ {
		lo := start.Pose6D[i]
		hi := target.Pose6D[i]
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo == hi {
			// Equal endpoints leave a single admissible value.
			test.That(t, out.Pose6D[i], test.ShouldEqual, lo)
			continue
		}
		test.That(t, out.Pose6D[i], test.ShouldBeBetweenOrEqual, lo, hi)
	}

	// Past the target time the output holds the target.
	mock.Add(time.Second)
	cc.planJointCmd()
	_, out = cc.EEFCmd()
	test.That(t, out.Pose6D, test.ShouldResemble, target.Pose6D)
	test.That(t, out.Timestamp, test.ShouldAlmostEqual, 2.5)
}

func TestPlannerRetargetsFromCurrentOutput(t *testing.T) {
	cc, _, mock, _ := newTestCartesian(t)
	mock.Add(time.Second)
	cc.planJointCmd()

	first := armcore.EEFState{Timestamp: cc.Timestamp() + 1.0, Pose6D: armcore.Pose6{1, 0.1, 0.1, 0, 0, 0}}
	cc.SetEEFCmd(first)
	mock.Add(500 * time.Millisecond)
	cc.planJointCmd()
	_, mid := cc.EEFCmd()

	// A new future target anchors interpolation at the current output.
	second := armcore.EEFState{Timestamp: cc.Timestamp() + 1.0, Pose6D: armcore.Pose6{0.2, 0.5, 0.1, 0, 0, 0}}
	cc.SetEEFCmd(second)
	cc.cmdMu.Lock()
	anchor := cc.interpStartEEFCmd
	cc.cmdMu.Unlock()
	test.That(t, anchor.Pose6D, test.ShouldResemble, mid.Pose6D)

	mock.Add(500 * time.Millisecond)
	cc.planJointCmd()
	_, out := cc.EEFCmd()
	test.That(t, out.Pose6D[0], test.ShouldAlmostEqual, 0.5*anchor.Pose6D[0]+0.5*second.Pose6D[0], 1e-9)
}

func TestSetEEFCmdRejectsPastTimestamp(t *testing.T) {
	cc, _, mock, _ := newTestCartesian(t)
	mock.Add(2 * time.Second)

	before, _ := cc.EEFCmd()
	cc.SetEEFCmd(armcore.EEFState{Timestamp: 1.0, Pose6D: armcore.Pose6{1, 1, 1, 0, 0, 0}})
	after, _ := cc.EEFCmd()
	test.That(t, after, test.ShouldResemble, before)
}

func TestSetEEFCmdZeroesGripperVelTorque(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)

	cc.SetEEFCmd(armcore.EEFState{
		Pose6D:        armcore.Pose6{1, 0, 0, 0, 0, 0},
		GripperVel:    0.5,
		GripperTorque: 1.0,
	})
	in, _ := cc.EEFCmd()
	test.That(t, in.GripperVel, test.ShouldEqual, 0.0)
	test.That(t, in.GripperTorque, test.ShouldEqual, 0.0)
}

func TestPlannerZeroPoseGuard(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)

	cc.cmdMu.Lock()
	cc.inputEEFCmd = armcore.EEFState{}
	cc.cmdMu.Unlock()

	cc.planJointCmd()
	test.That(t, cc.EmergencyTripped(), test.ShouldBeTrue)

	// Commands are refused once tripped.
	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{1, 0, 0, 0, 0, 0}})
	in, _ := cc.EEFCmd()
	test.That(t, in.Pose6D.IsZero(), test.ShouldBeTrue)
}

func TestPlannerNearZeroPoseGuard(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)

	cc.cmdMu.Lock()
	cc.inputEEFCmd = armcore.EEFState{Pose6D: armcore.Pose6{0.001, 0.002, 0, 0, 0, 0}}
	cc.cmdMu.Unlock()

	cc.planJointCmd()
	test.That(t, cc.EmergencyTripped(), test.ShouldBeTrue)
}

func TestPlannerIKFailureKeepsCommand(t *testing.T) {
	cc, _, mock, slv := newTestCartesian(t)
	mock.Add(time.Second)
	cc.planJointCmd()
	before, _ := cc.JointCmd()

	slv.SetIKFail(true)
	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{1, 0, 0, 0, 0, 0}})
	cc.planJointCmd()

	in, _ := cc.JointCmd()
	test.That(t, in, test.ShouldResemble, before)
	test.That(t, cc.EmergencyTripped(), test.ShouldBeFalse)

	// IK recovering picks the target back up.
	slv.SetIKFail(false)
	cc.planJointCmd()
	in, _ = cc.JointCmd()
	test.That(t, in.Pos[0], test.ShouldAlmostEqual, 1.0)
}

func TestPlannerClampsIKToJointLimits(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)

	// Identity IK would return 3.0 for joint 0; the limit is 2.618.
	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{3.0, 0.1, 0.1, 0, 0, 0}})
	cc.planJointCmd()
	in, _ := cc.JointCmd()
	test.That(t, in.Pos[0], test.ShouldEqual, 2.618)
}

func TestPlannerGravityCompensation(t *testing.T) {
	cc, _, _, slv := newTestCartesian(t)
	cc.gravityComp.Store(true)
	tau := armcore.Vec6{0.5, 1, 1.5, 0.2, 0.1, 0}
	slv.SetGravityTorque(tau)

	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{1, 0.1, 0.1, 0, 0, 0}})
	cc.planJointCmd()
	in, _ := cc.JointCmd()
	test.That(t, in.Torque, test.ShouldResemble, tau)

	cc.DisableGravityCompensation()
	cc.planJointCmd()
	in, _ = cc.JointCmd()
	test.That(t, in.Torque, test.ShouldResemble, armcore.Vec6{})
}

func TestPlannerPositionFilter(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)
	cc.posFilter = utils.NewMovingAverage(armcore.NumJoints, 2)

	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{1, 0.1, 0.1, 0, 0, 0}})
	cc.planJointCmd()
	in, _ := cc.JointCmd()
	// First sample: mean over one insert.
	test.That(t, in.Pos[0], test.ShouldAlmostEqual, 1.0)

	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{2, 0.1, 0.1, 0, 0, 0}})
	cc.planJointCmd()
	in, _ = cc.JointCmd()
	test.That(t, in.Pos[0], test.ShouldAlmostEqual, 1.5)
}

func TestPlannerEEVelClipping(t *testing.T) {
	cc, _, mock, _ := newTestCartesian(t)
	cc.SetEEVelClippingEnabled(true)
	setGainDirect(cc.core, fullKpGain())
	mock.Add(time.Second)
	cc.planJointCmd()
	_, prev := cc.EEFCmd()

	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{1, 0.1, 0.1, 0, 0, 0}})
	cc.planJointCmd()

	_, out := cc.EEFCmd()
	// ee_vel_max[0] * dt = 0.6 * 0.005
	test.That(t, out.Pose6D[0], test.ShouldAlmostEqual, prev.Pose6D[0]+0.003, 1e-9)
}

func TestPlannerEEVelClippingHoldsWithKpOff(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)
	cc.SetEEVelClippingEnabled(true)
	// Gain stays all-zero kp: clipping pins the pose to the measured one.

	cc.SetEEFCmd(armcore.EEFState{Pose6D: armcore.Pose6{1, 0.3, 0.3, 0, 0, 0}})
	cc.planJointCmd()

	_, out := cc.EEFCmd()
	statePose, err := cc.solver.ForwardKinematics(cc.State().Pos)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Pose6D, test.ShouldResemble, statePose)
}

func TestCartesianSetToDampingIdempotent(t *testing.T) {
	cc, _, mock, _ := newTestCartesian(t)
	setGainDirect(cc.core, fullKpGain())

	stop := autoAdvance(mock)
	err := cc.SetToDamping()
	test.That(t, err, test.ShouldBeNil)
	gainOnce := cc.Gain()
	inOnce, _ := cc.EEFCmd()

	err = cc.SetToDamping()
	stop()
	test.That(t, err, test.ShouldBeNil)
	gainTwice := cc.Gain()
	inTwice, _ := cc.EEFCmd()

	test.That(t, gainTwice, test.ShouldResemble, gainOnce)
	inOnce.Timestamp = 0
	inTwice.Timestamp = 0
	test.That(t, inTwice, test.ShouldResemble, inOnce)
	test.That(t, gainOnce.KpIsZero(), test.ShouldBeTrue)
	test.That(t, gainOnce.Kd, test.ShouldResemble, cc.ctrl.DefaultKd)
}

func TestCartesianResetToHome(t *testing.T) {
	cc, _, mock, slv := newTestCartesian(t)
	// Give the home pose a realistic non-origin location.
	offset := armcore.Vec6{0.3, 0, 0.2, 0, 0, 0}
	slv.SetFKOffset(offset)

	stop := autoAdvance(mock)
	err := cc.ResetToHome()
	stop()
	test.That(t, err, test.ShouldBeNil)

	in, _ := cc.EEFCmd()
	// The final target is the home pose: FK of the zero joint vector.
	test.That(t, in.Pose6D[0], test.ShouldAlmostEqual, offset[0], 1e-9)
	test.That(t, in.Pose6D[2], test.ShouldAlmostEqual, offset[2], 1e-9)
	test.That(t, in.GripperPos, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, cc.Gain().Kp, test.ShouldResemble, cc.ctrl.DefaultKp)
}

func TestHomePose(t *testing.T) {
	cc, _, _, slv := newTestCartesian(t)
	slv.SetFKOffset(armcore.Vec6{0.3, 0, 0.2, 0, 0, 0})
	pose, err := cc.HomePose()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldResemble, armcore.Pose6{0.3, 0, 0.2, 0, 0, 0})
}

func TestEEFStateView(t *testing.T) {
	cc, _, _, _ := newTestCartesian(t)
	state := armcore.JointState{
		Timestamp:     3.5,
		Pos:           armcore.Vec6{0.1, 0.2, 0.3, 0, 0, 0},
		GripperPos:    0.05,
		GripperVel:    0.01,
		GripperTorque: 0.2,
	}
	setState(cc.core, state)

	eef, err := cc.EEFState()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eef.Timestamp, test.ShouldEqual, 3.5)
	test.That(t, eef.Pose6D, test.ShouldResemble, state.Pos)
	test.That(t, eef.GripperPos, test.ShouldEqual, 0.05)
	test.That(t, eef.GripperTorque, test.ShouldEqual, 0.2)
}
