package controller

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/helix-robotics/armcore"
	"github.com/helix-robotics/armcore/config"
	"github.com/helix-robotics/armcore/solver"
	"github.com/helix-robotics/armcore/transport"
	"github.com/helix-robotics/armcore/utils"
)

const (
	dampingBlendSteps = 20
	calibrateSendGap  = 400 * time.Microsecond
	calibrateSendReps = 10
)

// ConfirmFunc blocks until the operator has completed the requested manual
// step, e.g. moving a joint to its home position during calibration. It may
// return an error to abort.
type ConfirmFunc func(prompt string) error

// JointController drives the arm with joint-space impedance commands at a
// 2 ms period.
type JointController struct {
	*core

	// solverRef is optional; it enables ToolPose and gravity compensation.
	// Guarded by cmdMu.
	solverRef solver.Solver
}

// NewJointController connects a joint-space controller for a named model over
// the given bus and starts its background loop. The bus is owned by the
// controller from here on and released by Close.
func NewJointController(model string, bus transport.Bus, logger golog.Logger, opts ...Option) (*JointController, error) {
	robot, err := config.ForModel(model)
	if err != nil {
		return nil, err
	}
	ctrl, err := config.ForController(config.Joint)
	if err != nil {
		return nil, err
	}
	return NewJointControllerWithConfig(robot, ctrl, bus, logger, opts...)
}

// NewJointControllerWithConfig is NewJointController with explicit
// configuration records instead of a model lookup.
func NewJointControllerWithConfig(
	robot config.Robot,
	ctrl config.Controller,
	bus transport.Bus,
	logger golog.Logger,
	opts ...Option,
) (*JointController, error) {
	c := newCore(robot, ctrl, bus, logger, opts...)
	j := &JointController{core: c}
	c.gravityInShaper = true
	c.solverForGravity = j.currentSolver
	if err := c.initRobot(); err != nil {
		return nil, multierr.Combine(err, bus.Close())
	}
	c.startLoop()
	logger.Info("background send-recv loop is running")
	return j, nil
}

func (j *JointController) currentSolver() solver.Solver {
	j.cmdMu.Lock()
	defer j.cmdMu.Unlock()
	return j.solverRef
}

// SetJointCmd stores a new joint-space command for the next tick. Gripper
// velocity and torque fields are unsupported and zeroed with a warning.
func (j *JointController) SetJointCmd(cmd armcore.JointState) {
	j.setJointCmd(cmd)
}

// ToolPose returns the end-effector pose of the current joint state. It
// requires gravity compensation to be enabled, since that is what supplies
// the solver.
func (j *JointController) ToolPose() (armcore.Pose6, error) {
	s := j.currentSolver()
	if s == nil {
		return armcore.Pose6{}, errors.New("no solver attached; enable gravity compensation first")
	}
	return s.ForwardKinematics(j.State().Pos)
}

// EnableGravityCompensation attaches a solver and starts adding the
// inverse-dynamics gravity torque as feed-forward each tick.
func (j *JointController) EnableGravityCompensation(s solver.Solver) {
	j.logger.Info("enable gravity compensation")
	j.cmdMu.Lock()
	j.solverRef = s
	j.cmdMu.Unlock()
	j.gravityComp.Store(true)
}

// DisableGravityCompensation stops the gravity feed-forward and detaches the
// solver.
func (j *JointController) DisableGravityCompensation() {
	j.logger.Info("disable gravity compensation")
	j.gravityComp.Store(false)
	j.cmdMu.Lock()
	j.solverRef = nil
	j.cmdMu.Unlock()
}

// SendRecvOnce runs a single manual control tick. It is ignored while the
// background loop is active.
func (j *JointController) SendRecvOnce() error {
	if j.running.Load() {
		j.logger.Warn("background send-recv is running; SendRecvOnce ignored")
		return nil
	}
	if j.emergency.Load() {
		return ErrEmergencyState
	}
	if err := j.sendRecv(); err != nil {
		return err
	}
	j.overCurrentProtection()
	return nil
}

// ResetToHome blends the gains toward defaults (when kp is currently zero)
// and the joint target toward the zero pose, then holds the target while the
// arm settles. It returns once the blend is complete.
func (j *JointController) ResetToHome() error {
	if j.emergency.Load() {
		return ErrEmergencyState
	}
	initState := j.State()
	if initState.Pos.IsZero() {
		j.running.Store(false)
		return errors.New("motor positions are not initialized; check the connection")
	}
	initGain := j.Gain()
	targetGain := initGain
	if initGain.KpIsZero() {
		j.logger.Info("current kp is zero, blending to the default gains")
		targetGain = j.ctrl.DefaultGain()
	}
	var targetState armcore.JointState

	maxPosError := initState.Pos.MaxAbs()
	if g := initState.GripperPos * 2 / j.robot.GripperWidth; g > maxPosError {
		maxPosError = g
	}
	duration := 2 * maxPosError
	if duration < 0.5 {
		duration = 0.5
	}
	steps := int(duration / j.ctrl.Period.Seconds())
	j.logger.Infof("start reset to home in %.3fs, max pos error: %.3f", duration+settleDuration.Seconds(), maxPosError)

	prevRunning := j.running.Swap(true)
	for i := 0; i <= steps; i++ {
		alpha := float64(i) / float64(steps)
		cmd := armcore.Blend(initState, targetState, alpha)
		cmd.Timestamp = 0
		cmd.GripperVel = 0
		cmd.GripperTorque = 0
		j.SetJointCmd(cmd)
		if err := j.SetGain(armcore.Blend(initGain, targetGain, alpha)); err != nil {
			j.running.Store(prevRunning)
			return err
		}
		j.clk.Sleep(j.ctrl.Period)
	}
	j.clk.Sleep(settleDuration)
	j.logger.Info("finish reset to home")
	j.running.Store(prevRunning)
	return nil
}

// SetToDamping blends the gains down to the default damping profile while
// commanding the arm to hold its measured pose, then waits for it to settle.
func (j *JointController) SetToDamping() error {
	if j.emergency.Load() {
		return ErrEmergencyState
	}
	initGain := j.Gain()
	targetGain := armcore.Gain{Kd: j.ctrl.DefaultKd}
	j.logger.Info("start set to damping")

	prevRunning := j.running.Swap(true)
	for i := 0; i <= dampingBlendSteps; i++ {
		state := j.State()
		cmd := armcore.JointState{Pos: state.Pos, GripperPos: state.GripperPos}
		alpha := float64(i) / float64(dampingBlendSteps)
		if err := j.SetGain(armcore.Blend(initGain, targetGain, alpha)); err != nil {
			j.running.Store(prevRunning)
			return err
		}
		j.SetJointCmd(cmd)
		j.clk.Sleep(j.ctrl.Period)
	}
	j.clk.Sleep(settleDuration)
	j.logger.Info("finish set to damping")
	j.running.Store(prevRunning)
	return nil
}

// CalibrateGripper walks the operator through gripper calibration: the
// closed position becomes the motor zero, then the fully-open readout is
// measured and returned. The new value belongs in the robot configuration's
// gripper open readout.
func (j *JointController) CalibrateGripper(confirm ConfirmFunc) (float64, error) {
	if j.emergency.Load() {
		return 0, ErrEmergencyState
	}
	if j.robot.GripperMotorType != config.MotorDMJ4310 {
		return 0, errors.Errorf("gripper motor type %v does not support calibration", j.robot.GripperMotorType)
	}
	prevRunning := j.running.Swap(false)
	defer j.running.Store(prevRunning)
	j.clk.Sleep(time.Millisecond)

	id := j.robot.GripperMotorID
	if err := j.sendIdleDM(id); err != nil {
		return 0, err
	}
	j.logger.Info("start calibrating gripper")
	if err := confirm("fully close the gripper"); err != nil {
		return 0, err
	}
	if err := j.bus.ResetZeroReadout(id); err != nil {
		return 0, errors.Wrap(err, "resetting gripper zero readout")
	}
	j.clk.Sleep(calibrateSendGap)
	if err := j.sendIdleDM(id); err != nil {
		return 0, err
	}
	j.logger.Info("finished setting the gripper zero point")
	if err := confirm("fully open the gripper"); err != nil {
		return 0, err
	}
	if err := j.sendIdleDM(id); err != nil {
		return 0, err
	}
	readout := j.bus.MotorMsgs()[transport.GripperMotorMsgIndex].AngleRad
	j.logger.Infof("fully-open gripper readout: %.3f rad; update the configured gripper open readout to finish calibration", readout)
	return readout, nil
}

// CalibrateJoint re-zeros one joint motor at the position the operator moves
// it to. The sequence is motor-family specific.
func (j *JointController) CalibrateJoint(joint int, confirm ConfirmFunc) error {
	if j.emergency.Load() {
		return ErrEmergencyState
	}
	if joint < 0 || joint >= armcore.NumJoints {
		return errors.Errorf("joint index %d out of range [0, %d)", joint, armcore.NumJoints)
	}
	prevRunning := j.running.Swap(false)
	defer j.running.Store(prevRunning)
	j.clk.Sleep(time.Millisecond)

	id := j.robot.MotorID[joint]
	isEC := j.robot.MotorType[joint] == config.MotorECA4310
	if err := j.sendIdle(id, isEC); err != nil {
		return err
	}
	j.logger.Infof("start calibrating joint %d", joint)
	if err := confirm("move the joint to its home position"); err != nil {
		return err
	}
	if isEC {
		if err := j.bus.InitECMotorCmd(id, 0x03); err != nil {
			return errors.Wrapf(err, "zeroing joint %d", joint)
		}
	} else {
		if err := j.bus.ResetZeroReadout(id); err != nil {
			return errors.Wrapf(err, "zeroing joint %d", joint)
		}
	}
	j.clk.Sleep(calibrateSendGap)
	if err := j.sendIdle(id, isEC); err != nil {
		return err
	}
	j.logger.Infof("finished setting the zero point for joint %d", joint)
	return nil
}

func (j *JointController) sendIdleDM(id uint16) error {
	return j.sendIdle(id, false)
}

// sendIdle keeps a motor's watchdog fed with zero commands around a
// calibration step.
func (j *JointController) sendIdle(id uint16, isEC bool) error {
	for i := 0; i < calibrateSendReps; i++ {
		var err error
		if isEC {
			err = j.bus.SendECMotorCmd(id, 0, 0, 0, 0, 0)
		} else {
			err = j.bus.SendDMMotorCmd(id, 0, 0, 0, 0, 0)
		}
		if err != nil {
			return errors.Wrapf(err, "idling motor %d", id)
		}
		utils.SleepRemainder(j.clk, calibrateSendGap)
	}
	return nil
}
