package controller

import (
	"math"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/helix-robotics/armcore"
	"github.com/helix-robotics/armcore/config"
	"github.com/helix-robotics/armcore/solver"
	"github.com/helix-robotics/armcore/transport"
	"github.com/helix-robotics/armcore/utils"
)

// Targets with a pose norm below this are treated as a client bug: nothing
// reachable sits at the base frame origin.
const minTargetPoseNorm = 0.01

// CartesianController drives the arm with end-effector commands at a 5 ms
// period. Each tick it interpolates toward the pending target, resolves the
// pose through inverse kinematics, and hands the result to the shared
// shaping and transport pipeline.
type CartesianController struct {
	*core

	solver solver.Solver

	// Guarded by cmdMu, alongside the joint command group.
	inputEEFCmd       armcore.EEFState
	outputEEFCmd      armcore.EEFState
	interpStartEEFCmd armcore.EEFState

	eeVelClipping atomic.Bool

	// Loop-goroutine only.
	posFilter    *utils.MovingAverage
	torqueFilter *utils.MovingAverage
}

// NewCartesianController connects a cartesian controller for a named model
// and starts its background loop running. Unlike the joint variant it
// requires a solver and starts with bus activity enabled.
func NewCartesianController(
	model string,
	bus transport.Bus,
	slv solver.Solver,
	logger golog.Logger,
	opts ...Option,
) (*CartesianController, error) {
	robot, err := config.ForModel(model)
	if err != nil {
		return nil, err
	}
	ctrl, err := config.ForController(config.Cartesian)
	if err != nil {
		return nil, err
	}
	return NewCartesianControllerWithConfig(robot, ctrl, bus, slv, logger, opts...)
}

// NewCartesianControllerWithConfig is NewCartesianController with explicit
// configuration records instead of a model lookup.
func NewCartesianControllerWithConfig(
	robot config.Robot,
	ctrl config.Controller,
	bus transport.Bus,
	slv solver.Solver,
	logger golog.Logger,
	opts ...Option,
) (*CartesianController, error) {
	if slv == nil {
		return nil, errors.New("a solver is required for cartesian control")
	}
	c := newCore(robot, ctrl, bus, logger, opts...)
	cc := &CartesianController{core: c, solver: slv}
	cc.gravityComp.Store(true)
	c.plan = cc.planJointCmd
	if err := c.initRobot(); err != nil {
		return nil, multierr.Combine(err, bus.Close())
	}

	state := c.State()
	cc.posFilter = utils.NewMovingAverage(armcore.NumJoints, c.filterWindow)
	cc.torqueFilter = utils.NewMovingAverage(armcore.NumJoints, c.filterWindow)
	// Prime the position filter so the first filtered IK outputs do not get
	// dragged toward zero.
	for i := 0; i < c.filterWindow; i++ {
		cc.posFilter.Filter(state.Pos[:])
	}

	seed, err := slv.ForwardKinematics(state.Pos)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "seeding EEF command from the current pose"), bus.Close())
	}
	initial := armcore.EEFState{
		Timestamp:     state.Timestamp,
		Pose6D:        seed,
		GripperPos:    state.GripperPos,
		GripperVel:    state.GripperVel,
		GripperTorque: state.GripperTorque,
	}
	c.cmdMu.Lock()
	cc.inputEEFCmd = initial
	cc.outputEEFCmd = initial
	cc.interpStartEEFCmd = initial
	c.cmdMu.Unlock()

	c.running.Store(true)
	c.startLoop()
	logger.Info("background send-recv loop is running")
	return cc, nil
}

// SetEEFCmd stores a new end-effector target. A non-zero timestamp schedules
// linear interpolation from the current output pose until that time; a zero
// timestamp takes effect immediately. Past-dated commands are ignored with a
// warning, as are gripper velocity/torque fields.
func (cc *CartesianController) SetEEFCmd(cmd armcore.EEFState) {
	if cc.emergency.Load() {
		cc.logger.Warn("controller is in the emergency state; EEF command ignored")
		return
	}
	if cmd.GripperVel != 0 || cmd.GripperTorque != 0 {
		cc.logger.Warn("gripper velocity and torque control is not supported; fields zeroed")
		cmd.GripperVel = 0
		cmd.GripperTorque = 0
	}
	if cmd.Timestamp != 0 && cmd.Timestamp < cc.Timestamp() {
		cc.logger.Warnf("EEF command timestamp %.3fs is in the past (now %.3fs); command ignored", cmd.Timestamp, cc.Timestamp())
		return
	}
	cc.cmdMu.Lock()
	defer cc.cmdMu.Unlock()
	cc.inputEEFCmd = cmd
	cc.interpStartEEFCmd = cc.outputEEFCmd
}

// EEFCmd returns the last input target and the last interpolated output.
func (cc *CartesianController) EEFCmd() (input, output armcore.EEFState) {
	cc.cmdMu.Lock()
	defer cc.cmdMu.Unlock()
	return cc.inputEEFCmd, cc.outputEEFCmd
}

// EEFState returns the end-effector view of the latest telemetry.
func (cc *CartesianController) EEFState() (armcore.EEFState, error) {
	state := cc.State()
	pose, err := cc.solver.ForwardKinematics(state.Pos)
	if err != nil {
		return armcore.EEFState{}, err
	}
	return armcore.EEFState{
		Timestamp:     state.Timestamp,
		Pose6D:        pose,
		GripperPos:    state.GripperPos,
		GripperVel:    state.GripperVel,
		GripperTorque: state.GripperTorque,
	}, nil
}

// HomePose returns the end-effector pose of the all-zero joint position.
// Clients should seed their first target from here rather than from a zero
// pose.
func (cc *CartesianController) HomePose() (armcore.Pose6, error) {
	return cc.solver.ForwardKinematics(armcore.Vec6{})
}

// SetEEVelClippingEnabled toggles per-axis clipping of the interpolated
// output pose against the configured end-effector speed limits.
func (cc *CartesianController) SetEEVelClippingEnabled(enabled bool) {
	cc.eeVelClipping.Store(enabled)
}

// EnableGravityCompensation resumes the inverse-dynamics torque
// feed-forward. It is on by default for this variant.
func (cc *CartesianController) EnableGravityCompensation() {
	cc.logger.Info("enable gravity compensation")
	cc.gravityComp.Store(true)
}

// DisableGravityCompensation stops the torque feed-forward.
func (cc *CartesianController) DisableGravityCompensation() {
	cc.logger.Info("disable gravity compensation")
	cc.gravityComp.Store(false)
}

// planJointCmd runs once per tick before shaping: interpolate the EEF
// target, guard it, resolve IK, and store the result as the next joint-space
// input command. On IK failure the previous joint command is kept.
func (cc *CartesianController) planJointCmd() {
	state := cc.State()
	now := cc.Timestamp()

	var statePose armcore.Pose6
	clipToState := false
	if cc.eeVelClipping.Load() {
		pose, err := cc.solver.ForwardKinematics(state.Pos)
		if err == nil {
			statePose = pose
			clipToState = true
		} else {
			cc.logger.Debugw("forward kinematics failed; skipping EE velocity clipping hold", "error", err)
		}
	}

	cc.cmdMu.Lock()
	in := cc.inputEEFCmd
	start := cc.interpStartEEFCmd
	prevOut := cc.outputEEFCmd

	var out armcore.EEFState
	switch {
	case in.Timestamp == 0:
		// The client opted out of interpolation.
		out = in
		out.Timestamp = now
	case now > in.Timestamp:
		// Target time has passed: hold the target.
		out = in
		out.Timestamp = now
	default:
		alpha := (now - start.Timestamp) / (in.Timestamp - start.Timestamp)
		alpha = utils.Clamp(alpha, 0, 1)
		out.Pose6D = armcore.Blend(start.Pose6D, in.Pose6D, alpha)
		out.GripperPos = (1-alpha)*start.GripperPos + alpha*in.GripperPos
		out.Timestamp = now
	}

	if cc.eeVelClipping.Load() {
		dt := cc.ctrl.Period.Seconds()
		for i := 0; i < armcore.NumJoints; i++ {
			if cc.gain.Kp[i] > 0 {
				lo := prevOut.Pose6D[i] - cc.robot.EEVelMax[i]*dt
				hi := prevOut.Pose6D[i] + cc.robot.EEVelMax[i]*dt
				if out.Pose6D[i] < lo || out.Pose6D[i] > hi {
					clipped := utils.Clamp(out.Pose6D[i], lo, hi)
					if math.Abs(out.Pose6D[i]-clipped) > gripperClipLogTolerance {
						cc.logger.Debugf("EEF axis %d clipped from %.3f to %.3f (previous %.3f)", i, out.Pose6D[i], clipped, prevOut.Pose6D[i])
					}
					out.Pose6D[i] = clipped
				}
			} else if clipToState {
				out.Pose6D[i] = statePose[i]
			}
		}
	}

	cc.outputEEFCmd = out
	gripperPos := out.GripperPos
	cc.cmdMu.Unlock()

	if out.Pose6D.IsZero() || out.Pose6D.Norm() < minTargetPoseNorm {
		cc.logger.Error("EEF command must not be near the base frame origin; seed targets from HomePose instead")
		cc.tripEmergency()
		return
	}

	jointPos, err := cc.solver.InverseKinematics(out.Pose6D, state.Pos)
	if err != nil {
		cc.logger.Debugw("inverse kinematics failed; keeping the previous joint command", "error", err)
		return
	}
	clipped := jointPos.Clamp(cc.robot.JointPosMin, cc.robot.JointPosMax)

	var cmd armcore.JointState
	copy(cmd.Pos[:], cc.posFilter.Filter(clipped[:]))
	cmd.GripperPos = gripperPos

	if cc.gravityComp.Load() {
		tau, err := cc.solver.InverseDynamics(state.Pos, armcore.Vec6{}, armcore.Vec6{})
		if err != nil {
			cc.logger.Debugw("inverse dynamics failed; skipping gravity torque this tick", "error", err)
		} else {
			copy(cmd.Torque[:], cc.torqueFilter.Filter(tau[:]))
		}
	}

	cc.cmdMu.Lock()
	cc.inputJointCmd = cmd
	cc.cmdMu.Unlock()
}

// ResetToHome blends the joint target toward the zero pose, converting each
// intermediate step to an end-effector command through forward kinematics.
func (cc *CartesianController) ResetToHome() error {
	if cc.emergency.Load() {
		return ErrEmergencyState
	}
	initState := cc.State()
	if initState.Pos.IsZero() {
		cc.running.Store(false)
		return errors.New("motor positions are not initialized; check the connection")
	}
	initGain := cc.Gain()
	targetGain := initGain
	if initGain.KpIsZero() {
		cc.logger.Info("current kp is zero, blending to the default gains")
		targetGain = cc.ctrl.DefaultGain()
	}
	var targetState armcore.JointState

	maxPosError := initState.Pos.MaxAbs()
	if g := initState.GripperPos * 2 / cc.robot.GripperWidth; g > maxPosError {
		maxPosError = g
	}
	duration := 2 * maxPosError
	if duration < 0.5 {
		duration = 0.5
	}
	steps := int(duration / cc.ctrl.Period.Seconds())
	cc.logger.Infof("start reset to home in %.3fs, max pos error: %.3f", duration+settleDuration.Seconds(), maxPosError)

	prevRunning := cc.running.Swap(true)
	for i := 0; i <= steps; i++ {
		alpha := float64(i) / float64(steps)
		if err := cc.SetGain(armcore.Blend(initGain, targetGain, alpha)); err != nil {
			cc.running.Store(prevRunning)
			return err
		}
		jointCmd := armcore.Blend(initState, targetState, alpha)
		pose, err := cc.solver.ForwardKinematics(jointCmd.Pos)
		if err != nil {
			cc.running.Store(prevRunning)
			return errors.Wrap(err, "converting the home blend to an EEF command")
		}
		cc.SetEEFCmd(armcore.EEFState{Pose6D: pose, GripperPos: jointCmd.GripperPos})
		cc.clk.Sleep(cc.ctrl.Period)
	}
	cc.clk.Sleep(settleDuration)
	cc.logger.Info("finish reset to home")
	cc.running.Store(prevRunning)
	return nil
}

// SetToDamping snaps the gains to the default damping profile and commands
// the arm to hold its measured pose, returning after it settles. Applying it
// twice is indistinguishable from applying it once.
func (cc *CartesianController) SetToDamping() error {
	if cc.emergency.Load() {
		return ErrEmergencyState
	}
	state := cc.State()
	pose, err := cc.solver.ForwardKinematics(state.Pos)
	if err != nil {
		return errors.Wrap(err, "converting the current pose to an EEF command")
	}
	cc.logger.Info("start set to damping")
	if err := cc.SetGain(armcore.Gain{Kd: cc.ctrl.DefaultKd}); err != nil {
		return err
	}
	cc.SetEEFCmd(armcore.EEFState{Pose6D: pose, GripperPos: state.GripperPos})
	cc.clk.Sleep(settleDuration)
	cc.logger.Info("finish set to damping")
	return nil
}
