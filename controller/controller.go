// Package controller implements the real-time control core for a 6-DoF arm
// with a single-DoF gripper. Two variants share one control-loop skeleton:
// JointController accepts joint-space commands, CartesianController accepts
// end-effector commands and resolves them through a kinematics solver.
//
// Each controller owns exactly one background goroutine, the control loop.
// Client calls and the loop synchronize through two independent mutexes, one
// for commands and gains, one for telemetry. Apart from the construction-time
// warm-up and JointController.SendRecvOnce (which runs only while the loop's
// bus activity is disabled), the loop is the only writer of the shaped output
// command and of the joint state.
package controller

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/helix-robotics/armcore"
	"github.com/helix-robotics/armcore/config"
	"github.com/helix-robotics/armcore/solver"
	"github.com/helix-robotics/armcore/transport"
	"github.com/helix-robotics/armcore/utils"
)

// ErrEmergencyState is returned by operations refused because the controller
// tripped into the emergency damping state. The state is terminal: the loop
// keeps re-issuing the damping command and the process must be restarted.
var ErrEmergencyState = errors.New("controller is in the emergency damping state; restart the process to recover")

const (
	// Per-motor send is padded to this budget so frames stay spaced on the bus.
	motorSendBudget = 150 * time.Microsecond
	// Tick overruns beyond this are logged.
	maxTickOverrun = 500 * time.Microsecond
	// Raising kp from zero is refused when the command is further than this
	// from the measured position.
	kpJumpThreshold = 0.2 // rad
	// Telemetry warm-up on construction.
	warmupTicks    = 10
	warmupInterval = 5 * time.Millisecond
	// Settle time after reset-to-home and set-to-damping blends.
	settleDuration = 500 * time.Millisecond
	// Settle time under damping gains before the loop is torn down.
	teardownSettle = 2 * time.Second

	gripperPosTolerance     = 0.005 // m
	gripperClipLogTolerance = 0.001 // m
)

// Option configures a controller at construction.
type Option func(*core)

// WithClock substitutes the clock used for timestamps and sleeps.
func WithClock(clk clock.Clock) Option {
	return func(c *core) {
		c.clk = clk
	}
}

// WithFilterWindow sets the moving-average window applied to IK outputs and
// gravity-compensation torque in the cartesian variant. 1 (the default) is a
// passthrough.
func WithFilterWindow(n int) Option {
	return func(c *core) {
		c.filterWindow = n
	}
}

// core is the controller skeleton shared by both variants.
type core struct {
	robot  config.Robot
	ctrl   config.Controller
	bus    transport.Bus
	logger golog.Logger
	clk    clock.Clock

	filterWindow int

	// cmdMu guards the command group: input/output joint commands, the gain,
	// and (in the cartesian variant) the EEF command triple.
	cmdMu          sync.Mutex
	inputJointCmd  armcore.JointState
	outputJointCmd armcore.JointState
	gain           armcore.Gain

	// stateMu guards the telemetry snapshot. Never held together with cmdMu.
	stateMu    sync.Mutex
	jointState armcore.JointState

	running     atomic.Bool
	gravityComp atomic.Bool
	emergency   atomic.Bool
	closed      atomic.Bool

	// Loop goroutine, or SendRecvOnce while the loop's bus activity is
	// disabled.
	overCurrentCount int

	// gravityInShaper adds the feed-forward gravity torque during shaping
	// (joint variant; the cartesian variant adds it while planning).
	gravityInShaper bool
	// plan, when set, derives the next joint command before shaping
	// (cartesian variant).
	plan func()
	// solverForGravity returns the solver used for the shaping-time gravity
	// torque, nil when unavailable.
	solverForGravity func() solver.Solver

	startTime time.Time

	cancelCtx               context.Context
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

func newCore(robot config.Robot, ctrl config.Controller, bus transport.Bus, logger golog.Logger, opts ...Option) *core {
	cancelCtx, cancel := context.WithCancel(context.Background())
	c := &core{
		robot:        robot,
		ctrl:         ctrl,
		bus:          bus,
		logger:       logger,
		clk:          clock.New(),
		filterWindow: 1,
		cancelCtx:    cancelCtx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.clk.Now()
	return c
}

// initRobot enables the DM-family motors, sets damping gains, and runs a few
// manual ticks so every motor position is populated before the loop starts.
func (c *core) initRobot() error {
	for i, mt := range c.robot.MotorType {
		if mt == config.MotorDMJ4310 || mt == config.MotorDMJ4340 {
			if err := c.bus.EnableDMMotor(c.robot.MotorID[i]); err != nil {
				return errors.Wrapf(err, "enabling joint %d motor", i)
			}
			c.clk.Sleep(time.Millisecond)
		}
	}
	if c.robot.GripperMotorType == config.MotorDMJ4310 {
		if err := c.bus.EnableDMMotor(c.robot.GripperMotorID); err != nil {
			return errors.Wrap(err, "enabling gripper motor")
		}
		c.clk.Sleep(time.Millisecond)
	}

	c.cmdMu.Lock()
	c.inputJointCmd = armcore.JointState{}
	c.gain = armcore.Gain{Kd: c.ctrl.DefaultKd}
	c.cmdMu.Unlock()

	for i := 0; i <= warmupTicks; i++ {
		if err := c.sendRecv(); err != nil {
			return errors.Wrap(err, "telemetry warm-up")
		}
		c.clk.Sleep(warmupInterval)
	}
	if c.State().Pos.IsZero() {
		return errors.New("none of the motors are initialized; check the connection and power of the arm")
	}
	return nil
}

func (c *core) startLoop() {
	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(c.runLoop, c.activeBackgroundWorkers.Done)
}

// runLoop is the fixed-rate background task. Once the emergency state is
// entered it degenerates into re-issuing the damping command forever and
// never observes teardown.
func (c *core) runLoop() {
	period := c.ctrl.Period
	for {
		if c.emergency.Load() {
			c.reassertDamping()
			if err := c.sendRecv(); err != nil {
				c.logger.Errorw("send failed in emergency state", "error", err)
			}
			c.clk.Sleep(period)
			continue
		}
		if c.cancelCtx.Err() != nil {
			return
		}
		start := c.clk.Now()
		if c.running.Load() {
			c.tick()
			if c.emergency.Load() {
				continue
			}
		}
		elapsed := c.clk.Since(start)
		if remainder := period - elapsed; remainder > 0 {
			if !goutils.SelectContextOrWait(c.cancelCtx, remainder) {
				return
			}
		} else if -remainder > maxTickOverrun {
			c.logger.Debugf("control tick is running too slow, took %v", elapsed)
		}
	}
}

// tick runs one control period: safety, planning, shaping, transport.
func (c *core) tick() {
	c.overCurrentProtection()
	if c.emergency.Load() {
		return
	}
	c.checkJointStateSanity()
	if c.emergency.Load() {
		return
	}
	if c.plan != nil {
		c.plan()
		if c.emergency.Load() {
			return
		}
	}
	if err := c.sendRecv(); err != nil {
		c.logger.Errorw("motor send failed; tick aborted", "error", err)
	}
}

// sendRecv shapes the output command, emits it motor by motor, then ingests
// the telemetry snapshot. Transport I/O happens outside both mutexes.
func (c *core) sendRecv() error {
	c.updateOutputCmd()

	c.cmdMu.Lock()
	out := c.outputJointCmd
	gain := c.gain
	c.cmdMu.Unlock()

	for i := 0; i < armcore.NumJoints; i++ {
		sendStart := c.clk.Now()
		mt := c.robot.MotorType[i]
		tc := mt.TorqueConstant()
		var err error
		switch mt {
		case config.MotorECA4310:
			err = c.bus.SendECMotorCmd(c.robot.MotorID[i], gain.Kp[i], gain.Kd[i], out.Pos[i], out.Vel[i], out.Torque[i]/tc)
		case config.MotorDMJ4310, config.MotorDMJ4340:
			err = c.bus.SendDMMotorCmd(c.robot.MotorID[i], gain.Kp[i], gain.Kd[i], out.Pos[i], out.Vel[i], out.Torque[i]/tc)
		default:
			return errors.Errorf("unsupported motor type %v on joint %d", mt, i)
		}
		if err != nil {
			return errors.Wrapf(err, "sending joint %d command", i)
		}
		utils.SleepRemainder(c.clk, motorSendBudget-c.clk.Since(sendStart))
	}

	if c.robot.GripperMotorType == config.MotorDMJ4310 {
		sendStart := c.clk.Now()
		gripperMotorPos := out.GripperPos / c.robot.GripperWidth * c.robot.GripperOpenReadout
		if err := c.bus.SendDMMotorCmd(c.robot.GripperMotorID, gain.GripperKp, gain.GripperKd, gripperMotorPos, 0, 0); err != nil {
			return errors.Wrap(err, "sending gripper command")
		}
		utils.SleepRemainder(c.clk, motorSendBudget-c.clk.Since(sendStart))
	}

	msgs := c.bus.MotorMsgs()

	var state armcore.JointState
	for i, idx := range transport.ArmMotorMsgIndex {
		msg := msgs[idx]
		state.Pos[i] = msg.AngleRad
		state.Vel[i] = msg.SpeedRadPerSec
		tc := c.robot.MotorType[i].TorqueConstant()
		if c.robot.MotorType[i] == config.MotorECA4310 {
			// The EC readback applies the torque constant twice. The squared
			// factor matches what the arms actually report; the extra factor
			// is unexplained and deliberately kept.
			state.Torque[i] = msg.CurrentAmps * tc * tc
		} else {
			state.Torque[i] = msg.CurrentAmps * tc
		}
	}
	gripperMsg := msgs[transport.GripperMotorMsgIndex]
	gripperScale := c.robot.GripperWidth / c.robot.GripperOpenReadout
	state.GripperPos = gripperMsg.AngleRad * gripperScale
	state.GripperVel = gripperMsg.SpeedRadPerSec * gripperScale
	state.GripperTorque = gripperMsg.CurrentAmps * config.MotorDMJ4310.TorqueConstant()
	state.Timestamp = c.Timestamp()

	c.stateMu.Lock()
	c.jointState = state
	c.stateMu.Unlock()
	return nil
}

// updateOutputCmd shapes the input command into the output command actually
// sent this tick: velocity clipping, gripper handling, then position and
// torque clamps. Every invariant the transport sees is enforced here.
func (c *core) updateOutputCmd() {
	state := c.State()

	var gravity armcore.Vec6
	addGravity := false
	if c.gravityInShaper && c.gravityComp.Load() {
		if s := c.solverForGravity(); s != nil {
			tau, err := s.InverseDynamics(state.Pos, armcore.Vec6{}, armcore.Vec6{})
			if err != nil {
				c.logger.Debugw("inverse dynamics failed; skipping gravity torque this tick", "error", err)
			} else {
				gravity = tau
				addGravity = true
			}
		}
	}

	dt := c.ctrl.Period.Seconds()

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	prev := c.outputJointCmd
	in := c.inputJointCmd
	out := in
	if addGravity {
		out.Torque = out.Torque.Add(gravity)
	}

	// Joint velocity clipping; with kp off the command follows the arm.
	for i := 0; i < armcore.NumJoints; i++ {
		if c.gain.Kp[i] > 0 {
			delta := in.Pos[i] - prev.Pos[i]
			maxStep := c.robot.JointVelMax[i] * dt
			if math.Abs(delta) > maxStep {
				out.Pos[i] = prev.Pos[i] + utils.Sign(delta)*maxStep
				c.logger.Debugf("joint %d pos %.3f cmd clipped: %.3f to %.3f", i, state.Pos[i], in.Pos[i], out.Pos[i])
			}
		} else {
			out.Pos[i] = state.Pos[i]
		}
	}

	// Gripper velocity clipping.
	if c.gain.GripperKp > 0 {
		delta := in.GripperPos - prev.GripperPos
		if math.Abs(delta)/dt > c.robot.GripperVelMax {
			out.GripperPos = prev.GripperPos + utils.Sign(delta)*c.robot.GripperVelMax*dt
			if math.Abs(in.GripperPos-out.GripperPos) >= gripperClipLogTolerance {
				c.logger.Debugf("gripper pos cmd clipped: %.3f to %.3f", in.GripperPos, out.GripperPos)
			}
		}
	} else {
		out.GripperPos = state.GripperPos
	}

	// Gripper torque hold: refuse to keep pushing into a blocked gripper.
	// Positive gripper torque is closing effort, so closing (a decreasing
	// position command) is blocked while the torque is positive and opening
	// while it is negative.
	if math.Abs(state.GripperTorque) > c.robot.GripperTorqueMax/2 {
		if (out.GripperPos-prev.GripperPos)*utils.Sign(state.GripperTorque) < 0 {
			c.logger.Debug("gripper torque is too large, gripper pos cmd is not updated")
			out.GripperPos = prev.GripperPos
		}
	}

	// Joint position clamp.
	for i := 0; i < armcore.NumJoints; i++ {
		if out.Pos[i] < c.robot.JointPosMin[i] {
			c.logger.Debugf("joint %d pos %.3f cmd clamped from %.3f to min %.3f", i, state.Pos[i], out.Pos[i], c.robot.JointPosMin[i])
			out.Pos[i] = c.robot.JointPosMin[i]
		} else if out.Pos[i] > c.robot.JointPosMax[i] {
			c.logger.Debugf("joint %d pos %.3f cmd clamped from %.3f to max %.3f", i, state.Pos[i], out.Pos[i], c.robot.JointPosMax[i])
			out.Pos[i] = c.robot.JointPosMax[i]
		}
	}

	// Gripper position clamp.
	if out.GripperPos < 0 {
		if out.GripperPos < -gripperPosTolerance {
			c.logger.Debugf("gripper pos cmd clamped from %.3f to 0", out.GripperPos)
		}
		out.GripperPos = 0
	} else if out.GripperPos > c.robot.GripperWidth {
		if out.GripperPos > c.robot.GripperWidth+gripperPosTolerance {
			c.logger.Debugf("gripper pos cmd clamped from %.3f to max %.3f", out.GripperPos, c.robot.GripperWidth)
		}
		out.GripperPos = c.robot.GripperWidth
	}

	// Torque clamp.
	for i := 0; i < armcore.NumJoints; i++ {
		if out.Torque[i] > c.robot.JointTorqueMax[i] {
			c.logger.Debugf("joint %d torque cmd clamped from %.3f to max %.3f", i, out.Torque[i], c.robot.JointTorqueMax[i])
			out.Torque[i] = c.robot.JointTorqueMax[i]
		} else if out.Torque[i] < -c.robot.JointTorqueMax[i] {
			c.logger.Debugf("joint %d torque cmd clamped from %.3f to min %.3f", i, out.Torque[i], -c.robot.JointTorqueMax[i])
			out.Torque[i] = -c.robot.JointTorqueMax[i]
		}
	}

	c.outputJointCmd = out
}

// overCurrentProtection counts consecutive over-current ticks and trips the
// emergency state when the counter exceeds the configured maximum.
func (c *core) overCurrentProtection() {
	state := c.State()
	over := false
	for i := 0; i < armcore.NumJoints; i++ {
		if math.Abs(state.Torque[i]) > c.robot.JointTorqueMax[i] {
			over = true
			c.logger.Errorf("over current detected once on joint %d, torque: %.3f", i, state.Torque[i])
			break
		}
	}
	if math.Abs(state.GripperTorque) > c.robot.GripperTorqueMax {
		over = true
		c.logger.Errorf("over current detected once on gripper, torque: %.3f", state.GripperTorque)
	}
	if !over {
		c.overCurrentCount = 0
		return
	}
	c.overCurrentCount++
	if c.overCurrentCount > c.ctrl.OverCurrentCountMax {
		c.logger.Error("over current persisted, robot is set to damping; restart the process")
		c.tripEmergency()
	}
}

// checkJointStateSanity trips the emergency state on telemetry or commands
// that cannot be real: positions far outside the joint range, absurd torque
// readings, or a gripper reading outside its physical travel.
func (c *core) checkJointStateSanity() {
	state := c.State()
	c.cmdMu.Lock()
	in := c.inputJointCmd
	c.cmdMu.Unlock()

	for i := 0; i < armcore.NumJoints; i++ {
		lo := c.robot.JointPosMin[i] - math.Pi
		hi := c.robot.JointPosMax[i] + math.Pi
		if state.Pos[i] < lo || state.Pos[i] > hi {
			c.logger.Errorf("joint %d pos data error: %.3f; restart the process", i, state.Pos[i])
			c.tripEmergency()
			return
		}
		if in.Pos[i] < lo || in.Pos[i] > hi {
			c.logger.Errorf("joint %d command data error: %.3f; restart the process", i, in.Pos[i])
			c.tripEmergency()
			return
		}
		if math.Abs(state.Torque[i]) > 100*c.robot.JointTorqueMax[i] {
			c.logger.Errorf("joint %d torque data error: %.3f; restart the process", i, state.Torque[i])
			c.tripEmergency()
			return
		}
	}
	if state.GripperPos < -gripperPosTolerance || state.GripperPos > c.robot.GripperWidth+gripperPosTolerance {
		c.logger.Errorf(
			"gripper position error: got %.3f but expected 0~%.3f m; close the gripper before powering the arm or recalibrate the gripper",
			state.GripperPos, c.robot.GripperWidth)
		c.tripEmergency()
	}
}

// dampingGain is the stronger-than-default damping profile used by the
// emergency state and by teardown.
func (c *core) dampingGain() armcore.Gain {
	g := armcore.Gain{Kd: c.ctrl.DefaultKd}
	g.Kd[0] *= 3
	g.Kd[1] *= 3
	g.Kd[2] *= 3
	g.Kd[3] *= 1.5
	return g
}

// tripEmergency switches the controller into the terminal damping state.
func (c *core) tripEmergency() {
	if !c.emergency.CompareAndSwap(false, true) {
		return
	}
	c.logger.Error("emergency state entered; the process must be restarted to recover")
	c.reassertDamping()
}

func (c *core) reassertDamping() {
	damping := c.dampingGain()
	c.cmdMu.Lock()
	c.gain = damping
	c.inputJointCmd.Vel = armcore.Vec6{}
	c.inputJointCmd.Torque = armcore.Vec6{}
	c.cmdMu.Unlock()
}

// State returns the latest telemetry snapshot. It never blocks waiting for
// fresh telemetry: while the background loop is disabled the snapshot stays
// at whatever was last captured.
func (c *core) State() armcore.JointState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.jointState
}

// JointCmd returns the last input command and the last shaped output command.
func (c *core) JointCmd() (input, output armcore.JointState) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.inputJointCmd, c.outputJointCmd
}

// Gain returns the current impedance gains.
func (c *core) Gain() armcore.Gain {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.gain
}

// SetGain replaces the impedance gains. Raising kp from all-zero while the
// output command is more than 0.2 rad away from the measured position is
// refused and stops the background loop: the arm would jump.
func (c *core) SetGain(gain armcore.Gain) error {
	if c.emergency.Load() {
		return ErrEmergencyState
	}
	state := c.State()
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.gain.KpIsZero() && !gain.KpIsZero() {
		if maxPosError := state.Pos.MaxAbsDiff(c.outputJointCmd.Pos); maxPosError > kpJumpThreshold {
			c.running.Store(false)
			c.logger.Errorf("cannot set kp to non-zero when the joint pos cmd is far from the current pos (current %v, cmd %v, threshold %.3f)",
				state.Pos, c.outputJointCmd.Pos, kpJumpThreshold)
			return errors.Errorf("cannot raise kp from zero with a %.3f rad command error (threshold %.3f)", maxPosError, kpJumpThreshold)
		}
	}
	c.gain = gain
	return nil
}

// setJointCmd validates and stores a new input command. Gripper velocity and
// torque control is unsupported: those fields are warned about and zeroed.
func (c *core) setJointCmd(cmd armcore.JointState) {
	if c.emergency.Load() {
		c.logger.Warn("controller is in the emergency state; joint command ignored")
		return
	}
	if cmd.GripperVel != 0 || cmd.GripperTorque != 0 {
		c.logger.Warn("gripper velocity and torque control is not supported; fields zeroed")
		cmd.GripperVel = 0
		cmd.GripperTorque = 0
	}
	c.cmdMu.Lock()
	c.inputJointCmd = cmd
	c.cmdMu.Unlock()
}

// Timestamp returns seconds since the controller started.
func (c *core) Timestamp() float64 {
	return c.clk.Since(c.startTime).Seconds()
}

// RobotConfig returns the static robot configuration.
func (c *core) RobotConfig() config.Robot {
	return c.robot
}

// ControllerConfig returns the controller parameters.
func (c *core) ControllerConfig() config.Controller {
	return c.ctrl
}

// EnableBackgroundSendRecv resumes the background loop's bus activity.
func (c *core) EnableBackgroundSendRecv() {
	c.logger.Info("enable background send-recv")
	c.running.Store(true)
}

// DisableBackgroundSendRecv quiesces the background loop. Telemetry stops
// updating until re-enabled.
func (c *core) DisableBackgroundSendRecv() {
	c.logger.Info("disable background send-recv")
	c.running.Store(false)
}

// EmergencyTripped reports whether the controller has entered the terminal
// emergency damping state.
func (c *core) EmergencyTripped() bool {
	return c.emergency.Load()
}

// Close commands damping gains, lets the arm settle, stops the loop, and
// releases the bus. If the emergency state is active the loop cannot be
// stopped and Close returns ErrEmergencyState; the bus stays open because
// the damping loop still needs it.
func (c *core) Close() error {
	if c.emergency.Load() {
		return ErrEmergencyState
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("set to damping before exit")
	c.reassertDamping()
	c.gravityComp.Store(false)
	c.running.Store(true)
	c.clk.Sleep(teardownSettle)
	if c.emergency.Load() {
		return ErrEmergencyState
	}
	c.cancel()
	c.activeBackgroundWorkers.Wait()
	c.logger.Info("background send-recv loop joined")
	return c.bus.Close()
}
