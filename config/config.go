// Package config holds the immutable per-model configuration tables for the
// supported arms. Configurations are handed out by pure lookup functions;
// there is no mutable process-wide state.
package config

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/helix-robotics/armcore"
)

// MotorType identifies the motor family driving a joint. The family decides
// both the CAN command format and the torque constant.
type MotorType int

// The supported motor families.
const (
	MotorNone MotorType = iota
	MotorECA4310
	MotorDMJ4310
	MotorDMJ4340
)

// TorqueConstant returns the family's torque constant in N*m per amp.
// Commands divide torque by this to obtain a current; telemetry multiplies
// current by this to obtain torque.
func (t MotorType) TorqueConstant() float64 {
	switch t {
	case MotorECA4310:
		return 1.4
	case MotorDMJ4310:
		return 0.424
	case MotorDMJ4340:
		return 1.0
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (t MotorType) String() string {
	switch t {
	case MotorECA4310:
		return "EC_A4310"
	case MotorDMJ4310:
		return "DM_J4310"
	case MotorDMJ4340:
		return "DM_J4340"
	default:
		return "none"
	}
}

// Robot is the static description of one arm model.
type Robot struct {
	Model string

	JointPosMin    armcore.Vec6
	JointPosMax    armcore.Vec6
	JointVelMax    armcore.Vec6 // rad/s
	JointTorqueMax armcore.Vec6 // N*m
	// End-effector speed limits: m/s for x, y, z; rad/s for roll, pitch, yaw.
	EEVelMax armcore.Vec6

	GripperVelMax    float64 // m/s
	GripperTorqueMax float64 // N*m
	GripperWidth     float64 // m, fully open
	// Motor-side angle (rad) the gripper motor reads when fully open. Used to
	// scale between controller space (m) and motor space (rad).
	GripperOpenReadout float64

	MotorID          [armcore.NumJoints]uint16
	MotorType        [armcore.NumJoints]MotorType
	GripperMotorID   uint16
	GripperMotorType MotorType

	// Used in inverse dynamics. Change it if the arm is not mounted upright.
	GravityVector r3.Vector

	BaseLinkName string
	EEFLinkName  string
}

// ControllerKind selects one of the two controller variants.
type ControllerKind string

// The available controller variants.
const (
	Joint     ControllerKind = "joint"
	Cartesian ControllerKind = "cartesian"
)

// Controller holds the per-variant control parameters.
type Controller struct {
	Kind ControllerKind

	DefaultKp        armcore.Vec6
	DefaultKd        armcore.Vec6
	DefaultGripperKp float64
	DefaultGripperKd float64

	// Consecutive over-current ticks tolerated before the emergency trip.
	OverCurrentCountMax int
	// Control loop period.
	Period time.Duration
}

// DefaultGain returns the variant's default impedance gains.
func (c Controller) DefaultGain() armcore.Gain {
	return armcore.Gain{
		Kp:        c.DefaultKp,
		Kd:        c.DefaultKd,
		GripperKp: c.DefaultGripperKp,
		GripperKd: c.DefaultGripperKd,
	}
}

var robotModels = map[string]Robot{
	"X5": {
		Model:              "X5",
		JointPosMin:        armcore.Vec6{-3.14, -0.05, -0.1, -1.6, -1.57, -2},
		JointPosMax:        armcore.Vec6{2.618, 3.14, 3.24, 1.55, 1.57, 2},
		JointVelMax:        armcore.Vec6{3.0, 2.0, 2.0, 2.0, 3.0, 3.0},
		JointTorqueMax:     armcore.Vec6{30.0, 40.0, 30.0, 15.0, 10.0, 10.0},
		EEVelMax:           armcore.Vec6{0.6, 0.6, 0.6, 1.8, 1.8, 1.8},
		GripperVelMax:      0.1,
		GripperTorqueMax:   1.5,
		GripperWidth:       0.085,
		GripperOpenReadout: 4.8,
		MotorID:            [armcore.NumJoints]uint16{1, 2, 4, 5, 6, 7},
		MotorType: [armcore.NumJoints]MotorType{
			MotorECA4310, MotorECA4310, MotorECA4310,
			MotorDMJ4310, MotorDMJ4310, MotorDMJ4310,
		},
		GripperMotorID:   8,
		GripperMotorType: MotorDMJ4310,
		GravityVector:    r3.Vector{X: 0, Y: 0, Z: -9.807},
		BaseLinkName:     "base_link",
		EEFLinkName:      "eef_link",
	},
	"L5": {
		Model:              "L5",
		JointPosMin:        armcore.Vec6{-3.14, -0.05, -0.1, -1.6, -1.57, -2},
		JointPosMax:        armcore.Vec6{2.618, 3.14, 3.24, 1.55, 1.57, 2},
		JointVelMax:        armcore.Vec6{3.0, 2.0, 2.0, 2.0, 3.0, 3.0},
		JointTorqueMax:     armcore.Vec6{30.0, 40.0, 30.0, 15.0, 10.0, 10.0},
		EEVelMax:           armcore.Vec6{0.6, 0.6, 0.6, 1.8, 1.8, 1.8},
		GripperVelMax:      0.1,
		GripperTorqueMax:   1.5,
		GripperWidth:       0.085,
		GripperOpenReadout: 4.8,
		MotorID:            [armcore.NumJoints]uint16{1, 2, 4, 5, 6, 7},
		MotorType: [armcore.NumJoints]MotorType{
			MotorDMJ4340, MotorDMJ4340, MotorDMJ4340,
			MotorDMJ4310, MotorDMJ4310, MotorDMJ4310,
		},
		GripperMotorID:   8,
		GripperMotorType: MotorDMJ4310,
		GravityVector:    r3.Vector{X: 0, Y: 0, Z: -9.807},
		BaseLinkName:     "base_link",
		EEFLinkName:      "eef_link",
	},
}

var controllerKinds = map[ControllerKind]Controller{
	Joint: {
		Kind:                Joint,
		DefaultKp:           armcore.Vec6{70, 70, 70, 30, 30, 20},
		DefaultKd:           armcore.Vec6{2.0, 2.0, 2.0, 1.0, 1.0, 1.0},
		DefaultGripperKp:    30.0,
		DefaultGripperKd:    0.2,
		OverCurrentCountMax: 20,
		Period:              2 * time.Millisecond,
	},
	Cartesian: {
		Kind:                Cartesian,
		DefaultKp:           armcore.Vec6{150, 150, 200, 60, 30, 30},
		DefaultKd:           armcore.Vec6{5.0, 5.0, 5.0, 1.0, 1.0, 1.0},
		DefaultGripperKp:    30.0,
		DefaultGripperKd:    0.2,
		OverCurrentCountMax: 20,
		Period:              5 * time.Millisecond,
	},
}

// ForModel returns the configuration of a supported arm model.
func ForModel(model string) (Robot, error) {
	cfg, ok := robotModels[model]
	if !ok {
		return Robot{}, errors.Errorf("unknown robot model %q; available: X5, L5", model)
	}
	return cfg, nil
}

// ForController returns the control parameters of a controller variant.
func ForController(kind ControllerKind) (Controller, error) {
	cfg, ok := controllerKinds[kind]
	if !ok {
		return Controller{}, errors.Errorf("unknown controller kind %q; available: joint, cartesian", kind)
	}
	return cfg, nil
}
