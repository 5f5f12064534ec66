// Package transport defines the CAN bus interface the control core drives.
// Frame encoding, the USB or socket-CAN plumbing, and the motor-specific byte
// layouts live behind the Bus interface; the core only ever sees engineering
// units (rad, rad/s, A) plus the fixed motor-message index map below.
package transport

// NumMotorMsgs is the size of the telemetry snapshot returned by a Bus.
const NumMotorMsgs = 10

// ArmMotorMsgIndex maps arm joint i to its slot in the telemetry snapshot.
// The mapping is fixed and non-contiguous (slot 2 is skipped); it reflects
// the bus geometry of the arm, not the motor IDs.
var ArmMotorMsgIndex = [6]int{0, 1, 3, 4, 5, 6}

// GripperMotorMsgIndex is the gripper's slot in the telemetry snapshot.
const GripperMotorMsgIndex = 7

// MotorMsg is one motor's telemetry as decoded by the bus driver.
type MotorMsg struct {
	MotorID        uint16
	AngleRad       float64
	SpeedRadPerSec float64
	CurrentAmps    float64
	Temperature    uint8
	ErrorCode      uint8
}

// Bus is the CAN transport consumed by the controllers. After setup the
// control loop goroutine drives the bus; the joint controller's
// SendRecvOnce and calibration calls use it from the caller's goroutine,
// only while the loop's bus activity is disabled.
type Bus interface {
	// EnableDMMotor powers on a DM-family motor.
	EnableDMMotor(id uint16) error

	// SendECMotorCmd sends an impedance command to an EC-family motor.
	// Torque is commanded as a current in amps.
	SendECMotorCmd(id uint16, kp, kd, pos, vel, current float64) error

	// SendDMMotorCmd sends an impedance command to a DM-family motor.
	SendDMMotorCmd(id uint16, kp, kd, pos, vel, current float64) error

	// ResetZeroReadout makes a DM-family motor treat its current position as
	// zero. Used during calibration.
	ResetZeroReadout(id uint16) error

	// InitECMotorCmd issues an EC-family configuration command. Used during
	// calibration.
	InitECMotorCmd(id uint16, cmd uint8) error

	// MotorMsgs returns the latest telemetry snapshot of all motors,
	// indexable by motor-message index (not motor ID).
	MotorMsgs() [NumMotorMsgs]MotorMsg

	// Close releases the bus.
	Close() error
}
