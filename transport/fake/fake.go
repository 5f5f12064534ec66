// Package fake implements an in-memory motor bus with fully controllable
// telemetry, used in tests and for bring-up without hardware.
package fake

import (
	"sync"

	"github.com/helix-robotics/armcore/transport"
)

// SentCmd records one impedance command observed by the fake bus.
type SentCmd struct {
	Family  string // "EC" or "DM"
	MotorID uint16
	Kp, Kd  float64
	Pos     float64
	Vel     float64
	Current float64
}

// Bus is a fake transport.Bus. Telemetry is settable from the test; with
// TrackCommands enabled, the reported angle of each motor follows the last
// commanded position, which stands in for a perfectly compliant arm.
type Bus struct {
	mu sync.Mutex

	msgs          [transport.NumMotorMsgs]transport.MotorMsg
	sent          []SentCmd
	enabled       map[uint16]bool
	zeroResets    []uint16
	trackCommands bool
	idToMsgIndex  map[uint16]int

	// sendErr, when non-nil, is returned by every send until cleared.
	sendErr error
}

// NewBus returns a fake bus with all-zero telemetry.
func NewBus() *Bus {
	return &Bus{enabled: map[uint16]bool{}, idToMsgIndex: map[uint16]int{}}
}

// SetTrackCommands makes telemetry angles follow commanded positions.
// The motor ID to message-index mapping must be declared via MapMotor first.
func (b *Bus) SetTrackCommands(track bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trackCommands = track
}

// MapMotor declares which telemetry slot a motor ID reports into, for
// TrackCommands mode.
func (b *Bus) MapMotor(id uint16, msgIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idToMsgIndex[id] = msgIndex
}

// SetMotorMsg overwrites one telemetry slot.
func (b *Bus) SetMotorMsg(msgIndex int, msg transport.MotorMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[msgIndex] = msg
}

// SetJointAngles sets the reported angle of each arm joint, in joint order.
func (b *Bus) SetJointAngles(angles [6]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, idx := range transport.ArmMotorMsgIndex {
		b.msgs[idx].AngleRad = angles[i]
	}
}

// SetJointCurrents sets the reported current of each arm joint, in joint
// order.
func (b *Bus) SetJointCurrents(currents [6]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, idx := range transport.ArmMotorMsgIndex {
		b.msgs[idx].CurrentAmps = currents[i]
	}
}

// SetGripper sets the gripper's reported motor angle and current.
func (b *Bus) SetGripper(angleRad, currentAmps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[transport.GripperMotorMsgIndex].AngleRad = angleRad
	b.msgs[transport.GripperMotorMsgIndex].CurrentAmps = currentAmps
}

// SetSendErr injects an error into every subsequent send until cleared with
// SetSendErr(nil).
func (b *Bus) SetSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Sent returns a copy of every command observed so far.
func (b *Bus) Sent() []SentCmd {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SentCmd, len(b.sent))
	copy(out, b.sent)
	return out
}

// LastCmdFor returns the most recent command sent to a motor ID.
func (b *Bus) LastCmdFor(id uint16) (SentCmd, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].MotorID == id {
			return b.sent[i], true
		}
	}
	return SentCmd{}, false
}

// ClearSent drops the recorded command history.
func (b *Bus) ClearSent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}

// Enabled reports whether EnableDMMotor was called for a motor ID.
func (b *Bus) Enabled(id uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled[id]
}

// ZeroResets returns the motor IDs passed to ResetZeroReadout, in order.
func (b *Bus) ZeroResets() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, len(b.zeroResets))
	copy(out, b.zeroResets)
	return out
}

// EnableDMMotor implements transport.Bus.
func (b *Bus) EnableDMMotor(id uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled[id] = true
	return nil
}

// SendECMotorCmd implements transport.Bus.
func (b *Bus) SendECMotorCmd(id uint16, kp, kd, pos, vel, current float64) error {
	return b.record("EC", id, kp, kd, pos, vel, current)
}

// SendDMMotorCmd implements transport.Bus.
func (b *Bus) SendDMMotorCmd(id uint16, kp, kd, pos, vel, current float64) error {
	return b.record("DM", id, kp, kd, pos, vel, current)
}

func (b *Bus) record(family string, id uint16, kp, kd, pos, vel, current float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, SentCmd{
		Family: family, MotorID: id,
		Kp: kp, Kd: kd, Pos: pos, Vel: vel, Current: current,
	})
	// A real arm only follows position commands when kp is on; damping-mode
	// commands leave the reported angle alone.
	if b.trackCommands && kp > 0 {
		if idx, ok := b.idToMsgIndex[id]; ok {
			b.msgs[idx].AngleRad = pos
		}
	}
	return nil
}

// ResetZeroReadout implements transport.Bus.
func (b *Bus) ResetZeroReadout(id uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zeroResets = append(b.zeroResets, id)
	if idx, ok := b.idToMsgIndex[id]; ok {
		b.msgs[idx].AngleRad = 0
	}
	return nil
}

// InitECMotorCmd implements transport.Bus.
func (b *Bus) InitECMotorCmd(id uint16, cmd uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.idToMsgIndex[id]; ok && cmd == 0x03 {
		b.msgs[idx].AngleRad = 0
	}
	return nil
}

// MotorMsgs implements transport.Bus.
func (b *Bus) MotorMsgs() [transport.NumMotorMsgs]transport.MotorMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs
}

// Close implements transport.Bus.
func (b *Bus) Close() error {
	return nil
}
