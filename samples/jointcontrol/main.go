// Package main exercises the joint-space controller against the fake bus:
// bring-up, reset to home, a slow joint-0 sweep, then a clean shutdown.
package main

import (
	"context"
	"flag"
	"math"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/helix-robotics/armcore"
	"github.com/helix-robotics/armcore/config"
	"github.com/helix-robotics/armcore/controller"
	"github.com/helix-robotics/armcore/transport"
	fakebus "github.com/helix-robotics/armcore/transport/fake"
)

var logger = golog.NewDevelopmentLogger("jointcontrol")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	model := flag.String("model", "X5", "robot model")
	flag.Parse()

	robot, err := config.ForModel(*model)
	if err != nil {
		return err
	}

	bus := fakebus.NewBus()
	for i, id := range robot.MotorID {
		bus.MapMotor(id, transport.ArmMotorMsgIndex[i])
	}
	bus.MapMotor(robot.GripperMotorID, transport.GripperMotorMsgIndex)
	bus.SetTrackCommands(true)
	// Pretend the arm was powered up slightly away from home.
	bus.SetJointAngles([6]float64{0.1, 0.2, 0.1, 0.05, 0.05, 0.05})

	arm, err := controller.NewJointController(*model, bus, logger)
	if err != nil {
		return err
	}

	arm.EnableBackgroundSendRecv()
	if err := arm.ResetToHome(); err != nil {
		return multierr.Combine(err, arm.Close())
	}

	// Sweep joint 0 for two seconds at the loop rate.
	start := time.Now()
	for time.Since(start) < 2*time.Second {
		if ctx.Err() != nil {
			break
		}
		var cmd armcore.JointState
		cmd.Pos[0] = 0.3 * math.Sin(2*math.Pi*time.Since(start).Seconds())
		arm.SetJointCmd(cmd)
		time.Sleep(arm.ControllerConfig().Period)
	}

	state := arm.State()
	logger.Infof("final joint state: %v (t=%.3fs)", state.Pos, state.Timestamp)
	return arm.Close()
}
