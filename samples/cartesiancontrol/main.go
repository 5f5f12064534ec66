// Package main exercises the cartesian controller against the fake bus and
// the identity solver: bring-up, an interpolated move away from home, then a
// clean shutdown.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/helix-robotics/armcore"
	"github.com/helix-robotics/armcore/config"
	"github.com/helix-robotics/armcore/controller"
	fakesolver "github.com/helix-robotics/armcore/solver/fake"
	"github.com/helix-robotics/armcore/transport"
	fakebus "github.com/helix-robotics/armcore/transport/fake"
)

var logger = golog.NewDevelopmentLogger("cartesiancontrol")

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
	bus.SetJointAngles([6]float64{0.3, 0.4, 0.3, 0.2, 0.2, 0.2})

	arm, err := controller.NewCartesianController(*model, bus, fakesolver.NewSolver(), logger)
	if err != nil {
		return err
	}

	if err := arm.SetGain(arm.ControllerConfig().DefaultGain()); err != nil {
		return multierr.Combine(err, arm.Close())
	}

	input, _ := arm.EEFCmd()
	target := armcore.EEFState{
		Timestamp:  arm.Timestamp() + 1.0,
		Pose6D:     input.Pose6D.Add(armcore.Pose6{0.1, 0, 0.05, 0, 0, 0}),
		GripperPos: robot.GripperWidth / 2,
	}
	arm.SetEEFCmd(target)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		_, out := arm.EEFCmd()
		logger.Debugf("interpolated target: %v", out.Pose6D)
		time.Sleep(100 * time.Millisecond)
	}

	eef, err := arm.EEFState()
	if err != nil {
		return multierr.Combine(err, arm.Close())
	}
	logger.Infof("final EEF pose: %v (t=%.3fs)", eef.Pose6D, eef.Timestamp)
	return arm.Close()
}
