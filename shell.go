package main

import (
	"strconv"

	"github.com/CodedInternet/goswerve/drivetrain"
	"github.com/abiosoft/ishell"
	"github.com/pkg/errors"
)

func moduleNames([]string) []string {
	names := make([]string, 0, drivetrain.NumModules)
	for _, id := range drivetrain.AllModules {
		names = append(names, id.String())
	}
	return names
}

// moduleArgs parses "<module> <value>" or "all <value>".
func moduleArgs(args []string) (ids []drivetrain.ModuleID, value string, err error) {
	if len(args) != 2 {
		return nil, "", errors.New("expected <module|all> <value>")
	}
	if args[0] == "all" {
		return drivetrain.AllModules[:], args[1], nil
	}
	id, err := drivetrain.ParseModuleID(args[0])
	if err != nil {
		return nil, "", err
	}
	return []drivetrain.ModuleID{id}, args[1], nil
}

func voltageCmd(name, help string, set func(drivetrain.ModuleID, float64) error) *ishell.Cmd {
	return &ishell.Cmd{
		Name:      name,
		Help:      help,
		Completer: moduleNames,
		Func: func(c *ishell.Context) {
			ids, arg, err := moduleArgs(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			volts, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				c.Err(err)
				return
			}
			for _, id := range ids {
				if err := set(id, volts); err != nil {
					c.Err(err)
					return
				}
			}
			c.Printf("%s %v set to %.2fV\n", name, ids, volts)
		},
	}
}

func newShell(dt *drivetrain.Drivetrain, ctrl *drivetrain.ManualController) *ishell.Shell {
	shell := ishell.New()
	shell.Println("Swerve development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "Reads the latest state of every module",
		Func: func(c *ishell.Context) {
			snapshots, cycle := dt.Latest()
			c.Printf("cycle %d\n", cycle)
			for i, s := range snapshots {
				c.Printf("%-12s drive %8.3frad %8.3frad/s %6.2fV %6.2fA | turn %7.3frad abs %7.3frad %6.2fV | %s\n",
					drivetrain.AllModules[i], s.DrivePositionRad, s.DriveVelocityRadPerSec, s.DriveAppliedVolts, s.DriveCurrentAmps,
					s.TurnPositionRad, s.TurnAbsolutePositionRad, s.TurnAppliedVolts, s.Faults)
			}
		},
	})

	shell.AddCmd(voltageCmd("drive", "drive <module|all> <volts>", ctrl.SetDrive))
	shell.AddCmd(voltageCmd("turn", "turn <module|all> <volts>", ctrl.SetTurn))

	shell.AddCmd(&ishell.Cmd{
		Name:      "brake",
		Help:      "brake <module|all> <on|off>",
		Completer: moduleNames,
		Func: func(c *ishell.Context) {
			ids, arg, err := moduleArgs(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			var enable bool
			switch arg {
			case "on":
				enable = true
			case "off":
			default:
				if enable, err = strconv.ParseBool(arg); err != nil {
					c.Err(err)
					return
				}
			}

			idle := drivetrain.IdleCoast
			if enable {
				idle = drivetrain.IdleBrake
			}
			for _, id := range ids {
				ctrl.SetIdle(id, idle, idle)
			}
			c.Printf("brake %v set to %v\n", ids, enable)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "Zero every motor voltage",
		Func: func(c *ishell.Context) {
			ctrl.Stop()
			c.Println("stopped")
		},
	})

	return shell
}
