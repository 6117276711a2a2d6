package drivetrain

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Controller turns one cycle of snapshots into one command per module.
type Controller interface {
	Update(snapshots [NumModules]ModuleSnapshot) [NumModules]ModuleCommand
}

// Configurable is implemented by modules whose idle mode changes only reach
// the hardware on an explicit apply.
type Configurable interface {
	ApplyConfiguration() error
}

// Reconfiguring is implemented by controllers whose commands need the held
// configurations applied in the same cycle they are sent.
type Reconfiguring interface {
	Controller
	WantsReconfigure() bool
}

// Drivetrain runs the four modules from a single control loop.
type Drivetrain struct {
	modules [NumModules]ModuleIO
	configs [NumModules]ModuleConfig

	reconfigure int32

	lock   sync.RWMutex
	latest [NumModules]ModuleSnapshot
	cycles uint64
}

// NewDrivetrain resolves every module's configuration before any hardware is
// touched, then initializes the modules in order. If anything fails the
// modules already built are closed and nothing is returned.
func NewDrivetrain(table *ConfigTable, newIO func(ModuleID) ModuleIO) (*Drivetrain, error) {
	configs, err := table.ResolveAll()
	if err != nil {
		return nil, err
	}

	d := &Drivetrain{configs: configs}
	for i, id := range AllModules {
		m := newIO(id)
		if err := m.Initialize(configs[i]); err != nil {
			closeModule(m)
			d.Close()
			return nil, err
		}
		d.modules[i] = m
	}

	for i := range d.latest {
		d.latest[i].Faults = FaultAllSensors
	}
	return d, nil
}

func closeModule(m ModuleIO) error {
	if c, ok := m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Drivetrain) Module(id ModuleID) (ModuleIO, error) {
	if !id.Valid() {
		return nil, configErrorf(id, "unknown module identity")
	}
	return d.modules[id], nil
}

func (d *Drivetrain) Config(id ModuleID) (ModuleConfig, error) {
	if !id.Valid() {
		return ModuleConfig{}, configErrorf(id, "unknown module identity")
	}
	return d.configs[id], nil
}

// Reconfigure asks the loop to push held motor configurations to the
// hardware at the end of the next cycle.
func (d *Drivetrain) Reconfigure() {
	atomic.StoreInt32(&d.reconfigure, 1)
}

// Cycle polls every module, asks ctrl for commands and applies them. Command
// failures are logged and surface through the next snapshot's faults.
func (d *Drivetrain) Cycle(ctrl Controller) [NumModules]ModuleSnapshot {
	var snapshots [NumModules]ModuleSnapshot
	for i, m := range d.modules {
		snapshots[i] = m.PollState()
	}

	commands := ctrl.Update(snapshots)
	for i, m := range d.modules {
		if err := m.ApplyCommand(commands[i]); err != nil {
			log.WithError(err).WithField("module", AllModules[i]).Warn("command failed")
		}
	}

	apply := atomic.CompareAndSwapInt32(&d.reconfigure, 1, 0)
	if r, ok := ctrl.(Reconfiguring); ok && r.WantsReconfigure() {
		apply = true
	}
	if apply {
		d.applyConfiguration()
	}

	d.lock.Lock()
	d.latest = snapshots
	d.cycles++
	d.lock.Unlock()

	return snapshots
}

func (d *Drivetrain) applyConfiguration() {
	for i, m := range d.modules {
		c, ok := m.(Configurable)
		if !ok {
			continue
		}
		if err := c.ApplyConfiguration(); err != nil {
			log.WithError(err).WithField("module", AllModules[i]).Warn("unable to apply configuration")
		}
	}
}

// Run calls Cycle every period until ctx is done, then commands every
// module to zero volts.
func (d *Drivetrain) Run(ctx context.Context, period time.Duration, ctrl Controller) error {
	if period <= 0 {
		return errors.Errorf("loop period must be > 0, got %v", period)
	}

	log.WithField("period", period).Info("starting control loop")

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.stop()
			log.Info("control loop stopped")
			return ctx.Err()
		case <-ticker.C:
			d.Cycle(ctrl)
		}
	}
}

func (d *Drivetrain) stop() {
	for i, m := range d.modules {
		if err := m.ApplyCommand(ModuleCommand{}); err != nil {
			log.WithError(err).WithField("module", AllModules[i]).Warn("unable to stop module")
		}
	}
}

// Latest returns the snapshots from the most recent cycle and the number of
// cycles run so far. Safe to call from any goroutine.
func (d *Drivetrain) Latest() ([NumModules]ModuleSnapshot, uint64) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.latest, d.cycles
}

// Close releases every module that holds hardware.
func (d *Drivetrain) Close() (err error) {
	for i, m := range d.modules {
		if m == nil {
			continue
		}
		err = multierr.Append(err, closeModule(m))
		d.modules[i] = nil
	}
	return err
}

// ManualController holds commands set from outside the loop, such as the
// development shell. Idle requests are sent once, together with a request
// to apply the configuration they change.
type ManualController struct {
	lock     sync.Mutex
	commands [NumModules]ModuleCommand

	reconfigure bool
	sent        bool
}

func (c *ManualController) Update([NumModules]ModuleSnapshot) [NumModules]ModuleCommand {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := c.commands
	for i := range c.commands {
		c.commands[i].DriveIdle = IdleUnchanged
		c.commands[i].TurnIdle = IdleUnchanged
	}
	c.sent, c.reconfigure = c.reconfigure, false
	return out
}

// WantsReconfigure reports whether the last Update carried idle requests.
// It answers true at most once per Update.
func (c *ManualController) WantsReconfigure() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	sent := c.sent
	c.sent = false
	return sent
}

func (c *ManualController) modify(id ModuleID, f func(*ModuleCommand)) error {
	if !id.Valid() {
		return configErrorf(id, "unknown module identity")
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	f(&c.commands[id])
	return nil
}

func (c *ManualController) SetDrive(id ModuleID, volts float64) error {
	return c.modify(id, func(cmd *ModuleCommand) { cmd.DriveVolts = volts })
}

func (c *ManualController) SetTurn(id ModuleID, volts float64) error {
	return c.modify(id, func(cmd *ModuleCommand) { cmd.TurnVolts = volts })
}

func (c *ManualController) SetIdle(id ModuleID, drive, turn IdleRequest) error {
	return c.modify(id, func(cmd *ModuleCommand) {
		cmd.DriveIdle, cmd.TurnIdle = drive, turn
		c.reconfigure = true
	})
}

// Stop zeroes every held voltage.
func (c *ManualController) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i := range c.commands {
		c.commands[i].DriveVolts = 0
		c.commands[i].TurnVolts = 0
	}
}
