package drivetrain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type ModuleID int

const (
	FrontLeft ModuleID = iota
	FrontRight
	BackLeft
	BackRight

	NumModules = 4
)

var AllModules = [NumModules]ModuleID{FrontLeft, FrontRight, BackLeft, BackRight}

var moduleNames = [NumModules]string{"front_left", "front_right", "back_left", "back_right"}

func (id ModuleID) Valid() bool {
	return id >= FrontLeft && id <= BackRight
}

func (id ModuleID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("module(%d)", int(id))
	}
	return moduleNames[id]
}

func ParseModuleID(name string) (ModuleID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range moduleNames {
		if n == name {
			return ModuleID(i), nil
		}
	}
	return -1, errors.Errorf("unknown module %q", name)
}

// SDS MK4i L3 gearing
const (
	DefaultDriveReduction = 6.12
	DefaultTurnReduction  = 150.0 / 7.0
)

// ModuleConfig is everything a module needs to bind and drive its hardware.
// Configs are resolved once and passed around by value.
type ModuleConfig struct {
	ID ModuleID

	DriveID   uint32
	TurnID    uint32
	EncoderID uint32

	DriveReduction float64
	TurnReduction  float64
	TurnInverted   bool

	// AbsoluteOffset is the encoder angle, in radians, when the wheel points forward.
	AbsoluteOffset float64

	// Location of the module relative to the robot centre, in metres.
	Location mgl64.Vec2

	DriveCurrentLimit   uint16
	TurnCurrentLimit    uint16
	VoltageCompensation float64

	// FaultWindow is how many consecutive cycles a device may go without a
	// valid sample before the module reports a sensor fault.
	FaultWindow int

	InitTimeout  time.Duration
	CycleTimeout time.Duration
}

func DefaultModuleConfig() ModuleConfig {
	return ModuleConfig{
		DriveReduction:      DefaultDriveReduction,
		TurnReduction:       DefaultTurnReduction,
		TurnInverted:        true,
		DriveCurrentLimit:   40,
		TurnCurrentLimit:    30,
		VoltageCompensation: 12,
		FaultWindow:         25,
		InitTimeout:         500 * time.Millisecond,
		CycleTimeout:        2 * time.Millisecond,
	}
}

// Validate checks a single module's parameters.
func (c ModuleConfig) Validate() error {
	switch {
	case !c.ID.Valid():
		return configErrorf(c.ID, "unknown module identity")
	case !finite(c.DriveReduction) || c.DriveReduction <= 0:
		return configErrorf(c.ID, "drive reduction must be > 0, got %v", c.DriveReduction)
	case !finite(c.TurnReduction) || c.TurnReduction <= 0:
		return configErrorf(c.ID, "turn reduction must be > 0, got %v", c.TurnReduction)
	case !finite(c.AbsoluteOffset) || c.AbsoluteOffset < -math.Pi || c.AbsoluteOffset >= math.Pi:
		return configErrorf(c.ID, "absolute offset %v outside [-π, π)", c.AbsoluteOffset)
	case c.DriveCurrentLimit == 0 || c.TurnCurrentLimit == 0:
		return configErrorf(c.ID, "current limits must be > 0")
	case !finite(c.VoltageCompensation) || c.VoltageCompensation <= 0:
		return configErrorf(c.ID, "voltage compensation must be > 0, got %v", c.VoltageCompensation)
	case c.FaultWindow < 1:
		return configErrorf(c.ID, "fault window must be at least one cycle")
	case c.DriveID == c.TurnID || c.DriveID == c.EncoderID || c.TurnID == c.EncoderID:
		return configErrorf(c.ID, "device ids %d/%d/%d are not distinct", c.DriveID, c.TurnID, c.EncoderID)
	}
	return nil
}

// ConfigTable maps each module identity to its configuration.
type ConfigTable struct {
	modules map[ModuleID]ModuleConfig
}

func NewConfigTable(configs map[ModuleID]ModuleConfig) *ConfigTable {
	t := &ConfigTable{modules: make(map[ModuleID]ModuleConfig, len(configs))}
	for id, c := range configs {
		c.ID = id
		t.modules[id] = c
	}
	return t
}

// DefaultConfigTable is the compiled-in table for the competition robot.
// Offsets are zero until the modules are calibrated.
func DefaultConfigTable() *ConfigTable {
	const half = 0.2921

	module := func(drive, turn, encoder uint32, x, y float64) ModuleConfig {
		c := DefaultModuleConfig()
		c.DriveID, c.TurnID, c.EncoderID = drive, turn, encoder
		c.Location = mgl64.Vec2{x, y}
		return c
	}

	return NewConfigTable(map[ModuleID]ModuleConfig{
		FrontLeft:  module(1, 2, 9, half, half),
		FrontRight: module(3, 4, 10, half, -half),
		BackLeft:   module(5, 6, 11, -half, half),
		BackRight:  module(7, 8, 12, -half, -half),
	})
}

// Resolve returns the configuration for id. Any identity other than the
// four known modules, or a record that fails validation, is a
// ConfigurationError.
func (t *ConfigTable) Resolve(id ModuleID) (ModuleConfig, error) {
	if !id.Valid() {
		return ModuleConfig{}, configErrorf(id, "unknown module identity")
	}

	c, ok := t.modules[id]
	if !ok {
		return ModuleConfig{}, configErrorf(id, "no configuration")
	}
	c.ID = id

	if err := c.Validate(); err != nil {
		return ModuleConfig{}, err
	}
	return c, nil
}

// ResolveAll resolves every module and checks that no device is claimed by
// more than one of them.
func (t *ConfigTable) ResolveAll() (configs [NumModules]ModuleConfig, err error) {
	owner := make(map[uint32]ModuleID)

	for i, id := range AllModules {
		if configs[i], err = t.Resolve(id); err != nil {
			return configs, err
		}

		for _, dev := range []uint32{configs[i].DriveID, configs[i].TurnID, configs[i].EncoderID} {
			if other, taken := owner[dev]; taken {
				return configs, configErrorf(id, "device %d is already owned by %s", dev, other)
			}
			owner[dev] = id
		}
	}

	return configs, nil
}

// YAMLModule is the on-disk form of a ModuleConfig.
type YAMLModule struct {
	DriveID             uint32        `yaml:"drive_id"`
	TurnID              uint32        `yaml:"turn_id"`
	EncoderID           uint32        `yaml:"encoder_id"`
	DriveReduction      float64       `yaml:"drive_reduction"`
	TurnReduction       float64       `yaml:"turn_reduction"`
	TurnInverted        bool          `yaml:"turn_inverted"`
	Offset              float64       `yaml:"offset"`
	OffsetDeg           *float64      `yaml:"offset_deg,omitempty"`
	Location            []float64     `yaml:"location,flow"`
	DriveCurrentLimit   uint16        `yaml:"drive_current_limit"`
	TurnCurrentLimit    uint16        `yaml:"turn_current_limit"`
	VoltageCompensation float64       `yaml:"voltage_compensation"`
	FaultWindow         int           `yaml:"fault_window"`
	InitTimeout         time.Duration `yaml:"init_timeout"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"`
}

func (c ModuleConfig) MarshalYAML() (interface{}, error) {
	return &YAMLModule{
		DriveID:             c.DriveID,
		TurnID:              c.TurnID,
		EncoderID:           c.EncoderID,
		DriveReduction:      c.DriveReduction,
		TurnReduction:       c.TurnReduction,
		TurnInverted:        c.TurnInverted,
		Offset:              c.AbsoluteOffset,
		Location:            []float64{c.Location.X(), c.Location.Y()},
		DriveCurrentLimit:   c.DriveCurrentLimit,
		TurnCurrentLimit:    c.TurnCurrentLimit,
		VoltageCompensation: c.VoltageCompensation,
		FaultWindow:         c.FaultWindow,
		InitTimeout:         c.InitTimeout,
		CycleTimeout:        c.CycleTimeout,
	}, nil
}

// UnmarshalYAML only overwrites the keys that are present, so a config can
// be layered on top of defaults.
func (c *ModuleConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	current, _ := c.MarshalYAML()
	ym := current.(*YAMLModule)
	if err := unmarshal(ym); err != nil {
		return err
	}

	if len(ym.Location) != 2 {
		return errors.Errorf("location needs two coordinates, got %v", ym.Location)
	}

	c.DriveID = ym.DriveID
	c.TurnID = ym.TurnID
	c.EncoderID = ym.EncoderID
	c.DriveReduction = ym.DriveReduction
	c.TurnReduction = ym.TurnReduction
	c.TurnInverted = ym.TurnInverted
	c.AbsoluteOffset = ym.Offset
	if ym.OffsetDeg != nil {
		c.AbsoluteOffset = DegreesToRadians(*ym.OffsetDeg)
	}
	c.Location = mgl64.Vec2{ym.Location[0], ym.Location[1]}
	c.DriveCurrentLimit = ym.DriveCurrentLimit
	c.TurnCurrentLimit = ym.TurnCurrentLimit
	c.VoltageCompensation = ym.VoltageCompensation
	c.FaultWindow = ym.FaultWindow
	c.InitTimeout = ym.InitTimeout
	c.CycleTimeout = ym.CycleTimeout
	return nil
}

type yamlTable struct {
	Version  int                    `yaml:"version"`
	Defaults map[string]interface{} `yaml:"defaults"`
	Modules  map[string]interface{} `yaml:"modules"`
}

// LoadConfigTable reads a table from YAML. Each module starts from
// DefaultModuleConfig, then the table's defaults, then its own keys.
func LoadConfigTable(data []byte) (*ConfigTable, error) {
	var raw yamlTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal module table")
	}

	switch raw.Version {
	case 1:
	default:
		return nil, errors.Errorf("unable to work with version %d", raw.Version)
	}

	defaults := DefaultModuleConfig()
	if err := layer(&defaults, raw.Defaults); err != nil {
		return nil, errors.Wrap(err, "defaults")
	}

	configs := make(map[ModuleID]ModuleConfig, len(raw.Modules))
	for name, node := range raw.Modules {
		id, err := ParseModuleID(name)
		if err != nil {
			return nil, &ConfigurationError{Module: id, Reason: err.Error()}
		}

		c := defaults
		if err := layer(&c, node); err != nil {
			return nil, &ConfigurationError{Module: id, Reason: err.Error()}
		}
		configs[id] = c
	}

	return NewConfigTable(configs), nil
}

// layer decodes node on top of c.
func layer(c *ModuleConfig, node interface{}) error {
	if node == nil {
		return nil
	}
	buf, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(buf, c)
}
