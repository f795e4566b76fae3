package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/MotorGo/internal/hw/hbridge"
	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 64 << 10

// MotorConfig holds the H-bridge wiring and output band.
type MotorConfig struct {
	In1Pin    int    `yaml:"in1_pin"`     // direction input 1 (BCM)
	In2Pin    int    `yaml:"in2_pin"`     // direction input 2 (BCM)
	PWMPin    int    `yaml:"pwm_pin"`     // enable input, hardware PWM (BCM 12, 13, 18 or 19)
	PWMFreqHz int    `yaml:"pwm_freq_hz"` // PWM clock
	PWMCycle  uint32 `yaml:"pwm_cycle"`   // PWM period in clock cycles
	MinDuty   uint32 `yaml:"min_duty"`    // percent
	MaxDuty   uint32 `yaml:"max_duty"`    // percent
}

// EncoderConfig holds the quadrature encoder wiring.
type EncoderConfig struct {
	APin        int    `yaml:"a_pin"`
	BPin        int    `yaml:"b_pin"`
	TicksPerRev uint32 `yaml:"ticks_per_rev"`
	PollUs      int    `yaml:"poll_us"` // channel sampling interval (µs)
}

// ButtonsConfig holds the waypoint buttons. Both pins 0 = no buttons.
type ButtonsConfig struct {
	NextPin    int `yaml:"next_pin"`
	PrevPin    int `yaml:"prev_pin"`
	DebounceMs int `yaml:"debounce_ms"`
}

// ControlConfig holds the regulator and loop parameters.
type ControlConfig struct {
	PeriodMs  int           `yaml:"period_ms" env:"MOTORGO_PERIOD_MS"`
	Gains     control.Gains `yaml:"gains"`
	Waypoints []uint32      `yaml:"waypoints" env:"MOTORGO_WAYPOINTS" envSeparator:","`
	RawError  bool          `yaml:"raw_error"` // plain target-measured instead of shortest path
	StopMode  string        `yaml:"stop_mode" env:"MOTORGO_STOP_MODE"`
}

// TuningConfig holds the runtime tuning surfaces.
type TuningConfig struct {
	SerialDevice string `yaml:"serial_device" env:"MOTORGO_SERIAL_DEVICE"` // empty = no AT channel
	Baud         int    `yaml:"baud" env:"MOTORGO_BAUD"`
	GainsDB      string `yaml:"gains_db" env:"MOTORGO_GAINS_DB"` // empty = gains are not persisted
	WebAddr      string `yaml:"web_addr" env:"MOTORGO_WEB_ADDR"`
}

// SimConfig describes the simulated motor used with the mock GPIO driver.
type SimConfig struct {
	MaxSpeed       float64 `yaml:"max_speed"` // ticks per second at 100% duty
	TimeConstantMs int     `yaml:"time_constant_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" env:"MOTORGO_DEBUG_LEVEL"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio" env:"MOTORGO_MOCK_GPIO"`     // use mock GPIO and the motor simulator
}

// Config aggregates all application configuration.
type Config struct {
	Motor    MotorConfig    `yaml:"motor"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Buttons  ButtonsConfig  `yaml:"buttons"`
	Control  ControlConfig  `yaml:"control"`
	Tuning   TuningConfig   `yaml:"tuning"`
	Sim      SimConfig      `yaml:"sim"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files inside a "configs" directory,
// without ".." components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file %q must be in a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies MOTORGO_* environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Motor.PWMCycle == 0 {
		c.Motor.PWMCycle = hbridge.DefaultCycle
	}
	if c.Motor.MaxDuty == 0 {
		c.Motor.MaxDuty = 100
	}
	if c.Encoder.TicksPerRev == 0 {
		c.Encoder.TicksPerRev = 1200
	}
	if c.Encoder.PollUs <= 0 {
		c.Encoder.PollUs = 100
	}
	if c.Buttons.DebounceMs <= 0 {
		c.Buttons.DebounceMs = 30
	}
	if c.Control.PeriodMs == 0 {
		c.Control.PeriodMs = 10
	}
	if c.Control.StopMode == "" {
		c.Control.StopMode = "brake"
	}
	if c.Tuning.Baud <= 0 {
		c.Tuning.Baud = 115200
	}
	if c.Tuning.WebAddr == "" {
		c.Tuning.WebAddr = ":8080"
	}
	if c.Sim.MaxSpeed <= 0 {
		c.Sim.MaxSpeed = 1200 // one revolution per second
	}
	if c.Sim.TimeConstantMs <= 0 {
		c.Sim.TimeConstantMs = 50
	}
}

// Validate checks the invariants the control core relies on.
func (c *Config) Validate() error {
	if c.Motor.In1Pin == c.Motor.In2Pin || c.Motor.In1Pin == c.Motor.PWMPin || c.Motor.In2Pin == c.Motor.PWMPin {
		return fmt.Errorf("motor pins must be distinct (in1=%d in2=%d pwm=%d)", c.Motor.In1Pin, c.Motor.In2Pin, c.Motor.PWMPin)
	}
	if c.Motor.MaxDuty > 100 {
		return fmt.Errorf("motor.max_duty must be <= 100, got %d", c.Motor.MaxDuty)
	}
	if c.Motor.MinDuty > c.Motor.MaxDuty {
		return fmt.Errorf("motor.min_duty (%d) must be <= max_duty (%d)", c.Motor.MinDuty, c.Motor.MaxDuty)
	}
	if c.Motor.PWMFreqHz < 0 {
		return fmt.Errorf("motor.pwm_freq_hz must be >= 0, got %d", c.Motor.PWMFreqHz)
	}
	if c.Encoder.APin == c.Encoder.BPin {
		return fmt.Errorf("encoder.a_pin and b_pin must differ, got %d", c.Encoder.APin)
	}
	if c.Encoder.TicksPerRev < 4 {
		return fmt.Errorf("encoder.ticks_per_rev must be >= 4, got %d", c.Encoder.TicksPerRev)
	}
	if c.ButtonsEnabled() && c.Buttons.NextPin == c.Buttons.PrevPin {
		return fmt.Errorf("buttons.next_pin and prev_pin must differ, got %d", c.Buttons.NextPin)
	}
	if c.Control.PeriodMs < 0 {
		return fmt.Errorf("control.period_ms must be > 0, got %d", c.Control.PeriodMs)
	}
	if err := c.Control.Gains.Validate(); err != nil {
		return fmt.Errorf("control.gains: %w", err)
	}
	if len(c.Control.Waypoints) == 0 {
		return fmt.Errorf("control.waypoints must list at least one position")
	}
	for i, w := range c.Control.Waypoints {
		if w >= c.Encoder.TicksPerRev {
			return fmt.Errorf("control.waypoints[%d] = %d is outside [0, %d)", i, w, c.Encoder.TicksPerRev)
		}
	}
	if _, err := actuation.ParseStop(c.Control.StopMode); err != nil {
		return fmt.Errorf("control.stop_mode: %w", err)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ButtonsEnabled reports whether waypoint buttons are wired.
func (c *Config) ButtonsEnabled() bool {
	return c.Buttons.NextPin != 0 || c.Buttons.PrevPin != 0
}

// Period returns the control period.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Control.PeriodMs) * time.Millisecond
}

// EncoderPoll returns the encoder sampling interval.
func (c *Config) EncoderPoll() time.Duration {
	return time.Duration(c.Encoder.PollUs) * time.Microsecond
}

// Debounce returns the button debounce time.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Buttons.DebounceMs) * time.Millisecond
}

// SimTimeConstant returns the simulated motor time constant.
func (c *Config) SimTimeConstant() time.Duration {
	return time.Duration(c.Sim.TimeConstantMs) * time.Millisecond
}

// StopMode returns the stop state applied when the loop ends.
func (c *Config) StopMode() actuation.Direction {
	d, _ := actuation.ParseStop(c.Control.StopMode)
	return d
}
