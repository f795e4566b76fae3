// Package actuation maps a signed regulator command onto an H-bridge
// style output: a direction and a duty cycle in percent.
package actuation

import (
	"fmt"
	"math"

	"github.com/cjeanneret/MotorGo/internal/debug"
)

// Direction is the bridge state requested from the sink.
type Direction int

const (
	Forward Direction = iota
	Backward
	Brake // both bridge inputs driven active, duty 0
	Coast // bridge inputs released, duty 0
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Brake:
		return "brake"
	case Coast:
		return "coast"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Sink is the hardware side of the actuation path.
type Sink interface {
	SetOutput(dir Direction, dutyPercent uint32) error
	Brake() error
	Coast() error
}

// Output is what Apply sent to the sink.
type Output struct {
	Direction Direction `json:"direction"`
	Duty      uint32    `json:"duty"`
}

// Mapper clamps commands into the [MinDuty, MaxDuty] band.
type Mapper struct {
	sink    Sink
	minDuty float64
	maxDuty float64
}

// New creates a Mapper. Duty bounds are percents with min <= max <= 100.
func New(sink Sink, minDuty, maxDuty uint32) (*Mapper, error) {
	if sink == nil {
		return nil, fmt.Errorf("actuation sink is required")
	}
	if maxDuty > 100 {
		return nil, fmt.Errorf("max duty must be <= 100, got %d", maxDuty)
	}
	if minDuty > maxDuty {
		return nil, fmt.Errorf("min duty %d exceeds max duty %d", minDuty, maxDuty)
	}
	return &Mapper{sink: sink, minDuty: float64(minDuty), maxDuty: float64(maxDuty)}, nil
}

// Map computes the output for a command without touching the sink.
func (m *Mapper) Map(command float64) Output {
	dir := Forward
	if command < 0 {
		dir = Backward
	}

	mag := math.Abs(command)
	switch {
	case math.IsNaN(mag) || mag < m.minDuty:
		mag = m.minDuty
	case mag > m.maxDuty:
		mag = m.maxDuty
	}

	return Output{Direction: dir, Duty: uint32(math.Round(mag))}
}

// Apply maps the command and writes it to the sink once.
func (m *Mapper) Apply(command float64) (Output, error) {
	out := m.Map(command)
	if err := m.sink.SetOutput(out.Direction, out.Duty); err != nil {
		return out, fmt.Errorf("set output %s %d%%: %w", out.Direction, out.Duty, err)
	}
	return out, nil
}

// Brake stops the motor actively. Not used by the control cycle.
func (m *Mapper) Brake() error {
	debug.Live("Actuation: brake")
	return m.sink.Brake()
}

// Coast releases the motor. Not used by the control cycle.
func (m *Mapper) Coast() error {
	debug.Live("Actuation: coast")
	return m.sink.Coast()
}

// ParseStop returns the stop state named "brake" or "coast".
func ParseStop(name string) (Direction, error) {
	switch name {
	case "brake":
		return Brake, nil
	case "coast":
		return Coast, nil
	}
	return 0, fmt.Errorf("unknown stop mode %q (want brake or coast)", name)
}

// Stop applies one of the two stop states.
func (m *Mapper) Stop(dir Direction) error {
	switch dir {
	case Brake:
		return m.Brake()
	case Coast:
		return m.Coast()
	}
	return fmt.Errorf("%s is not a stop state", dir)
}
