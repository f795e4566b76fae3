package control

import (
	"errors"
	"fmt"
	"time"
)

// MinStep is the smallest time step Step accepts.
const MinStep = time.Microsecond

// ErrInvalidStep is returned by Step for a zero, negative or too small dt.
var ErrInvalidStep = errors.New("invalid control step")

// Result is the outcome of one regulator step.
type Result struct {
	Command  float64 // signed actuation magnitude, not clamped
	Error    float64 // target - measured, in ticks
	Integral float64 // accumulated error*seconds after this step
	Gains    Gains   // gains used for this step
}

// Regulator is a PID controller whose gains and memory live in Shared.
type Regulator struct {
	shared *Shared
	ticks  uint32
	wrap   bool
}

// NewRegulator creates a regulator for positions counted modulo ticksPerRev.
// With wrap set, the error is the shortest signed distance around the
// circle; otherwise it is the raw difference of the two counters.
func NewRegulator(shared *Shared, ticksPerRev uint32, wrap bool) (*Regulator, error) {
	if shared == nil {
		return nil, errors.New("regulator needs shared state")
	}
	if ticksPerRev == 0 {
		return nil, errors.New("ticks per revolution must be > 0")
	}
	return &Regulator{shared: shared, ticks: ticksPerRev, wrap: wrap}, nil
}

// PositionError returns target - measured according to the wrap policy.
// Wrapped errors fall in [-ticks/2, ticks - ticks/2).
func (r *Regulator) PositionError(target, measured uint32) float64 {
	diff := int64(target) - int64(measured)
	if r.wrap {
		n := int64(r.ticks)
		half := n / 2
		diff = ((diff+half)%n+n)%n - half
	}
	return float64(diff)
}

// Step runs one PID cycle. Gains, integrator and previous error are read
// and updated in a single critical section, so a concurrent retune is seen
// either entirely before or entirely after this step.
func (r *Regulator) Step(target, measured uint32, dt time.Duration) (Result, error) {
	if dt < MinStep {
		return Result{}, fmt.Errorf("%w: dt=%v, need >= %v", ErrInvalidStep, dt, MinStep)
	}

	e := r.PositionError(target, measured)
	secs := dt.Seconds()

	var res Result
	r.shared.withMemory(func(m *memory) {
		m.integral += e * secs
		p := m.gains.P * e
		i := m.gains.I * m.integral
		d := m.gains.D * (e - m.prevError) / secs
		m.prevError = e

		res = Result{
			Command:  p + i + d,
			Error:    e,
			Integral: m.integral,
			Gains:    m.gains,
		}
	})
	return res, nil
}
