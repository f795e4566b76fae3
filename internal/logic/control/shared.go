// Package control holds the state shared between the event, control and
// tuning contexts, the PID regulator that runs on it and the tuning entry
// point that rewrites it.
//
// Access discipline:
//   - target position: atomic, single writer (the waypoint selector);
//   - gains and regulator memory: one mutex, taken once per Step and once
//     per retune, never held across I/O.
package control

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ErrInvalidGains is returned when a gain set is rejected.
var ErrInvalidGains = errors.New("invalid gains")

// Gains are the PID coefficients.
type Gains struct {
	P float64 `json:"p" yaml:"p"`
	I float64 `json:"i" yaml:"i"`
	D float64 `json:"d" yaml:"d"`
}

// Validate rejects NaN, infinite and negative coefficients.
func (g Gains) Validate() error {
	for _, c := range []struct {
		name string
		v    float64
	}{{"p", g.P}, {"i", g.I}, {"d", g.D}} {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return fmt.Errorf("%w: %s must be finite, got %g", ErrInvalidGains, c.name, c.v)
		}
		if c.v < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %g", ErrInvalidGains, c.name, c.v)
		}
	}
	return nil
}

// memory is the regulator state persisted between control cycles.
type memory struct {
	gains     Gains
	integral  float64
	prevError float64
}

// Snapshot is a consistent copy of the gains and regulator memory.
type Snapshot struct {
	Gains     Gains   `json:"gains"`
	Integral  float64 `json:"integral"`
	PrevError float64 `json:"prev_error"`
}

// Shared is the state touched by more than one execution context.
type Shared struct {
	target atomic.Uint32

	mu  sync.Mutex
	mem memory
}

// NewShared creates the shared state with initial gains and target.
func NewShared(gains Gains, target uint32) (*Shared, error) {
	if err := gains.Validate(); err != nil {
		return nil, err
	}
	s := &Shared{mem: memory{gains: gains}}
	s.target.Store(target)
	return s, nil
}

// Target returns the current set-point.
func (s *Shared) Target() uint32 {
	return s.target.Load()
}

// SetTarget stores a new set-point. Only the waypoint selector writes it.
func (s *Shared) SetTarget(pos uint32) {
	s.target.Store(pos)
}

// withMemory runs fn inside the critical section guarding gains and
// regulator memory.
func (s *Shared) withMemory(fn func(m *memory)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.mem)
}

// Gains returns the current gain set.
func (s *Shared) Gains() Gains {
	var g Gains
	s.withMemory(func(m *memory) { g = m.gains })
	return g
}

// SetGains replaces the gains and zeroes the integrator and previous error
// in one critical section. Invalid gains are rejected before the lock is
// taken, leaving the state untouched.
func (s *Shared) SetGains(g Gains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.withMemory(func(m *memory) {
		m.gains = g
		m.integral = 0
		m.prevError = 0
	})
	return nil
}

// ResetIntegrator zeroes the integrator and previous error, keeping gains.
func (s *Shared) ResetIntegrator() {
	s.withMemory(func(m *memory) {
		m.integral = 0
		m.prevError = 0
	})
}

// Snapshot returns a consistent copy of gains and regulator memory.
func (s *Shared) Snapshot() Snapshot {
	var snap Snapshot
	s.withMemory(func(m *memory) {
		snap = Snapshot{Gains: m.gains, Integral: m.integral, PrevError: m.prevError}
	})
	return snap
}
