package control

import (
	"fmt"

	"github.com/cjeanneret/MotorGo/internal/debug"
)

// GainStore persists the last applied gains.
type GainStore interface {
	SaveGains(g Gains) error
}

// Tuner is the single entry point for runtime retuning, shared by the AT
// command channel, the shell and the web surface.
type Tuner struct {
	shared *Shared
	store  GainStore
}

// NewTuner creates a tuner. store may be nil.
func NewTuner(shared *Shared, store GainStore) *Tuner {
	return &Tuner{shared: shared, store: store}
}

// SetGains validates and applies a new gain set, resetting the integrator.
// Rejected values leave the state untouched. A persistence failure is
// reported but the new gains stay applied.
func (t *Tuner) SetGains(p, i, d float64) error {
	g := Gains{P: p, I: i, D: d}
	if err := t.shared.SetGains(g); err != nil {
		return err
	}
	debug.Gains(p, i, d)

	if t.store != nil {
		if err := t.store.SaveGains(g); err != nil {
			return fmt.Errorf("gains applied but not saved: %w", err)
		}
	}
	return nil
}

// Gains returns the current gains.
func (t *Tuner) Gains() Gains {
	return t.shared.Gains()
}

// ResetIntegrator clears the regulator memory without touching the gains.
func (t *Tuner) ResetIntegrator() {
	t.shared.ResetIntegrator()
	debug.Live("Integrator reset")
}
