// Package quadrature turns raw two-channel encoder transitions into a
// bounded position counter.
//
// OnTransition is meant to be called from a single event context (the
// encoder poller goroutine). Position and Faults may be read from any
// goroutine at any time: both are plain atomic loads.
package quadrature

import (
	"fmt"
	"sync/atomic"
)

// DefaultTicksPerRev is the tick count of one revolution of the stock
// encoder (four phases per slot).
const DefaultTicksPerRev = 1200

// Phase is the 2-bit combination of the A and B channels, A in the high bit.
type Phase uint8

const (
	Phase00 Phase = 0b00
	Phase01 Phase = 0b01
	Phase10 Phase = 0b10
	Phase11 Phase = 0b11
)

// PhaseOf builds the phase from the two channel samples.
func PhaseOf(a, b bool) Phase {
	var p Phase
	if a {
		p |= 0b10
	}
	if b {
		p |= 0b01
	}
	return p
}

func (p Phase) String() string {
	return fmt.Sprintf("%02b", uint8(p)&0b11)
}

// Step is the outcome of one phase transition.
type Step int

const (
	Backward Step = -1
	Same     Step = 0
	Forward  Step = 1
	Missed   Step = 2 // both bits flipped: at least one edge was lost
)

func (s Step) String() string {
	switch s {
	case Backward:
		return "backward"
	case Same:
		return "same"
	case Forward:
		return "forward"
	case Missed:
		return "missed"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// transitions is indexed by [from][to]. Forward order is 00 -> 01 -> 11 -> 10 -> 00.
var transitions = [4][4]Step{
	Phase00: {Phase00: Same, Phase01: Forward, Phase10: Backward, Phase11: Missed},
	Phase01: {Phase00: Backward, Phase01: Same, Phase10: Missed, Phase11: Forward},
	Phase10: {Phase00: Forward, Phase01: Missed, Phase10: Same, Phase11: Backward},
	Phase11: {Phase00: Missed, Phase01: Backward, Phase10: Forward, Phase11: Same},
}

// Transition classifies the move from one phase to the next.
func Transition(from, to Phase) Step {
	return transitions[from&0b11][to&0b11]
}

// Decoder tracks the position of a quadrature encoder.
//
// A missed edge (non-adjacent transition) leaves the counter unchanged,
// records the new phase and increments the fault counter.
type Decoder struct {
	ticks  uint32
	pos    atomic.Uint32
	phase  atomic.Uint32
	faults atomic.Uint32

	// OnFault, if set, is called from the event context after a missed edge
	// with the updated fault count. It must not block.
	OnFault func(total uint32)
}

// NewDecoder creates a decoder counting ticksPerRev ticks per revolution,
// starting at position 0 in phase 00.
func NewDecoder(ticksPerRev uint32) (*Decoder, error) {
	if ticksPerRev < 4 {
		return nil, fmt.Errorf("ticks per revolution must be >= 4, got %d", ticksPerRev)
	}
	return &Decoder{ticks: ticksPerRev}, nil
}

// TicksPerRev returns the counter modulus.
func (d *Decoder) TicksPerRev() uint32 {
	return d.ticks
}

// OnTransition handles one raw edge on either channel.
func (d *Decoder) OnTransition(a, b bool) {
	next := PhaseOf(a, b)
	last := Phase(d.phase.Load())

	switch Transition(last, next) {
	case Same:
		return
	case Forward:
		pos := d.pos.Load() + 1
		if pos >= d.ticks {
			pos = 0
		}
		d.pos.Store(pos)
	case Backward:
		pos := d.pos.Load()
		if pos == 0 {
			pos = d.ticks
		}
		d.pos.Store(pos - 1)
	case Missed:
		total := d.faults.Add(1)
		if d.OnFault != nil {
			d.OnFault(total)
		}
	}

	d.phase.Store(uint32(next))
}

// Position returns the current counter value in [0, TicksPerRev).
func (d *Decoder) Position() uint32 {
	return d.pos.Load()
}

// Phase returns the last recorded phase.
func (d *Decoder) Phase() Phase {
	return Phase(d.phase.Load())
}

// Faults returns the number of missed-edge transitions seen so far.
func (d *Decoder) Faults() uint32 {
	return d.faults.Load()
}

// Sync records the current channel levels as the reference phase without
// counting, e.g. after the poller starts on an encoder resting in phase 11.
// Must be called from the event context or before it starts.
func (d *Decoder) Sync(a, b bool) {
	d.phase.Store(uint32(PhaseOf(a, b)))
}

// Reset homes the counter to pos (modulo TicksPerRev).
// Must be called from the event context or before it starts.
func (d *Decoder) Reset(pos uint32) {
	d.pos.Store(pos % d.ticks)
}
