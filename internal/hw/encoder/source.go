// Package encoder polls the two channels of a quadrature encoder and feeds
// every transition to a decoder.
package encoder

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
)

// DefaultPoll is the channel sampling interval.
const DefaultPoll = 100 * time.Microsecond

// Decoder consumes channel transitions.
type Decoder interface {
	OnTransition(a, b bool)
	Sync(a, b bool)
}

// Config holds the encoder wiring.
type Config struct {
	APin int
	BPin int
	Poll time.Duration // 0 = DefaultPoll
}

// Source is the event context of the encoder: it is the only caller of the
// decoder's OnTransition.
type Source struct {
	gpio   gpio.Driver
	cfg    Config
	dec    Decoder
	a, b   bool
	synced bool
}

// New configures both channels as inputs with edge detection.
func New(g gpio.Driver, cfg Config, dec Decoder) (*Source, error) {
	if cfg.APin == cfg.BPin {
		return nil, fmt.Errorf("encoder channels must use distinct pins, got %d", cfg.APin)
	}
	if dec == nil {
		return nil, fmt.Errorf("encoder source needs a decoder")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	for _, p := range []int{cfg.APin, cfg.BPin} {
		if err := g.SetupPin(p, gpio.Input); err != nil {
			return nil, fmt.Errorf("setup encoder pin %d: %w", p, err)
		}
		if err := g.WatchEdges(p); err != nil {
			return nil, fmt.Errorf("watch encoder pin %d: %w", p, err)
		}
	}
	return &Source{gpio: g, cfg: cfg, dec: dec}, nil
}

func (s *Source) read() (a, b bool, err error) {
	la, err := s.gpio.ReadPin(s.cfg.APin)
	if err != nil {
		return false, false, fmt.Errorf("read encoder A: %w", err)
	}
	lb, err := s.gpio.ReadPin(s.cfg.BPin)
	if err != nil {
		return false, false, fmt.Errorf("read encoder B: %w", err)
	}
	return bool(la), bool(lb), nil
}

// Sync takes the current channel levels as the decoder's reference phase.
func (s *Source) Sync() error {
	a, b, err := s.read()
	if err != nil {
		return err
	}
	s.dec.Sync(a, b)
	s.a, s.b, s.synced = a, b, true
	debug.Verbose("Encoder: synced on phase A=%v B=%v", a, b)
	return nil
}

// Poll samples both channels once and reports a transition to the decoder
// when an edge was latched or the levels changed.
func (s *Source) Poll() error {
	if !s.synced {
		return s.Sync()
	}

	edgeA, err := s.gpio.EdgeDetected(s.cfg.APin)
	if err != nil {
		return err
	}
	edgeB, err := s.gpio.EdgeDetected(s.cfg.BPin)
	if err != nil {
		return err
	}
	a, b, err := s.read()
	if err != nil {
		return err
	}
	if !edgeA && !edgeB && a == s.a && b == s.b {
		return nil
	}
	s.a, s.b = a, b
	s.dec.OnTransition(a, b)
	return nil
}

// Run polls the encoder until ctx is cancelled. An earlier Sync is kept as
// the reference phase so edges seen since then are counted.
func (s *Source) Run(ctx context.Context) error {
	if !s.synced {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Poll(); err != nil {
				return fmt.Errorf("encoder poll: %w", err)
			}
		}
	}
}
