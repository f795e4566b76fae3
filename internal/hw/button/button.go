// Package button turns two debounced push buttons into waypoint events.
package button

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
)

const (
	DefaultDebounce = 30 * time.Millisecond
	DefaultPoll     = 5 * time.Millisecond
)

// Config holds the button wiring. Buttons are active LOW.
type Config struct {
	NextPin  int
	PrevPin  int
	Debounce time.Duration // 0 = DefaultDebounce
	Poll     time.Duration // 0 = DefaultPoll
}

// debouncer reports a press once the input has been LOW for the debounce
// time, and arms again only after a stable release.
type debouncer struct {
	hold    time.Duration
	stable  gpio.Level
	pending gpio.Level
	since   time.Time
}

func newDebouncer(hold time.Duration) *debouncer {
	return &debouncer{hold: hold, stable: gpio.High, pending: gpio.High}
}

func (d *debouncer) update(level gpio.Level, now time.Time) (pressed bool) {
	if level != d.pending {
		d.pending = level
		d.since = now
		return false
	}
	if level == d.stable || now.Sub(d.since) < d.hold {
		return false
	}
	d.stable = level
	return level == gpio.Low
}

type button struct {
	pin   int
	event waypoint.Event
	db    *debouncer
}

// Source polls the buttons and emits one event per press.
type Source struct {
	gpio    gpio.Driver
	poll    time.Duration
	buttons []*button
	emit    func(waypoint.Event)
}

// New configures both buttons as pulled-up inputs. emit is called from the
// polling goroutine.
func New(g gpio.Driver, cfg Config, emit func(waypoint.Event)) (*Source, error) {
	if cfg.NextPin == cfg.PrevPin {
		return nil, fmt.Errorf("buttons must use distinct pins, got %d", cfg.NextPin)
	}
	if emit == nil {
		return nil, fmt.Errorf("button source needs an event handler")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}

	s := &Source{gpio: g, poll: cfg.Poll, emit: emit}
	for _, b := range []*button{
		{pin: cfg.NextPin, event: waypoint.Increment},
		{pin: cfg.PrevPin, event: waypoint.Decrement},
	} {
		if err := g.SetupPin(b.pin, gpio.Input); err != nil {
			return nil, fmt.Errorf("setup button pin %d: %w", b.pin, err)
		}
		b.db = newDebouncer(cfg.Debounce)
		s.buttons = append(s.buttons, b)
	}
	return s, nil
}

// Poll samples both buttons once at time now.
func (s *Source) Poll(now time.Time) error {
	for _, b := range s.buttons {
		level, err := s.gpio.ReadPin(b.pin)
		if err != nil {
			return fmt.Errorf("read button pin %d: %w", b.pin, err)
		}
		if b.db.update(level, now) {
			debug.Live("Button %d: %s", b.pin, b.event)
			s.emit(b.event)
		}
	}
	return nil
}

// Run polls the buttons until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.Poll(now); err != nil {
				return err
			}
		}
	}
}
