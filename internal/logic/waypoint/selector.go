package waypoint

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cjeanneret/MotorGo/internal/debug"
)

// ErrNoWaypoints is returned when the waypoint table is empty.
var ErrNoWaypoints = errors.New("waypoint table is empty")

// Event is a discrete, already debounced operator trigger.
type Event int

const (
	Increment Event = iota
	Decrement
)

func (e Event) String() string {
	switch e {
	case Increment:
		return "increment"
	case Decrement:
		return "decrement"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ParseEvent accepts "next"/"inc"/"+" and "prev"/"dec"/"-" (any case).
func ParseEvent(s string) (Event, error) {
	switch strings.ToLower(s) {
	case "next", "inc", "+":
		return Increment, nil
	case "prev", "dec", "-":
		return Decrement, nil
	}
	return 0, fmt.Errorf("unknown waypoint event %q (want next or prev)", s)
}

// Index is a cyclic index over [0, Len()).
type Index struct {
	cur, n int
}

// NewIndex creates an index over n entries, starting at 0.
func NewIndex(n int) (Index, error) {
	if n <= 0 {
		return Index{}, ErrNoWaypoints
	}
	return Index{n: n}, nil
}

// Value returns the current position of the index.
func (x Index) Value() int { return x.cur }

// Len returns the number of entries.
func (x Index) Len() int { return x.n }

// Next returns the index advanced by one, wrapping to 0.
func (x Index) Next() Index {
	x.cur++
	if x.cur == x.n {
		x.cur = 0
	}
	return x
}

// Prev returns the index moved back by one, wrapping to the last entry.
func (x Index) Prev() Index {
	if x.cur == 0 {
		x.cur = x.n
	}
	x.cur--
	return x
}

// TargetWriter receives the selected position.
type TargetWriter interface {
	SetTarget(pos uint32)
}

// Selector walks a fixed table of waypoint positions.
type Selector struct {
	mu     sync.Mutex
	table  []uint32
	idx    Index
	target TargetWriter
}

// NewSelector creates a selector on the first waypoint and publishes it as
// the initial target.
func NewSelector(table []uint32, target TargetWriter) (*Selector, error) {
	idx, err := NewIndex(len(table))
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errors.New("selector needs a target writer")
	}
	s := &Selector{
		table:  append([]uint32(nil), table...),
		idx:    idx,
		target: target,
	}
	target.SetTarget(s.table[0])
	return s, nil
}

// OnEvent moves to the next or previous waypoint and publishes it.
// Events from several sources are serialized so the target keeps a single
// writer.
func (s *Selector) OnEvent(e Event) (index int, position uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e {
	case Increment:
		s.idx = s.idx.Next()
	case Decrement:
		s.idx = s.idx.Prev()
	default:
		return s.idx.Value(), s.table[s.idx.Value()]
	}

	index = s.idx.Value()
	position = s.table[index]
	s.target.SetTarget(position)
	debug.Target(index, position)
	return index, position
}

// Current returns the selected index and its position.
func (s *Selector) Current() (index int, position uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Value(), s.table[s.idx.Value()]
}

// Table returns a copy of the waypoint table.
func (s *Selector) Table() []uint32 {
	return append([]uint32(nil), s.table...)
}
