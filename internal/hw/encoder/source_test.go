package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
	"github.com/cjeanneret/MotorGo/internal/logic/quadrature"
)

const (
	pinA = 20
	pinB = 21
)

// forward is one full Gray-code cycle in the forward order, as (A, B).
var forward = [][2]gpio.Level{
	{gpio.Low, gpio.High},
	{gpio.High, gpio.High},
	{gpio.High, gpio.Low},
	{gpio.Low, gpio.Low},
}

func newTestSource(t *testing.T) (*Source, *gpio.MockDriver, *quadrature.Decoder) {
	t.Helper()
	drv := gpio.NewMockDriver()
	// Start the encoder resting in phase 00.
	_ = drv.WritePin(pinA, gpio.Low)
	_ = drv.WritePin(pinB, gpio.Low)

	dec, err := quadrature.NewDecoder(1200)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	src, err := New(drv, Config{APin: pinA, BPin: pinB}, dec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := src.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return src, drv, dec
}

func set(drv *gpio.MockDriver, a, b gpio.Level) {
	_ = drv.WritePin(pinA, a)
	_ = drv.WritePin(pinB, b)
}

func TestPoll_CountsForwardCycle(t *testing.T) {
	src, drv, dec := newTestSource(t)
	for _, lv := range forward {
		set(drv, lv[0], lv[1])
		if err := src.Poll(); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if got := dec.Position(); got != 4 {
		t.Errorf("Position = %d, want 4", got)
	}
}

func TestPoll_CountsBackwardWithWrap(t *testing.T) {
	src, drv, dec := newTestSource(t)
	for i := len(forward) - 2; i >= 0; i-- {
		set(drv, forward[i][0], forward[i][1])
		_ = src.Poll()
	}
	set(drv, gpio.Low, gpio.Low)
	_ = src.Poll()
	if got := dec.Position(); got != 1196 {
		t.Errorf("Position = %d, want 1196", got)
	}
}

func TestPoll_NoChangeNoTransition(t *testing.T) {
	src, _, dec := newTestSource(t)
	for i := 0; i < 10; i++ {
		_ = src.Poll()
	}
	if dec.Position() != 0 || dec.Faults() != 0 {
		t.Errorf("idle polling moved the decoder: pos=%d faults=%d", dec.Position(), dec.Faults())
	}
}

func TestPoll_MissedEdgeIsAFault(t *testing.T) {
	src, drv, dec := newTestSource(t)
	set(drv, gpio.High, gpio.High) // 00 -> 11 in one sample
	_ = src.Poll()
	if dec.Position() != 0 || dec.Faults() != 1 {
		t.Errorf("pos=%d faults=%d, want 0, 1", dec.Position(), dec.Faults())
	}
}

func TestSync_RestingPhase(t *testing.T) {
	drv := gpio.NewMockDriver()
	dec, _ := quadrature.NewDecoder(1200)
	// Pulled-up inputs rest in phase 11.
	src, err := New(drv, Config{APin: pinA, BPin: pinB}, dec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := src.Poll(); err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if dec.Phase() != quadrature.Phase11 {
		t.Errorf("phase = %v, want 11", dec.Phase())
	}
	if dec.Faults() != 0 {
		t.Errorf("sync counted a fault")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	src, drv, dec := newTestSource(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	set(drv, gpio.Low, gpio.High)
	deadline := time.Now().Add(time.Second)
	for dec.Position() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if dec.Position() != 1 {
		t.Errorf("Position = %d, want 1", dec.Position())
	}
}

func TestNew_Validation(t *testing.T) {
	dec, _ := quadrature.NewDecoder(1200)
	if _, err := New(gpio.NewMockDriver(), Config{APin: 3, BPin: 3}, dec); err == nil {
		t.Error("same pins: expected error")
	}
	if _, err := New(gpio.NewMockDriver(), Config{APin: 3, BPin: 4}, nil); err == nil {
		t.Error("nil decoder: expected error")
	}
}

func TestRun_KeepsEarlierSync(t *testing.T) {
	src, drv, dec := newTestSource(t)

	// Edge between Sync and Run: Run must count it, not re-sync on it.
	set(drv, gpio.Low, gpio.High)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for dec.Position() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if got := dec.Position(); got != 1 {
		t.Errorf("position after one forward edge = %d, want 1", got)
	}
	if dec.Faults() != 0 {
		t.Errorf("faults = %d, want 0", dec.Faults())
	}
}

func TestRun_SyncsWhenNeeded(t *testing.T) {
	drv := gpio.NewMockDriver()
	set(drv, gpio.High, gpio.Low)
	dec, _ := quadrature.NewDecoder(1200)
	src, err := New(drv, Config{APin: pinA, BPin: pinB}, dec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if dec.Phase() != quadrature.Phase10 || dec.Position() != 0 {
		t.Errorf("phase = %v position = %d, want 10 and 0", dec.Phase(), dec.Position())
	}
}
