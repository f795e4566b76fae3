package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/MotorGo/internal/config"
	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
)

// ---------- webAddrFlag ----------

func TestWebAddrFlag_Unset(t *testing.T) {
	var w webAddrFlag
	if w.enabled() {
		t.Error("unset flag should be disabled")
	}
	if w.String() != "" {
		t.Errorf("String() = %q, want empty", w.String())
	}
}

func TestWebAddrFlag_EmptyUsesDefault(t *testing.T) {
	var w webAddrFlag
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\"): %v", err)
	}
	if !w.enabled() {
		t.Error("-web= should enable the server")
	}
	if got := w.addr(":8080"); got != ":8080" {
		t.Errorf("addr = %q, want :8080", got)
	}
}

func TestWebAddrFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", ":1"},
		{"8980", ":8980"},
		{"65535", ":65535"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var w webAddrFlag
			if err := w.Set(tc.in); err != nil {
				t.Fatalf("Set(%q): %v", tc.in, err)
			}
			if got := w.addr(":8080"); got != tc.want {
				t.Errorf("addr = %q, want %q", got, tc.want)
			}
			if w.String() != tc.in {
				t.Errorf("String() = %q, want %q", w.String(), tc.in)
			}
		})
	}
}

func TestWebAddrFlag_InvalidPorts(t *testing.T) {
	for _, in := range []string{"0", "-1", "65536", "abc", "80.5"} {
		t.Run(in, func(t *testing.T) {
			var w webAddrFlag
			if err := w.Set(in); err == nil {
				t.Errorf("Set(%q): expected error", in)
			}
			if w.enabled() {
				t.Errorf("Set(%q) failed but enabled the server", in)
			}
		})
	}
}

// ---------- runTasks ----------

func TestRunTasks_FirstReturnStopsOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopped atomic.Int32
	waiter := func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return ctx.Err()
	}
	tasks := []task{
		{"a", waiter},
		{"b", waiter},
		{"quit", func(context.Context) error { return nil }},
	}

	done := make(chan error, 1)
	go func() { done <- runTasks(ctx, cancel, tasks) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runTasks = %v, want nil (cancellation is not an error)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runTasks did not return")
	}
	if stopped.Load() != 2 {
		t.Errorf("stopped = %d, want 2", stopped.Load())
	}
}

func TestRunTasks_CollectsErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errA := errors.New("port vanished")
	tasks := []task{
		{"at", func(context.Context) error { return errA }},
		{"loop", func(ctx context.Context) error { <-ctx.Done(); return nil }},
	}
	err := runTasks(ctx, cancel, tasks)
	if !errors.Is(err, errA) {
		t.Errorf("runTasks = %v, want wrapped %v", err, errA)
	}
}

// ---------- serveAT ----------

func TestServeAT_EndOfStreamKeepsOtherTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := struct {
		io.Reader
		io.Writer
	}{strings.NewReader(""), io.Discard}

	var loopStopped atomic.Bool
	tasks := []task{
		{"at", func(ctx context.Context) error { return serveAT(ctx, closed, nil) }},
		{"loop", func(ctx context.Context) error {
			<-ctx.Done()
			loopStopped.Store(true)
			return nil
		}},
	}
	done := make(chan error, 1)
	go func() { done <- runTasks(ctx, cancel, tasks) }()

	time.Sleep(50 * time.Millisecond)
	if loopStopped.Load() {
		t.Fatal("end of the AT stream stopped the loop")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("runTasks = %v, want nil", err)
	}
}

// ---------- build ----------

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	cfg.Defaults.MockGPIO = true
	cfg.Tuning.SerialDevice = ""
	cfg.Tuning.GainsDB = filepath.Join(t.TempDir(), "gains.db")
	return cfg
}

func TestBuild_PersistedGainsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)

	a, err := build(cfg, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := a.machine.SetGains(2, 0.5, 0.05); err != nil {
		t.Fatalf("SetGains: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err = build(cfg, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := a.machine.Gains(); got != (control.Gains{P: 2, I: 0.5, D: 0.05}) {
		t.Errorf("gains after restart = %+v", got)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err = build(cfg, true)
	if err != nil {
		t.Fatalf("build with reset: %v", err)
	}
	defer a.Close()
	if got := a.machine.Gains(); got != cfg.Control.Gains {
		t.Errorf("gains after reset = %+v, want config %+v", got, cfg.Control.Gains)
	}
}

func TestBuild_WithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tuning.GainsDB = ""

	a, err := build(cfg, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if a.history() != nil {
		t.Error("history should be a nil interface without a store")
	}
	if a.plant == nil {
		t.Error("mock mode should build the simulator")
	}

	// The encoder is synced at build time, so an edge written by the
	// plant before the encoder task starts is counted.
	mockDrv := a.drv.(*gpio.MockDriver)
	_ = mockDrv.WritePin(cfg.Encoder.BPin, gpio.High)
	if err := a.enc.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if pos, faults := a.machine.Position(); pos != 1 || faults != 0 {
		t.Errorf("position = %d faults = %d, want 1 and 0", pos, faults)
	}
}

// TestBuild_ClosedLoopReachesWaypoint runs the whole mock machine and
// checks that selecting the next waypoint moves the measured position there.
func TestBuild_ClosedLoopReachesWaypoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tuning.GainsDB = ""

	a, err := build(cfg, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runTasks(ctx, cancel, a.tasks(cfg)) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("runTasks: %v", err)
		}
	}()

	_, want := a.machine.Select(waypoint.Increment)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pos, _ := a.machine.Position()
		if diff := int(pos) - int(want); diff > -30 && diff < 30 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	st := a.machine.Status()
	t.Errorf("position %d did not reach waypoint %d (faults=%d)", st.Position, want, st.Faults)
}
