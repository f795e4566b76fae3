package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/MotorGo/internal/atcmd"
	"github.com/cjeanneret/MotorGo/internal/config"
	"github.com/cjeanneret/MotorGo/internal/console"
	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/hw/button"
	"github.com/cjeanneret/MotorGo/internal/hw/encoder"
	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
	"github.com/cjeanneret/MotorGo/internal/hw/hbridge"
	"github.com/cjeanneret/MotorGo/internal/hw/serialport"
	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/machine"
	"github.com/cjeanneret/MotorGo/internal/logic/motion"
	"github.com/cjeanneret/MotorGo/internal/logic/quadrature"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
	"github.com/cjeanneret/MotorGo/internal/sim"
	"github.com/cjeanneret/MotorGo/internal/store"
	"github.com/cjeanneret/MotorGo/internal/web"
)

// telemetryEvery bounds the rate of telemetry events sent to web clients.
const telemetryEvery = 100 * time.Millisecond

func main() {
	// CLI flags
	webFlag := &webAddrFlag{}
	flag.Var(webFlag, "web", "start web server; -web= uses tuning.web_addr, -web 8980 for a custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	shell := flag.Bool("shell", false, "start the interactive tuning shell on stdin")
	mock := flag.Bool("mock", false, "force mock GPIO and the motor simulator")
	resetGains := flag.Bool("reset-gains", false, "discard persisted gains and start from the config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *mock {
		cfg.Defaults.MockGPIO = true
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	var broadcaster *web.StatusBroadcaster
	if webFlag.enabled() {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)

	app, err := build(cfg, *resetGains)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}

	tasks := app.tasks(cfg)
	if *shell {
		sh := console.New(app.machine, app.history())
		tasks = append(tasks, task{"shell", func(ctx context.Context) error {
			console.Run(ctx, sh)
			return nil
		}})
	}
	if webFlag.enabled() {
		addr := webFlag.addr(cfg.Tuning.WebAddr)
		srv, err := web.NewServer(addr, broadcaster, app.machine, app.history())
		if err != nil {
			log.Fatalf("init web server failed: %v", err)
		}
		app.loop.OnCycle = web.NewTelemetryFeed(broadcaster, telemetryEvery).Publish
		tasks = append(tasks, task{"web", srv.Run})
	}

	debug.Summary("MotorGo running")
	runErr := runTasks(ctx, cancel, tasks)
	if err := multierr.Append(runErr, app.Close()); err != nil {
		log.Fatalf("motorgo: %v", err)
	}
}

// app holds the wired control core and the resources to release on exit.
type app struct {
	drv      gpio.Driver
	store    *store.Store
	decoder  *quadrature.Decoder
	loop     *motion.Controller
	selector *waypoint.Selector
	machine  *machine.Machine
	plant    *sim.Plant
	enc      *encoder.Source
	buttons  *button.Source
}

// build wires the GPIO driver, the control core and the gain store.
func build(cfg *config.Config, resetGains bool) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	debug.Step(1, "Initializing GPIO driver")
	if a.drv, err = gpio.NewDriver(cfg.Defaults.MockGPIO); err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}

	debug.Step(2, "Loading gains")
	gains := cfg.Control.Gains
	if cfg.Tuning.GainsDB != "" {
		if resetGains {
			if err := store.Remove(cfg.Tuning.GainsDB); err != nil {
				return nil, err
			}
		}
		if a.store, err = store.Open(cfg.Tuning.GainsDB); err != nil {
			return nil, err
		}
		saved, ok, err := a.store.LoadGains()
		if err != nil {
			return nil, err
		}
		if ok {
			gains = saved
			debug.Info("Using persisted gains from %s", cfg.Tuning.GainsDB)
		}
	}
	debug.PrintStruct("Gains", gains)

	debug.Step(3, "Building control core")
	if a.decoder, err = quadrature.NewDecoder(cfg.Encoder.TicksPerRev); err != nil {
		return nil, err
	}
	a.decoder.OnFault = debug.Fault
	shared, err := control.NewShared(gains, 0)
	if err != nil {
		return nil, err
	}
	reg, err := control.NewRegulator(shared, cfg.Encoder.TicksPerRev, !cfg.Control.RawError)
	if err != nil {
		return nil, err
	}
	bridge, err := hbridge.New(a.drv, hbridge.Config{
		In1Pin: cfg.Motor.In1Pin,
		In2Pin: cfg.Motor.In2Pin,
		PWMPin: cfg.Motor.PWMPin,
		FreqHz: cfg.Motor.PWMFreqHz,
		Cycle:  cfg.Motor.PWMCycle,
	})
	if err != nil {
		return nil, err
	}
	debug.PrintStruct("Motor config", cfg.Motor)
	mapper, err := actuation.New(bridge, cfg.Motor.MinDuty, cfg.Motor.MaxDuty)
	if err != nil {
		return nil, err
	}
	if a.loop, err = motion.NewController(shared, a.decoder, reg, mapper, motion.Config{
		Period:   cfg.Period(),
		StopMode: cfg.StopMode(),
	}); err != nil {
		return nil, err
	}
	if a.selector, err = waypoint.NewSelector(cfg.Control.Waypoints, shared); err != nil {
		return nil, err
	}
	var gs control.GainStore
	if a.store != nil {
		gs = a.store
	}
	if a.machine, err = machine.New(a.decoder, shared, control.NewTuner(shared, gs), a.selector, a.loop); err != nil {
		return nil, err
	}

	debug.Step(4, "Initializing encoder and buttons")
	if mockDrv, ok := a.drv.(*gpio.MockDriver); ok {
		// The plant drives the encoder pins, so it must set them before the
		// encoder configures them as inputs.
		if a.plant, err = sim.New(mockDrv, sim.Config{
			In1Pin:       cfg.Motor.In1Pin,
			In2Pin:       cfg.Motor.In2Pin,
			PWMPin:       cfg.Motor.PWMPin,
			APin:         cfg.Encoder.APin,
			BPin:         cfg.Encoder.BPin,
			MaxSpeed:     cfg.Sim.MaxSpeed,
			TimeConstant: cfg.SimTimeConstant(),
		}); err != nil {
			return nil, err
		}
	}
	if a.enc, err = encoder.New(a.drv, encoder.Config{
		APin: cfg.Encoder.APin,
		BPin: cfg.Encoder.BPin,
		Poll: cfg.EncoderPoll(),
	}, a.decoder); err != nil {
		return nil, err
	}
	// Sync before any task starts so the first plant edges are counted.
	if err := a.enc.Sync(); err != nil {
		return nil, err
	}
	debug.PrintStruct("Encoder config", cfg.Encoder)
	if cfg.ButtonsEnabled() {
		emit := func(e waypoint.Event) { a.selector.OnEvent(e) }
		if a.buttons, err = button.New(a.drv, button.Config{
			NextPin:  cfg.Buttons.NextPin,
			PrevPin:  cfg.Buttons.PrevPin,
			Debounce: cfg.Debounce(),
		}, emit); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// history returns the retune history, or a nil interface without a store.
func (a *app) history() console.History {
	if a.store == nil {
		return nil
	}
	return a.store
}

// tasks lists the goroutines of the running machine.
func (a *app) tasks(cfg *config.Config) []task {
	ts := []task{
		{"encoder", a.enc.Run},
		{"loop", a.loop.Run},
	}
	if a.plant != nil {
		ts = append(ts, task{"sim", a.plant.Run})
	}
	if a.buttons != nil {
		ts = append(ts, task{"buttons", a.buttons.Run})
	}
	if cfg.Tuning.SerialDevice != "" {
		dev := serialport.Config{Device: cfg.Tuning.SerialDevice, Baud: cfg.Tuning.Baud}
		ts = append(ts, task{"at", func(ctx context.Context) error {
			port, err := serialport.Open(dev)
			if err != nil {
				return err
			}
			stop := context.AfterFunc(ctx, func() { port.Close() })
			defer stop()
			debug.Info("AT channel on %s at %d baud", dev.Device, dev.Baud)
			return serveAT(ctx, port, a.machine)
		}})
	}
	return ts
}

// serveAT runs the AT channel. The end of the serial stream only closes
// the channel: it waits for ctx so the loop keeps running.
func serveAT(ctx context.Context, rw io.ReadWriter, ctrl atcmd.Controller) error {
	err := atcmd.Serve(ctx, rw, ctrl)
	if errors.Is(err, io.EOF) {
		debug.Info("AT channel closed, motor control continues")
		<-ctx.Done()
		return nil
	}
	return err
}

// Close releases the store and the GPIO driver.
func (a *app) Close() error {
	var err error
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	if a.drv != nil {
		err = multierr.Append(err, a.drv.Close())
	}
	return err
}

// task is one long-running goroutine of the program.
type task struct {
	name string
	run  func(ctx context.Context) error
}

// runTasks runs every task until one returns, then cancels the others and
// waits for them. Cancellation is not reported as an error.
func runTasks(ctx context.Context, cancel context.CancelFunc, tasks []task) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer cancel()
			err := t.run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				debug.Verbose("%s stopped", t.name)
				return
			}
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.name, err))
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return errs
}

// webAddrFlag implements flag.Value for -web: unset = disabled, -web= uses
// the configured address, -web 8980 listens on :8980.
type webAddrFlag struct {
	set  bool
	port int
}

func (w *webAddrFlag) String() string {
	if !w.set {
		return ""
	}
	if w.port == 0 {
		return "default"
	}
	return strconv.Itoa(w.port)
}

func (w *webAddrFlag) Set(s string) error {
	if s == "" {
		w.set, w.port = true, 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.set, w.port = true, v
	return nil
}

func (w *webAddrFlag) enabled() bool { return w.set }

// addr returns the listen address, falling back to def for -web=.
func (w *webAddrFlag) addr(def string) string {
	if w.port == 0 {
		return def
	}
	return fmt.Sprintf(":%d", w.port)
}
