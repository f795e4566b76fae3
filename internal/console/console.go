// Package console is the interactive tuning shell.
package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell/v2"

	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/machine"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
	"github.com/cjeanneret/MotorGo/internal/store"
)

// Controller is what the shell can drive.
type Controller interface {
	SetGains(p, i, d float64) error
	Gains() control.Gains
	ResetIntegrator()
	Select(e waypoint.Event) (index int, position uint32)
	Position() (position, faults uint32)
	Hold(mode actuation.Direction) error
	Release()
	Status() machine.Status
}

// History lists past retunes.
type History interface {
	History(limit int) ([]store.Retune, error)
}

type command struct {
	name string
	help string
	run  func(c Controller, h History, args []string) (string, error)
}

var commands = []command{
	{"gains", "gains [p i d]  show or set the PID gains", runGains},
	{"target", "target next|prev  select a waypoint", runTarget},
	{"pos", "pos  show position and encoder faults", runPos},
	{"status", "status  show the full control state", runStatus},
	{"brake", "brake  hold the motor shorted", runHold(actuation.Brake)},
	{"coast", "coast  release the motor", runHold(actuation.Coast)},
	{"run", "run  resume regulation", runRelease},
	{"reset", "reset  clear the integrator", runReset},
	{"history", "history [n]  list the last retunes", runHistory},
}

func runGains(c Controller, _ History, args []string) (string, error) {
	switch len(args) {
	case 0:
	case 3:
		var v [3]float64
		for k, a := range args {
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return "", fmt.Errorf("gain %q: %w", a, err)
			}
			v[k] = f
		}
		if err := c.SetGains(v[0], v[1], v[2]); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("usage: gains [p i d]")
	}
	g := c.Gains()
	return fmt.Sprintf("P=%g I=%g D=%g", g.P, g.I, g.D), nil
}

func runTarget(c Controller, _ History, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: target next|prev")
	}
	e, err := waypoint.ParseEvent(args[0])
	if err != nil {
		return "", err
	}
	idx, pos := c.Select(e)
	return fmt.Sprintf("waypoint %d -> %d", idx, pos), nil
}

func runPos(c Controller, _ History, _ []string) (string, error) {
	pos, faults := c.Position()
	return fmt.Sprintf("position %d (faults %d)", pos, faults), nil
}

func runStatus(c Controller, _ History, _ []string) (string, error) {
	st := c.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "position  %d (faults %d)\n", st.Position, st.Faults)
	fmt.Fprintf(&b, "target    %d (waypoint %d of %v)\n", st.Target, st.Waypoint, st.Waypoints)
	fmt.Fprintf(&b, "gains     P=%g I=%g D=%g\n", st.Gains.P, st.Gains.I, st.Gains.D)
	fmt.Fprintf(&b, "integral  %g\n", st.Integral)
	fmt.Fprintf(&b, "output    %s %d%%", st.Last.Output.Direction, st.Last.Output.Duty)
	if st.Held {
		b.WriteString(" (held)")
	}
	return b.String(), nil
}

func runHold(mode actuation.Direction) func(Controller, History, []string) (string, error) {
	return func(c Controller, _ History, _ []string) (string, error) {
		if err := c.Hold(mode); err != nil {
			return "", err
		}
		return "loop held: " + mode.String(), nil
	}
}

func runRelease(c Controller, _ History, _ []string) (string, error) {
	c.Release()
	return "loop running", nil
}

func runReset(c Controller, _ History, _ []string) (string, error) {
	c.ResetIntegrator()
	return "integrator cleared", nil
}

func runHistory(_ Controller, h History, args []string) (string, error) {
	if h == nil {
		return "", fmt.Errorf("gains are not persisted")
	}
	limit := 10
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("usage: history [n]")
		}
		limit = n
	}
	recs, err := h.History(limit)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "no retunes recorded", nil
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s  P=%g I=%g D=%g", r.At.Format("2006-01-02 15:04:05"), r.Gains.P, r.Gains.I, r.Gains.D))
	}
	return strings.Join(lines, "\n"), nil
}

// Exec runs one shell command by name.
func Exec(c Controller, h History, name string, args []string) (string, error) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(c, h, args)
		}
	}
	return "", fmt.Errorf("unknown command %q", name)
}

// New builds the shell. h may be nil when gains are not persisted.
func New(c Controller, h History) *ishell.Shell {
	shell := ishell.New()
	shell.SetPrompt("motorgo> ")
	for _, cmd := range commands {
		cmd := cmd
		shell.AddCmd(&ishell.Cmd{
			Name: cmd.name,
			Help: cmd.help,
			Func: func(ctx *ishell.Context) {
				out, err := cmd.run(c, h, ctx.Args)
				if err != nil {
					ctx.Err(err)
					return
				}
				ctx.Println(out)
			},
		})
	}
	return shell
}

// Run starts the interactive shell and returns when the operator exits or
// ctx is cancelled.
func Run(ctx context.Context, shell *ishell.Shell) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shell.Close()
		case <-done:
		}
	}()

	shell.Println("MotorGo tuning shell. Type 'help' for commands.")
	shell.Run()
}
