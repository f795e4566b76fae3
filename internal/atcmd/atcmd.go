// Package atcmd implements the line-based AT command tuning channel.
//
// A session starts in command mode. "AT+RESUME" switches to data mode, where
// every line is ignored until the "+++" escape sequence is received.
// Commands are "AT+NAME", "AT+NAME=args" or "AT+NAME?" and are answered by
// optional "+NAME: ..." lines followed by "OK" or "ERROR: <reason>".
package atcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
)

const (
	Prefix = "AT+"
	Escape = "+++"
)

// Controller is what the AT channel can drive.
type Controller interface {
	SetGains(p, i, d float64) error
	Gains() control.Gains
	Select(e waypoint.Event) (index int, position uint32)
	Waypoint() (index int, position uint32)
	Position() (position, faults uint32)
	Hold(mode actuation.Direction) error
	Release()
}

// Command is one AT command. Set handles "AT+NAME=args" (and "AT+NAME"
// with empty args), Query handles "AT+NAME?". Either may be nil.
type Command struct {
	Name        string
	Description string
	Set         func(c Controller, args string) ([]string, error)
	Query       func(c Controller) ([]string, error)
}

var (
	errNoArgs = errors.New("command takes no arguments")
	// errResume is returned by the RESUME command to leave command mode.
	errResume = errors.New("resume")
)

var (
	GainsCommand = &Command{
		Name:        "GAINS",
		Description: "AT+GAINS=p,i,d sets the PID gains. AT+GAINS? reads them.",
		Set: func(c Controller, args string) ([]string, error) {
			g, err := parseGains(args)
			if err != nil {
				return nil, err
			}
			return nil, c.SetGains(g.P, g.I, g.D)
		},
		Query: func(c Controller) ([]string, error) {
			g := c.Gains()
			return []string{fmt.Sprintf("+GAINS: %s,%s,%s", ftoa(g.P), ftoa(g.I), ftoa(g.D))}, nil
		},
	}
	TargetCommand = &Command{
		Name:        "TARGET",
		Description: "AT+TARGET=NEXT|PREV selects a waypoint. AT+TARGET? reads index,position.",
		Set: func(c Controller, args string) ([]string, error) {
			e, err := waypoint.ParseEvent(strings.TrimSpace(args))
			if err != nil {
				return nil, err
			}
			idx, pos := c.Select(e)
			return []string{fmt.Sprintf("+TARGET: %d,%d", idx, pos)}, nil
		},
		Query: func(c Controller) ([]string, error) {
			idx, pos := c.Waypoint()
			return []string{fmt.Sprintf("+TARGET: %d,%d", idx, pos)}, nil
		},
	}
	PosCommand = &Command{
		Name:        "POS",
		Description: "AT+POS? reads position,faults.",
		Query: func(c Controller) ([]string, error) {
			pos, faults := c.Position()
			return []string{fmt.Sprintf("+POS: %d,%d", pos, faults)}, nil
		},
	}
	BrakeCommand = &Command{
		Name:        "BRAKE",
		Description: "AT+BRAKE holds the motor shorted and suspends regulation.",
		Set: func(c Controller, args string) ([]string, error) {
			if args != "" {
				return nil, errNoArgs
			}
			return nil, c.Hold(actuation.Brake)
		},
	}
	CoastCommand = &Command{
		Name:        "COAST",
		Description: "AT+COAST releases the motor and suspends regulation.",
		Set: func(c Controller, args string) ([]string, error) {
			if args != "" {
				return nil, errNoArgs
			}
			return nil, c.Hold(actuation.Coast)
		},
	}
	RunCommand = &Command{
		Name:        "RUN",
		Description: "AT+RUN resumes regulation after BRAKE or COAST.",
		Set: func(c Controller, args string) ([]string, error) {
			if args != "" {
				return nil, errNoArgs
			}
			c.Release()
			return nil, nil
		},
	}
	ResumeCommand = &Command{
		Name:        "RESUME",
		Description: "AT+RESUME leaves command mode. Send +++ to come back.",
		Set: func(c Controller, args string) ([]string, error) {
			return nil, errResume
		},
	}
	HelpCommand = &Command{
		Name:        "HELP",
		Description: "AT+HELP lists the commands.",
	}
)

var commands = []*Command{
	GainsCommand,
	TargetCommand,
	PosCommand,
	BrakeCommand,
	CoastCommand,
	RunCommand,
	ResumeCommand,
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseGains(args string) (control.Gains, error) {
	parts := strings.Split(args, ",")
	if len(parts) != 3 {
		return control.Gains{}, fmt.Errorf("want p,i,d, got %q", args)
	}
	var v [3]float64
	for k, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return control.Gains{}, fmt.Errorf("gain %d: %w", k+1, err)
		}
		v[k] = f
	}
	return control.Gains{P: v[0], I: v[1], D: v[2]}, nil
}

// Request is a parsed command line.
type Request struct {
	Name  string
	Args  string
	Query bool
}

// Parse splits "AT+NAME[=args|?]". The name is case-insensitive.
func Parse(line string) (Request, error) {
	if len(line) < len(Prefix) || !strings.EqualFold(line[:len(Prefix)], Prefix) {
		return Request{}, fmt.Errorf("command does not start with %s", Prefix)
	}
	body := line[len(Prefix):]

	var r Request
	if i := strings.IndexByte(body, '='); i >= 0 {
		r.Name, r.Args = body[:i], body[i+1:]
	} else if strings.HasSuffix(body, "?") {
		r.Name, r.Query = strings.TrimSuffix(body, "?"), true
	} else {
		r.Name = body
	}
	r.Name = strings.ToUpper(strings.TrimSpace(r.Name))
	if r.Name == "" {
		return Request{}, errors.New("empty command name")
	}
	return r, nil
}

// Session holds the mode of one AT channel and dispatches commands.
type Session struct {
	ctrl    Controller
	cmds    map[string]*Command
	command bool
}

// NewSession creates a session in command mode.
func NewSession(ctrl Controller) *Session {
	s := &Session{ctrl: ctrl, cmds: make(map[string]*Command), command: true}
	for _, cmd := range commands {
		s.cmds[cmd.Name] = cmd
	}
	s.cmds[HelpCommand.Name] = HelpCommand
	return s
}

// CommandMode reports whether the session accepts commands.
func (s *Session) CommandMode() bool {
	return s.command
}

// Handle processes one line and returns the response lines. In data mode
// only the escape sequence is acted on; other lines produce no output.
func (s *Session) Handle(line string) []string {
	line = strings.TrimSpace(line)

	// The escape may be sent without a line break, glued to the next command.
	if strings.HasPrefix(line, Escape) {
		s.command = true
		debug.Live("AT: command mode")
		rest := strings.TrimSpace(line[len(Escape):])
		if rest == "" {
			return []string{"OK"}
		}
		return append([]string{"OK"}, s.Handle(rest)...)
	}
	if !s.command || line == "" {
		return nil
	}

	req, err := Parse(line)
	if err != nil {
		return []string{"ERROR: " + err.Error()}
	}
	debug.Verbose("AT: %s", line)

	cmd, ok := s.cmds[req.Name]
	if !ok {
		return []string{"ERROR: unknown command " + req.Name}
	}
	if cmd == HelpCommand {
		return append(s.help(), "OK")
	}

	var out []string
	switch {
	case req.Query && cmd.Query != nil:
		out, err = cmd.Query(s.ctrl)
	case !req.Query && cmd.Set != nil:
		out, err = cmd.Set(s.ctrl, req.Args)
	default:
		err = errors.New("unsupported form for " + req.Name)
	}

	if errors.Is(err, errResume) {
		s.command = false
		debug.Live("AT: data mode")
		return []string{"OK"}
	}
	if err != nil {
		return append(out, "ERROR: "+err.Error())
	}
	return append(out, "OK")
}

func (s *Session) help() []string {
	names := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, "+HELP: "+s.cmds[name].Description)
	}
	return out
}

// Serve reads lines from rw and writes the responses, CRLF terminated,
// until ctx is cancelled or the reader fails. Closing the underlying port
// unblocks a pending read.
func Serve(ctx context.Context, rw io.ReadWriter, ctrl Controller) error {
	s := NewSession(ctrl)
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		for _, out := range s.Handle(sc.Text()) {
			if _, err := io.WriteString(rw, out+"\r\n"); err != nil {
				return fmt.Errorf("at write: %w", err)
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("at read: %w", err)
	}
	return io.EOF
}
