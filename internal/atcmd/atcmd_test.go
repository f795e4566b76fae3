package atcmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
)

// fakeController records the calls made by the AT channel.
type fakeController struct {
	gains   control.Gains
	index   int
	table   []uint32
	pos     uint32
	faults  uint32
	held    actuation.Direction
	holding bool
}

func newFake() *fakeController {
	return &fakeController{table: []uint32{0, 400, 800}, gains: control.Gains{P: 1}}
}

func (f *fakeController) SetGains(p, i, d float64) error {
	g := control.Gains{P: p, I: i, D: d}
	if err := g.Validate(); err != nil {
		return err
	}
	f.gains = g
	return nil
}

func (f *fakeController) Gains() control.Gains { return f.gains }

func (f *fakeController) Select(e waypoint.Event) (int, uint32) {
	n := len(f.table)
	if e == waypoint.Increment {
		f.index = (f.index + 1) % n
	} else {
		f.index = (f.index + n - 1) % n
	}
	return f.index, f.table[f.index]
}

func (f *fakeController) Waypoint() (int, uint32)     { return f.index, f.table[f.index] }
func (f *fakeController) Position() (uint32, uint32) { return f.pos, f.faults }

func (f *fakeController) Hold(mode actuation.Direction) error {
	if mode != actuation.Brake && mode != actuation.Coast {
		return errors.New("bad mode")
	}
	f.held, f.holding = mode, true
	return nil
}

func (f *fakeController) Release() { f.holding = false }

func TestParse(t *testing.T) {
	cases := []struct {
		line    string
		want    Request
		wantErr bool
	}{
		{"AT+GAINS=1,2,3", Request{Name: "GAINS", Args: "1,2,3"}, false},
		{"AT+GAINS?", Request{Name: "GAINS", Query: true}, false},
		{"at+target=next", Request{Name: "TARGET", Args: "next"}, false},
		{"AT+BRAKE", Request{Name: "BRAKE"}, false},
		{"AT+X=a=b", Request{Name: "X", Args: "a=b"}, false},
		{"GAINS=1,2,3", Request{}, true},
		{"AT+", Request{}, true},
		{"AT+?", Request{}, true},
		{"AT", Request{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := Parse(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Parse(%q): expected error", tc.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.line, err)
			}
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.line, got, tc.want)
			}
		})
	}
}

func TestSession_Commands(t *testing.T) {
	cases := []struct {
		name string
		line string
		want []string
	}{
		{"set_gains", "AT+GAINS=2,0.5,0.01", []string{"OK"}},
		{"query_gains", "AT+GAINS?", []string{"+GAINS: 1,0,0", "OK"}},
		{"gains_wrong_arity", "AT+GAINS=1,2", []string{`ERROR: want p,i,d, got "1,2"`}},
		{"target_prev", "AT+TARGET=PREV", []string{"+TARGET: 2,800", "OK"}},
		{"target_plus", "AT+TARGET=+", []string{"+TARGET: 1,400", "OK"}},
		{"target_mixed_case", "AT+TARGET=Next", []string{"+TARGET: 1,400", "OK"}},
		{"target_query", "AT+TARGET?", []string{"+TARGET: 0,0", "OK"}},
		{"target_bad", "AT+TARGET=UP", []string{`ERROR: unknown waypoint event "UP" (want next or prev)`}},
		{"pos", "AT+POS?", []string{"+POS: 0,0", "OK"}},
		{"pos_set_form", "AT+POS=3", []string{"ERROR: unsupported form for POS"}},
		{"brake", "AT+BRAKE", []string{"OK"}},
		{"brake_args", "AT+BRAKE=1", []string{"ERROR: command takes no arguments"}},
		{"unknown", "AT+LOCK", []string{"ERROR: unknown command LOCK"}},
		{"no_prefix", "hello", []string{"ERROR: command does not start with AT+"}},
		{"blank", "   ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession(newFake())
			if got := s.Handle(tc.line); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Handle(%q) = %q, want %q", tc.line, got, tc.want)
			}
		})
	}
}

func TestSession_RejectedGainsReported(t *testing.T) {
	ctrl := newFake()
	s := NewSession(ctrl)
	out := s.Handle("AT+GAINS=1,-2,0")
	if len(out) != 1 || !strings.HasPrefix(out[0], "ERROR: invalid gains") {
		t.Errorf("Handle = %q, want invalid gains error", out)
	}
	if ctrl.gains != (control.Gains{P: 1}) {
		t.Errorf("gains changed to %+v", ctrl.gains)
	}
}

func TestSession_HoldAndRun(t *testing.T) {
	ctrl := newFake()
	s := NewSession(ctrl)
	s.Handle("AT+COAST")
	if !ctrl.holding || ctrl.held != actuation.Coast {
		t.Fatalf("COAST: holding=%v mode=%v", ctrl.holding, ctrl.held)
	}
	s.Handle("AT+RUN")
	if ctrl.holding {
		t.Error("RUN did not release")
	}
}

func TestSession_ModeSwitching(t *testing.T) {
	ctrl := newFake()
	s := NewSession(ctrl)

	if got := s.Handle("AT+RESUME"); !reflect.DeepEqual(got, []string{"OK"}) {
		t.Fatalf("RESUME = %q", got)
	}
	if s.CommandMode() {
		t.Fatal("still in command mode after RESUME")
	}
	if got := s.Handle("AT+GAINS=9,9,9"); got != nil {
		t.Errorf("data mode answered %q", got)
	}
	if ctrl.gains.P == 9 {
		t.Error("data mode line was executed")
	}

	// Escape glued to the next command, as sent by scripts.
	got := s.Handle("+++AT+GAINS?")
	want := []string{"OK", "+GAINS: 1,0,0", "OK"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("escape+query = %q, want %q", got, want)
	}
	if !s.CommandMode() {
		t.Error("escape did not enter command mode")
	}
}

func TestSession_Help(t *testing.T) {
	s := NewSession(newFake())
	out := s.Handle("AT+HELP")
	if out[len(out)-1] != "OK" {
		t.Errorf("last line = %q, want OK", out[len(out)-1])
	}
	if len(out) != len(commands)+2 {
		t.Errorf("help lines = %d, want %d", len(out), len(commands)+2)
	}
}

// rw couples a scripted input with a captured output.
type rw struct {
	io.Reader
	out bytes.Buffer
}

func (r *rw) Write(p []byte) (int, error) { return r.out.Write(p) }

func TestServe(t *testing.T) {
	ctrl := newFake()
	conn := &rw{Reader: strings.NewReader("+++AT+GAINS=3,0,0\r\nAT+GAINS?\nAT+RESUME\nAT+GAINS=4,0,0\n")}

	err := Serve(context.Background(), conn, ctrl)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Serve = %v, want io.EOF at end of input", err)
	}
	want := "OK\r\nOK\r\n+GAINS: 3,0,0\r\nOK\r\nOK\r\n"
	if got := conn.out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if ctrl.gains.P != 3 {
		t.Errorf("P = %g, want 3", ctrl.gains.P)
	}
}

func TestServe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := &rw{Reader: strings.NewReader("AT+POS?\n")}
	if err := Serve(ctx, conn, newFake()); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if conn.out.Len() != 0 {
		t.Errorf("cancelled session wrote %q", conn.out.String())
	}
}
