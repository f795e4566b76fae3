package console

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/machine"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
	"github.com/cjeanneret/MotorGo/internal/store"
)

type fakeController struct {
	gains  control.Gains
	events []waypoint.Event
	held   bool
	resets int
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
func (f *fakeController) ResetIntegrator()     { f.resets++ }

func (f *fakeController) Select(e waypoint.Event) (int, uint32) {
	f.events = append(f.events, e)
	return len(f.events), 100 * uint32(len(f.events))
}

func (f *fakeController) Position() (uint32, uint32) { return 42, 1 }

func (f *fakeController) Hold(actuation.Direction) error { f.held = true; return nil }
func (f *fakeController) Release()                       { f.held = false }

func (f *fakeController) Status() machine.Status {
	return machine.Status{Position: 42, Target: 300, Waypoints: []uint32{0, 300}, Waypoint: 1, Gains: f.gains, Held: f.held}
}

type fakeHistory struct {
	recs []store.Retune
	err  error
}

func (h *fakeHistory) History(limit int) ([]store.Retune, error) {
	if limit < len(h.recs) {
		return h.recs[:limit], h.err
	}
	return h.recs, h.err
}

func TestExec(t *testing.T) {
	cases := []struct {
		name    string
		cmd     string
		args    []string
		want    string
		wantErr bool
	}{
		{"gains_show", "gains", nil, "P=1 I=0 D=0", false},
		{"gains_set", "gains", []string{"2", "0.5", "0.1"}, "P=2 I=0.5 D=0.1", false},
		{"gains_arity", "gains", []string{"2"}, "", true},
		{"gains_not_a_number", "gains", []string{"a", "0", "0"}, "", true},
		{"gains_negative", "gains", []string{"1", "-1", "0"}, "", true},
		{"target_next", "target", []string{"NEXT"}, "waypoint 1 -> 100", false},
		{"target_bad", "target", []string{"left"}, "", true},
		{"target_missing", "target", nil, "", true},
		{"pos", "pos", nil, "position 42 (faults 1)", false},
		{"brake", "brake", nil, "loop held: brake", false},
		{"run", "run", nil, "loop running", false},
		{"reset", "reset", nil, "integrator cleared", false},
		{"unknown", "jump", nil, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &fakeController{gains: control.Gains{P: 1}}
			got, err := Exec(c, nil, tc.cmd, tc.args)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Exec: %v", err)
			}
			if got != tc.want {
				t.Errorf("output = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExec_RejectedGainsKeepOld(t *testing.T) {
	c := &fakeController{gains: control.Gains{P: 1}}
	_, err := Exec(c, nil, "gains", []string{"1", "-1", "0"})
	if !errors.Is(err, control.ErrInvalidGains) {
		t.Errorf("error = %v, want ErrInvalidGains", err)
	}
	if c.gains != (control.Gains{P: 1}) {
		t.Errorf("gains changed to %+v", c.gains)
	}
}

func TestExec_Status(t *testing.T) {
	c := &fakeController{gains: control.Gains{P: 3}}
	_, _ = Exec(c, nil, "coast", nil)
	out, err := Exec(c, nil, "status", nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"position  42", "target    300", "P=3", "(held)"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestExec_History(t *testing.T) {
	at := time.Date(2024, 3, 29, 10, 0, 0, 0, time.UTC)
	h := &fakeHistory{recs: []store.Retune{
		{ID: 2, Gains: control.Gains{P: 2}, At: at.Add(time.Minute)},
		{ID: 1, Gains: control.Gains{P: 1}, At: at},
	}}
	c := &fakeController{}

	out, err := Exec(c, h, "history", []string{"1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if out != "2024-03-29 10:01:00  P=2 I=0 D=0" {
		t.Errorf("history 1 = %q", out)
	}

	if _, err := Exec(c, nil, "history", nil); err == nil {
		t.Error("history without a store: expected error")
	}
	if _, err := Exec(c, h, "history", []string{"0"}); err == nil {
		t.Error("history 0: expected error")
	}
	if out, _ := Exec(c, &fakeHistory{}, "history", nil); out != "no retunes recorded" {
		t.Errorf("empty history = %q", out)
	}
}
