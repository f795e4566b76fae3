package web

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/machine"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
	"github.com/cjeanneret/MotorGo/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 10

// Controller is the part of the machine the web API drives.
type Controller interface {
	SetGains(p, i, d float64) error
	ResetIntegrator()
	Select(e waypoint.Event) (index int, position uint32)
	Hold(mode actuation.Direction) error
	Release()
	Status() machine.Status
}

// History lists past retunes. A nil History disables /api/gains/history.
type History interface {
	History(limit int) ([]store.Retune, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	ctrl        Controller
	history     History
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, history History, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		ctrl:        ctrl,
		history:     history,
		staticFS:    staticFS,
	}
}

// ErrResponse is the JSON body of every failed API call.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(code int, err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
		ErrorText:      err.Error(),
	}
}

func ErrInvalidRequest(err error) render.Renderer { return errResponse(http.StatusBadRequest, err) }
func ErrNotFound(err error) render.Renderer       { return errResponse(http.StatusNotFound, err) }
func ErrInternal(err error) render.Renderer       { return errResponse(http.StatusInternalServerError, err) }

// GainsRequest is the body of POST /api/gains. All three fields are required.
type GainsRequest struct {
	P *float64 `json:"p"`
	I *float64 `json:"i"`
	D *float64 `json:"d"`
}

func (g *GainsRequest) Bind(r *http.Request) error {
	if g.P == nil || g.I == nil || g.D == nil {
		return errors.New("p, i and d are required")
	}
	return nil
}

// TargetRequest is the body of POST /api/target.
type TargetRequest struct {
	Event string `json:"event"`

	event waypoint.Event
}

func (t *TargetRequest) Bind(r *http.Request) (err error) {
	t.event, err = waypoint.ParseEvent(t.Event)
	return err
}

// TargetResponse reports the waypoint selected by POST /api/target.
type TargetResponse struct {
	Index    int    `json:"index"`
	Position uint32 `json:"position"`
}

// HoldRequest is the body of POST /api/hold.
type HoldRequest struct {
	Mode string `json:"mode"`

	mode actuation.Direction
}

func (h *HoldRequest) Bind(r *http.Request) (err error) {
	h.mode, err = actuation.ParseStop(h.Mode)
	return err
}

func (h *Handlers) bind(w http.ResponseWriter, r *http.Request, v render.Binder) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := render.Bind(r, v); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return false
	}
	return true
}

// HandleStatus serves GET /api/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.ctrl.Status())
}

// HandleGetGains serves GET /api/gains.
func (h *Handlers) HandleGetGains(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.ctrl.Status().Gains)
}

// HandleSetGains serves POST /api/gains. Invalid gains leave the regulator
// untouched; a persistence failure is reported after the gains took effect.
func (h *Handlers) HandleSetGains(w http.ResponseWriter, r *http.Request) {
	var req GainsRequest
	if !h.bind(w, r, &req) {
		return
	}
	err := h.ctrl.SetGains(*req.P, *req.I, *req.D)
	switch {
	case errors.Is(err, control.ErrInvalidGains):
		render.Render(w, r, ErrInvalidRequest(err))
		return
	case err != nil:
		render.Render(w, r, ErrInternal(err))
		return
	}
	h.Broadcaster.BroadcastMsg(fmt.Sprintf("gains set to p=%g i=%g d=%g", *req.P, *req.I, *req.D))
	render.JSON(w, r, h.ctrl.Status().Gains)
}

// HandleGainsHistory serves GET /api/gains/history?limit=n, newest first.
func (h *Handlers) HandleGainsHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		render.Render(w, r, ErrNotFound(errors.New("no gain store configured")))
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			render.Render(w, r, ErrInvalidRequest(fmt.Errorf("invalid limit %q", s)))
			return
		}
		limit = n
	}
	list, err := h.history.History(limit)
	if err != nil {
		render.Render(w, r, ErrInternal(err))
		return
	}
	if list == nil {
		list = []store.Retune{}
	}
	render.JSON(w, r, list)
}

// HandleTarget serves POST /api/target.
func (h *Handlers) HandleTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !h.bind(w, r, &req) {
		return
	}
	idx, pos := h.ctrl.Select(req.event)
	render.JSON(w, r, TargetResponse{Index: idx, Position: pos})
}

// HandleHold serves POST /api/hold.
func (h *Handlers) HandleHold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if !h.bind(w, r, &req) {
		return
	}
	if err := h.ctrl.Hold(req.mode); err != nil {
		render.Render(w, r, ErrInternal(err))
		return
	}
	h.Broadcaster.Broadcast("warn", "motor held ("+req.mode.String()+")")
	render.JSON(w, r, h.ctrl.Status())
}

// HandleRun serves POST /api/run, giving the motor back to the loop.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Release()
	h.Broadcaster.BroadcastMsg("motor released")
	render.JSON(w, r, h.ctrl.Status())
}

// HandleReset serves POST /api/reset, clearing the integrator.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ResetIntegrator()
	render.JSON(w, r, h.ctrl.Status())
}

// ServeIndex serves the embedded index.html.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream streams broadcaster events as Server-Sent Events.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
