package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"hue-connector/internal/controller"
	"hue-connector/internal/device"
	"hue-connector/internal/events"
)

// deviceView is the API representation of a registered device.
type deviceView struct {
	device.Snapshot
	Services []string `json:"services"`
}

func viewOf(dev device.Snapshot) deviceView {
	return deviceView{Snapshot: dev, Services: dev.Kind.Services()}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	list := s.devices.List()
	views := make([]deviceView, len(list))
	for i, dev := range list {
		views[i] = viewOf(dev)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.devices.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(dev))
}

// commandResponse is returned by the command endpoint.
type commandResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"` // "executed", "dropped" or "pending"
	Reason string         `json:"reason,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// handleAPISendCommand queues a local command and, unless ?async=true,
// waits for its outcome up to the command timeout.
func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc := r.PathValue("service")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var data json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		data = body
	}

	waiter := newCommandWaiter()
	if r.URL.Query().Get("async") != "true" {
		unsub := s.bus.On(waiter.observe, events.CommandExecuted, events.CommandDropped)
		defer unsub()
	}

	cmd, err := s.ctrl.Submit(id, svc, data)
	switch {
	case errors.Is(err, controller.ErrUnknownDevice):
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	case errors.Is(err, controller.ErrUnknownService):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit command", "device", id, "service", svc, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	pending := commandResponse{ID: cmd.ID, Status: "pending"}
	if r.URL.Query().Get("async") == "true" {
		s.writeJSON(w, http.StatusAccepted, pending)
		return
	}

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()
	select {
	case ev := <-waiter.wait(cmd.ID):
		c := ev.Data.(events.Command)
		if ev.Type == events.CommandDropped {
			s.writeJSON(w, http.StatusConflict, commandResponse{ID: c.ID, Status: "dropped", Reason: c.Reason})
			return
		}
		s.writeJSON(w, http.StatusOK, commandResponse{ID: c.ID, Status: "executed", Result: c.Result})
	case <-timer.C:
		s.writeJSON(w, http.StatusAccepted, pending)
	case <-r.Context().Done():
	}
}

// commandWaiter picks one command's outcome off the bus. The worker may
// finish before Submit returns the id, so earlier events are kept until the
// id is known.
type commandWaiter struct {
	mu    sync.Mutex
	id    string
	early []events.Event
	ch    chan events.Event
}

func newCommandWaiter() *commandWaiter {
	return &commandWaiter{ch: make(chan events.Event, 1)}
}

func (cw *commandWaiter) observe(ev events.Event) {
	c, ok := ev.Data.(events.Command)
	if !ok || !c.Local {
		return
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.id == "" {
		if len(cw.early) < 256 {
			cw.early = append(cw.early, ev)
		}
		return
	}
	if c.ID == cw.id {
		cw.deliver(ev)
	}
}

func (cw *commandWaiter) wait(id string) <-chan events.Event {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.id = id
	for _, ev := range cw.early {
		if ev.Data.(events.Command).ID == id {
			cw.deliver(ev)
		}
	}
	cw.early = nil
	return cw.ch
}

func (cw *commandWaiter) deliver(ev events.Event) {
	select {
	case cw.ch <- ev:
	default:
	}
}

func (s *Server) handleAPIWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Workers())
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handleAPIPoll(w http.ResponseWriter, r *http.Request) {
	s.poller.Trigger()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
