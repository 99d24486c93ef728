package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hue-connector/internal/device"
	"hue-connector/internal/events"
	"hue-connector/internal/hub"
	"hue-connector/internal/service"
)

// Worker executes the commands of a single device strictly in arrival
// order. Its queue is unbounded so enqueueing never blocks the controller.
type Worker struct {
	deviceID string
	c        *Controller
	log      *slog.Logger

	mu     sync.Mutex
	queue  []hub.Command
	notify chan struct{}

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// WorkerInfo describes a live worker.
type WorkerInfo struct {
	DeviceID  string `json:"device_id"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
}

func newWorker(c *Controller, deviceID string) *Worker {
	return &Worker{
		deviceID: deviceID,
		c:        c,
		log:      c.log.With("device", deviceID),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue appends cmd to the queue without blocking.
func (w *Worker) Enqueue(cmd hub.Command) {
	w.mu.Lock()
	w.queue = append(w.queue, cmd)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Stop asks the worker to exit. A command already executing finishes first;
// queued commands are discarded.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stopCh)
	})
}

// Done is closed when the worker has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Info returns a snapshot of the worker's counters.
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	queued := len(w.queue)
	w.mu.Unlock()
	return WorkerInfo{
		DeviceID:  w.deviceID,
		Queued:    queued,
		Processed: w.processed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.log.Debug("worker started")

	for !w.stopped.Load() {
		cmd, ok := w.next(w.c.cfg.WorkerIdleTimeout)
		if !ok {
			continue
		}
		w.execute(ctx, cmd)
	}

	w.mu.Lock()
	discarded := len(w.queue)
	w.queue = nil
	w.mu.Unlock()
	w.log.Debug("worker stopped", "discarded", discarded)
}

// next pops the oldest command, waiting up to timeout for one to arrive.
func (w *Worker) next(timeout time.Duration) (hub.Command, bool) {
	if cmd, ok := w.pop(); ok {
		return cmd, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.notify:
		return w.pop()
	case <-timer.C:
	case <-w.stopCh:
	}
	return hub.Command{}, false
}

func (w *Worker) pop() (hub.Command, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return hub.Command{}, false
	}
	cmd := w.queue[0]
	w.queue[0] = hub.Command{}
	w.queue = w.queue[1:]
	return cmd, true
}

func (w *Worker) execute(ctx context.Context, cmd hub.Command) {
	log := w.log.With("service", cmd.Service, "command", cmd.ID)

	if age := w.c.now().Sub(cmd.Timestamp); age > w.c.cfg.MaxCommandAge {
		w.drop(cmd, fmt.Errorf("%w: age %s", ErrStaleCommand, age.Round(time.Millisecond)))
		return
	}
	dev, ok := w.c.devices.Get(cmd.DeviceID)
	if !ok {
		w.drop(cmd, ErrUnknownDevice)
		return
	}

	result := w.call(ctx, log, cmd, dev)
	w.processed.Add(1)

	w.c.bus.Emit(events.CommandExecuted, events.Command{
		ID:       cmd.ID,
		DeviceID: cmd.DeviceID,
		Service:  cmd.Service,
		Local:    cmd.Local,
		Result:   result,
	})
	if cmd.Local {
		return
	}
	async := cmd.Completion != hub.CompletionConfirmed
	if err := w.c.hub.SendResponse(ctx, cmd, result, async); err != nil {
		log.Warn("could not send response", "err", err)
	}
}

// call runs the service handler. Handler errors and panics both turn into
// a failed result.
func (w *Worker) call(ctx context.Context, log *slog.Logger, cmd hub.Command, dev device.Snapshot) (result service.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("service handler panic", "panic", r)
			result = service.Result{"status": service.StatusFailed, "error": "internal error"}
		}
	}()

	// In-flight bridge calls are not cancelled on shutdown.
	result, err := service.Execute(context.WithoutCancel(ctx), w.c.bridge, dev, cmd.Service, cmd.Data)
	if err != nil {
		log.Error("command failed", "err", err)
		return result
	}
	log.Debug("command executed")
	return result
}

func (w *Worker) drop(cmd hub.Command, reason error) {
	w.dropped.Add(1)
	w.log.Warn("dropping command", "service", cmd.Service, "command", cmd.ID, "reason", reason)
	w.c.bus.Emit(events.CommandDropped, events.Command{
		ID:       cmd.ID,
		DeviceID: cmd.DeviceID,
		Service:  cmd.Service,
		Local:    cmd.Local,
		Reason:   reason.Error(),
	})
}
