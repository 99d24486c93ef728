// Package controller routes hub commands to per-device workers.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hue-connector/internal/device"
	"hue-connector/internal/events"
	"hue-connector/internal/hub"
	"hue-connector/internal/service"
)

var (
	// ErrUnknownDevice is returned for commands addressed to a device the
	// registry does not know.
	ErrUnknownDevice = errors.New("controller: unknown device")
	// ErrStaleCommand marks commands that waited longer than the maximum age.
	ErrStaleCommand = errors.New("controller: stale command")
	// ErrUnknownService is returned for a service the device does not expose.
	ErrUnknownService = service.ErrUnknownService
)

// Hub is the command side of the hub client.
type Hub interface {
	ReceiveCommand(ctx context.Context, timeout time.Duration) (hub.Command, error)
	SendResponse(ctx context.Context, cmd hub.Command, result map[string]any, async bool) error
}

// Devices is read-only access to the device registry.
type Devices interface {
	Get(id string) (device.Snapshot, bool)
	IDs() []string
}

// Config controls command routing.
type Config struct {
	// MaxCommandAge is how long a command may wait before it is dropped.
	MaxCommandAge time.Duration
	// ReceiveTimeout bounds each wait for an inbound command.
	ReceiveTimeout time.Duration
	// WorkerIdleTimeout bounds each worker's wait for its next command.
	WorkerIdleTimeout time.Duration
	// GCInterval is the minimum time between garbage collection passes.
	GCInterval time.Duration
	// DispatchDelay is slept after each dispatch to spare the bridge.
	DispatchDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxCommandAge <= 0 {
		c.MaxCommandAge = 30 * time.Second
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 30 * time.Second
	}
	if c.WorkerIdleTimeout <= 0 {
		c.WorkerIdleTimeout = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 120 * time.Second
	}
}

// Controller owns the worker pool. Workers are created on the first command
// for a device and collected once the device leaves the registry.
type Controller struct {
	hub     Hub
	devices Devices
	bridge  service.Bridge
	bus     *events.Bus
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	workers map[string]*Worker
	baseCtx context.Context
	wg      sync.WaitGroup
	lastGC  time.Time
}

// New creates a controller. bus may be nil.
func New(h Hub, devices Devices, b service.Bridge, bus *events.Bus, cfg Config, logger *slog.Logger) *Controller {
	cfg.setDefaults()
	return &Controller{
		hub:     h,
		devices: devices,
		bridge:  b,
		bus:     bus,
		cfg:     cfg,
		log:     logger.With("component", "controller"),
		now:     time.Now,
		workers: make(map[string]*Worker),
		baseCtx: context.Background(),
	}
}

// Run receives and dispatches hub commands until ctx is cancelled, then
// stops all workers and waits for them.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.lastGC = c.now()
	c.mu.Unlock()
	c.log.Info("controller started", "max_command_age", c.cfg.MaxCommandAge)

	for {
		cmd, err := c.hub.ReceiveCommand(ctx, c.cfg.ReceiveTimeout)
		switch {
		case ctx.Err() != nil:
			c.shutdown()
			return
		case errors.Is(err, hub.ErrQueueEmpty):
			if c.now().Sub(c.lastGC) >= c.cfg.GCInterval {
				c.collectGarbage()
				c.lastGC = c.now()
			}
			continue
		case err != nil:
			c.log.Error("receive command", "err", err)
			continue
		}

		// Unknown devices are logged by Dispatch and get no response.
		c.Dispatch(cmd)
		if c.cfg.DispatchDelay > 0 {
			select {
			case <-time.After(c.cfg.DispatchDelay):
			case <-ctx.Done():
			}
		}
	}
}

// Dispatch hands cmd to its device's worker, creating the worker if needed.
// Commands for unknown devices are dropped with ErrUnknownDevice.
func (c *Controller) Dispatch(cmd hub.Command) error {
	if _, ok := c.devices.Get(cmd.DeviceID); !ok {
		c.log.Warn("received command for unknown device", "device", cmd.DeviceID, "service", cmd.Service, "command", cmd.ID)
		c.bus.Emit(events.CommandDropped, events.Command{
			ID:       cmd.ID,
			DeviceID: cmd.DeviceID,
			Service:  cmd.Service,
			Local:    cmd.Local,
			Reason:   ErrUnknownDevice.Error(),
		})
		return fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.DeviceID)
	}
	c.worker(cmd.DeviceID).Enqueue(cmd)
	return nil
}

// Submit queues a locally issued command. Its result is published as a
// command_executed event rather than sent to the hub.
func (c *Controller) Submit(deviceID, svc string, data json.RawMessage) (hub.Command, error) {
	dev, ok := c.devices.Get(deviceID)
	if !ok {
		return hub.Command{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if !dev.Kind.HasService(svc) {
		return hub.Command{}, fmt.Errorf("%w: %q for %s", ErrUnknownService, svc, dev.Kind)
	}
	cmd := hub.Command{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Service:    svc,
		Data:       data,
		Timestamp:  c.now(),
		Completion: hub.CompletionAsync,
		Local:      true,
	}
	return cmd, c.Dispatch(cmd)
}

func (c *Controller) worker(id string) *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[id]; ok {
		return w
	}
	w := newWorker(c, id)
	c.workers[id] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run(c.baseCtx)
	}()
	return w
}

// Workers describes the live workers, sorted by device id.
func (c *Controller) Workers() []WorkerInfo {
	c.mu.Lock()
	list := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		list = append(list, w)
	}
	c.mu.Unlock()

	infos := make([]WorkerInfo, len(list))
	for i, w := range list {
		infos[i] = w.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// collectGarbage stops and forgets workers whose device is no longer
// registered. It returns the number of workers removed.
func (c *Controller) collectGarbage() int {
	known := make(map[string]bool)
	for _, id := range c.devices.IDs() {
		known[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, w := range c.workers {
		if known[id] {
			continue
		}
		w.Stop()
		delete(c.workers, id)
		n++
	}
	c.log.Debug("garbage collection done", "collected", n, "workers", len(c.workers))
	return n
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	for id, w := range c.workers {
		w.Stop()
		delete(c.workers, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.log.Info("controller stopped")
}
