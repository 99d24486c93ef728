// Package events carries connector notifications (topology changes, state
// changes, command outcomes) to in-process listeners such as the web socket
// hub and automation scripts.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	DeviceAdded        = "device_added"
	DeviceRemoved      = "device_removed"
	DeviceRenamed      = "device_renamed"
	DeviceState        = "device_state"
	DeviceReachability = "device_reachability"
	PollFailed         = "poll_failed"
	CommandExecuted    = "command_executed"
	CommandDropped     = "command_dropped"
)

// Event is one notification. Data is one of the payload types below.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Device is the payload of device_* events.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OldName   string `json:"old_name,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reachable bool   `json:"reachable"`
	State     any    `json:"state,omitempty"`
}

// Command is the payload of command_* events.
type Command struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Service  string         `json:"service"`
	Local    bool           `json:"local"`
	Reason   string         `json:"reason,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// Poll is the payload of poll_failed.
type Poll struct {
	Error string `json:"error"`
}

// Handler is a callback for events.
type Handler func(Event)

type subscription struct {
	types   map[string]bool // nil means every type
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. Handlers run on the
// publisher's goroutine and must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	log    *slog.Logger
	now    func() time.Time
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]subscription),
		log:  logger.With("component", "events"),
		now:  time.Now,
	}
}

// On registers h for the given event types, or for every event when no type
// is given. The returned function unsubscribes.
func (b *Bus) On(h Handler, types ...string) func() {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Emit publishes an event of the given type. A nil *Bus drops everything,
// so components can run without one.
func (b *Bus) Emit(eventType string, data any) {
	if b == nil {
		return
	}
	ev := Event{Type: eventType, Time: b.now(), Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[eventType] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h, ev)
	}
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
