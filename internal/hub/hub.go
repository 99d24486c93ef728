// Package hub is the connector's side of the device-management hub: it
// receives commands, returns responses and keeps the hub's device list in
// step with the bridge.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueEmpty is returned by ReceiveCommand when no command arrived
	// within the wait.
	ErrQueueEmpty = errors.New("hub: command queue empty")
	// ErrHubSync is returned by a Future when the hub rejected or did not
	// confirm a device operation.
	ErrHubSync = errors.New("hub: sync error")
	// ErrTransport covers failures talking to the broker.
	ErrTransport = errors.New("hub: transport error")
)

// Completion tells the connector how the hub wants the response delivered.
type Completion string

const (
	// CompletionAsync responses are published without waiting for the broker.
	CompletionAsync Completion = "async"
	// CompletionConfirmed responses block until the broker acknowledged them.
	CompletionConfirmed Completion = "confirmed"
)

// Command is one request from the hub for a single device service.
type Command struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	Service    string          `json:"service"`
	Data       json.RawMessage `json:"data,omitempty"`
	Completion Completion      `json:"completion"`

	// Timestamp is when the connector received the command; max command age
	// counts from here. IssuedAt is the hub's own timestamp, zero if absent.
	Timestamp time.Time `json:"timestamp"`
	IssuedAt  time.Time `json:"issued_at"`

	// Local commands come from the web API or scripts rather than the hub.
	// Their results are not sent back to the hub.
	Local bool `json:"local,omitempty"`
}

// Device is the hub's view of a connector device.
type Device struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Type string            `json:"type"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Future is the pending result of an asynchronous hub operation.
type Future interface {
	Wait(ctx context.Context) error
}

// FutureFunc adapts a function to Future.
type FutureFunc func(ctx context.Context) error

func (f FutureFunc) Wait(ctx context.Context) error { return f(ctx) }

// Resolved returns a Future that completes immediately with err.
func Resolved(err error) Future {
	return FutureFunc(func(context.Context) error { return err })
}

// Await waits for all futures concurrently. The result has one entry per
// future, in order; nil means confirmed.
func Await(ctx context.Context, futures ...Future) []error {
	errs := make([]error, len(futures))
	var wg sync.WaitGroup
	for i, f := range futures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.Wait(ctx)
		}()
	}
	wg.Wait()
	return errs
}
