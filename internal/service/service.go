// Package service implements the named services each device kind exposes
// to the hub. Handlers decode their input, convert user units into bridge
// units and issue a single bridge call.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hue-connector/internal/bridge"
	"hue-connector/internal/device"
)

var (
	// ErrBadPayload is returned when a command payload cannot be decoded or
	// holds out-of-range values.
	ErrBadPayload = errors.New("service: bad payload")
	// ErrUnknownService is returned for a service the device kind does not expose.
	ErrUnknownService = errors.New("service: unknown service")
)

// Status codes carried by every response.
const (
	StatusOK     = 0
	StatusFailed = 1
)

// Bridge is the subset of the bridge client the handlers need.
type Bridge interface {
	Get(ctx context.Context, number string) (bridge.LightState, error)
	Put(ctx context.Context, number string, payload map[string]any) error
}

// Result is a hub-facing response. It always carries a "status" key.
type Result map[string]any

// Status returns the result's status code.
func (r Result) Status() int {
	s, _ := r["status"].(int)
	return s
}

type handler func(ctx context.Context, b Bridge, dev device.Snapshot, payload json.RawMessage) (Result, error)

var handlers = map[string]handler{
	device.ServiceSetOn:         setOn,
	device.ServiceSetOff:        setOff,
	device.ServiceSetColor:      setColor,
	device.ServiceSetBrightness: setBrightness,
	device.ServiceSetKelvin:     setKelvin,
	device.ServiceGetStatus:     getStatus,
}

// now is replaced in tests.
var now = time.Now

// Execute runs service against dev. The returned Result is always usable as
// a response: on failure it is {"status": 1, "error": detail} and err says
// what went wrong.
func Execute(ctx context.Context, b Bridge, dev device.Snapshot, service string, payload json.RawMessage) (Result, error) {
	h, ok := handlers[service]
	if !ok || !dev.Kind.HasService(service) {
		err := fmt.Errorf("%w: %q for %s", ErrUnknownService, service, dev.Kind)
		return failure(err), err
	}

	res, err := h(ctx, b, dev, payload)
	if err != nil {
		return failure(err), err
	}
	res["status"] = StatusOK
	return res, nil
}

func failure(err error) Result {
	detail := bridge.Detail(err)
	if errors.Is(err, ErrBadPayload) || errors.Is(err, ErrUnknownService) {
		detail = err.Error()
	}
	return Result{"status": StatusFailed, "error": detail}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

func checkRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%w: %s %v out of range [%v, %v]", ErrBadPayload, name, v, lo, hi)
	}
	return nil
}

func put(ctx context.Context, b Bridge, dev device.Snapshot, state map[string]any) (Result, error) {
	if err := b.Put(ctx, dev.Number, state); err != nil {
		return nil, err
	}
	return Result{}, nil
}
