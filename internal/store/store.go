// Package store persists the device registry between restarts so devices
// removed from the bridge while the connector was down can still be
// deleted from the hub.
package store

import (
	"errors"
	"time"

	"hue-connector/internal/device"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// PollState records the outcome of the last successful reconciliation pass.
type PollState struct {
	BridgeHost  string    `json:"bridge_host"`
	LastPoll    time.Time `json:"last_poll"`
	DeviceCount int       `json:"device_count"`
}

// Store defines the persistence interface.
type Store interface {
	SaveDevice(dev device.Snapshot) error
	GetDevice(id string) (device.Snapshot, error)
	DeleteDevice(id string) error
	ListDevices() ([]device.Snapshot, error)

	SavePollState(state PollState) error
	GetPollState() (PollState, error)

	Close() error
}
