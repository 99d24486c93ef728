// Package automation runs user Lua scripts that react to connector events
// and issue device commands.
package automation

import (
	"encoding/json"
	"errors"

	"hue-connector/internal/device"
	"hue-connector/internal/hub"
)

// ErrScriptNotFound is returned for ids with no script file.
var ErrScriptNotFound = errors.New("automation: script not found")

// Commander accepts locally issued device commands.
type Commander interface {
	Submit(deviceID, service string, data json.RawMessage) (hub.Command, error)
}

// Devices is read-only access to the device registry.
type Devices interface {
	Get(id string) (device.Snapshot, bool)
	List() []device.Snapshot
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script represents a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // raw Lua source (without header)
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}
