// Package config loads the connector configuration from YAML or TOML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"hue-connector/internal/device"
)

// Duration is a time.Duration written as a Go duration string ("10s", "2m").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge" toml:"bridge"`
	Hub         HubConfig         `yaml:"hub" toml:"hub"`
	DeviceTypes map[string]string `yaml:"device_types" toml:"device_types"`
	Monitor     MonitorConfig     `yaml:"monitor" toml:"monitor"`
	Controller  ControllerConfig  `yaml:"controller" toml:"controller"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Web         WebConfig         `yaml:"web" toml:"web"`
	Log         LogConfig         `yaml:"log" toml:"log"`
	ScriptsDir  string            `yaml:"scripts_dir" toml:"scripts_dir"`
}

type BridgeConfig struct {
	Host        string   `yaml:"host" toml:"host"`
	Scheme      string   `yaml:"scheme" toml:"scheme"`
	APIPath     string   `yaml:"api_path" toml:"api_path"`
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	InsecureTLS bool     `yaml:"insecure_tls" toml:"insecure_tls"`
	// EventStream subscribes to the bridge's event stream and polls early on
	// light events.
	EventStream bool `yaml:"event_stream" toml:"event_stream"`
}

type HubConfig struct {
	Broker         string   `yaml:"broker" toml:"broker"`
	ClientID       string   `yaml:"client_id" toml:"client_id"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	TopicPrefix    string   `yaml:"topic_prefix" toml:"topic_prefix"`
	PublishTimeout Duration `yaml:"publish_timeout" toml:"publish_timeout"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	RequireAck     bool     `yaml:"require_ack" toml:"require_ack"`
}

type MonitorConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
}

type ControllerConfig struct {
	MaxCommandAge     Duration `yaml:"max_command_age" toml:"max_command_age"`
	ReceiveTimeout    Duration `yaml:"receive_timeout" toml:"receive_timeout"`
	WorkerIdleTimeout Duration `yaml:"worker_idle_timeout" toml:"worker_idle_timeout"`
	GCInterval        Duration `yaml:"gc_interval" toml:"gc_interval"`
	DispatchDelay     Duration `yaml:"dispatch_delay" toml:"dispatch_delay"`
}

type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type WebConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Listen         string   `yaml:"listen" toml:"listen"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads path, decoding TOML for .toml files and YAML otherwise, and
// applies defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Bridge.Scheme == "" {
		c.Bridge.Scheme = "https"
	}
	if c.Bridge.APIPath == "" {
		c.Bridge.APIPath = "api"
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = Duration(10 * time.Second)
	}
	if c.Hub.TopicPrefix == "" {
		c.Hub.TopicPrefix = "hue-connector"
	}
	if c.Hub.ClientID == "" {
		c.Hub.ClientID = "hue-connector"
	}
	if c.Hub.PublishTimeout == 0 {
		c.Hub.PublishTimeout = Duration(5 * time.Second)
	}
	if c.Hub.ConfirmTimeout == 0 {
		c.Hub.ConfirmTimeout = Duration(30 * time.Second)
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = Duration(10 * time.Second)
	}
	if c.Controller.MaxCommandAge == 0 {
		c.Controller.MaxCommandAge = Duration(30 * time.Second)
	}
	if c.Controller.ReceiveTimeout == 0 {
		c.Controller.ReceiveTimeout = Duration(30 * time.Second)
	}
	if c.Controller.WorkerIdleTimeout == 0 {
		c.Controller.WorkerIdleTimeout = Duration(30 * time.Second)
	}
	if c.Controller.GCInterval == 0 {
		c.Controller.GCInterval = Duration(120 * time.Second)
	}
	if c.Store.Path == "" {
		c.Store.Path = "hue-connector.db"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Bridge.Host == "" {
		return fmt.Errorf("bridge.host is required")
	}
	if c.Bridge.APIKey == "" {
		return fmt.Errorf("bridge.api_key is required")
	}
	if c.Bridge.Scheme != "http" && c.Bridge.Scheme != "https" {
		return fmt.Errorf("bridge.scheme must be http or https, got %q", c.Bridge.Scheme)
	}
	if c.Hub.Broker == "" {
		return fmt.Errorf("hub.broker is required")
	}
	if _, err := c.KindTypes(); err != nil {
		return err
	}
	if c.Monitor.PollInterval < 0 || c.Controller.DispatchDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "color":
	default:
		return fmt.Errorf("log.format must be text, json or color, got %q", c.Log.Format)
	}
	return nil
}

// KindTypes resolves device_types into hub device-type identifiers per kind.
// Every supported kind must be mapped.
func (c *Config) KindTypes() (map[device.Kind]string, error) {
	out := make(map[device.Kind]string, len(c.DeviceTypes))
	for name, hubType := range c.DeviceTypes {
		var k device.Kind
		if err := k.UnmarshalText([]byte(name)); err != nil || k == device.KindUnknown {
			return nil, fmt.Errorf("device_types: unknown kind %q", name)
		}
		out[k] = hubType
	}
	for _, k := range device.Kinds() {
		if out[k] == "" {
			return nil, fmt.Errorf("device_types.%s is required", k)
		}
	}
	return out, nil
}
