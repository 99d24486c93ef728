// Package device holds the connector's view of the lights and plugs behind
// the Hue bridge.
package device

import (
	"hue-connector/internal/bridge"
)

// Kind is the closed set of device variants the connector can mirror.
type Kind int

const (
	KindUnknown Kind = iota
	KindExtendedColorLight
	KindColorLight
	KindOnOffPlug
)

// Service names exposed to the hub.
const (
	ServiceSetOn         = "setOn"
	ServiceSetOff        = "setOff"
	ServiceSetColor      = "setColor"
	ServiceSetBrightness = "setBrightness"
	ServiceSetKelvin     = "setKelvin"
	ServiceGetStatus     = "getStatus"
)

var kindNames = map[Kind]string{
	KindExtendedColorLight: "extended_color_light",
	KindColorLight:         "color_light",
	KindOnOffPlug:          "on_off_plug",
}

var kindServices = map[Kind][]string{
	KindExtendedColorLight: {ServiceSetOn, ServiceSetOff, ServiceSetColor, ServiceSetBrightness, ServiceSetKelvin, ServiceGetStatus},
	KindColorLight:         {ServiceSetOn, ServiceSetOff, ServiceSetColor, ServiceSetBrightness, ServiceGetStatus},
	KindOnOffPlug:          {ServiceSetOn, ServiceSetOff, ServiceGetStatus},
}

// productTypes maps the bridge-reported "type" string to a Kind.
var productTypes = map[string]Kind{
	"Extended color light": KindExtendedColorLight,
	"Color light":          KindColorLight,
	"On/Off plug-in unit":  KindOnOffPlug,
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	*k = KindUnknown
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			break
		}
	}
	return nil
}

// Services returns the fixed service list of the kind.
func (k Kind) Services() []string {
	return kindServices[k]
}

// HasService reports whether service is part of the kind's service set.
func (k Kind) HasService(service string) bool {
	for _, s := range kindServices[k] {
		if s == service {
			return true
		}
	}
	return false
}

// KindForProductType looks up the Kind for a bridge product type.
func KindForProductType(productType string) (Kind, bool) {
	k, ok := productTypes[productType]
	return k, ok
}

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindExtendedColorLight, KindColorLight, KindOnOffPlug}
}

// State is the live part of a device as last reported by the bridge.
// It is a comparable value: two states are equal when every field is.
type State struct {
	Reachable bool       `json:"reachable"`
	On        bool       `json:"on"`
	Bri       int        `json:"bri,omitempty"`
	Hue       int        `json:"hue,omitempty"`
	Sat       int        `json:"sat,omitempty"`
	XY        [2]float64 `json:"xy,omitempty"`
	CT        int        `json:"ct,omitempty"`
	ColorMode string     `json:"colormode,omitempty"`
}

// Snapshot is a copy of a device's attributes. Components never share
// mutable device records; they exchange snapshots.
type Snapshot struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Number       string `json:"number"`
	Kind         Kind   `json:"kind"`
	ProductType  string `json:"product_type"`
	Manufacturer string `json:"manufacturer,omitempty"`
	State        State  `json:"state"`
}

// Differs reports whether the observable attributes (name, model, state,
// number) of two snapshots differ.
func (s Snapshot) Differs(o Snapshot) bool {
	return s.Name != o.Name || s.Model != o.Model || s.State != o.State || s.Number != o.Number
}

// FromLight builds a snapshot from a bridge light. ok is false when the
// product type is not supported.
func FromLight(l bridge.Light) (Snapshot, bool) {
	kind, ok := KindForProductType(l.Type)
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:           l.UniqueID,
		Name:         l.Name,
		Model:        l.ModelID,
		Number:       l.Number,
		Kind:         kind,
		ProductType:  l.Type,
		Manufacturer: l.ManufacturerName,
		State:        StateFromBridge(l.State),
	}, true
}

// StateFromBridge converts the bridge's state block.
func StateFromBridge(ls bridge.LightState) State {
	st := State{
		Reachable: ls.Reachable,
		On:        ls.On,
		Bri:       ls.Bri,
		Hue:       ls.Hue,
		Sat:       ls.Sat,
		CT:        ls.CT,
		ColorMode: ls.ColorMode,
	}
	if len(ls.XY) == 2 {
		st.XY = [2]float64{ls.XY[0], ls.XY[1]}
	}
	return st
}
