package bridge

import (
	"context"
	"encoding/json"
	"net/http"
)

// LightState is the live state block of a v1 light resource.
type LightState struct {
	On        bool      `json:"on"`
	Bri       int       `json:"bri,omitempty"`
	Hue       int       `json:"hue,omitempty"`
	Sat       int       `json:"sat,omitempty"`
	XY        []float64 `json:"xy,omitempty"`
	CT        int       `json:"ct,omitempty"`
	ColorMode string    `json:"colormode,omitempty"`
	Reachable bool      `json:"reachable"`
}

// Light is a v1 light resource as listed by GET /lights.
type Light struct {
	Number           string     `json:"-"` // key in the lights map
	UniqueID         string     `json:"uniqueid"`
	Name             string     `json:"name"`
	ModelID          string     `json:"modelid"`
	Type             string     `json:"type"`
	ManufacturerName string     `json:"manufacturername"`
	State            LightState `json:"state"`
}

// Lights fetches every light known to the bridge, keyed by unique id.
// Lights without a unique id are skipped.
func (c *Client) Lights(ctx context.Context) (map[string]Light, error) {
	data, err := c.do(ctx, http.MethodGet, c.url("lights"), nil)
	if err != nil {
		return nil, err
	}
	if isList, err := envelopeError(data); isList {
		if err == nil {
			err = protocolErr("unexpected list response")
		}
		return nil, err
	}

	var raw map[string]Light
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErr("decode lights: %v", err)
	}

	lights := make(map[string]Light, len(raw))
	for number, l := range raw {
		if l.UniqueID == "" {
			c.log.Debug("skipping light without unique id", "number", number)
			continue
		}
		l.Number = number
		lights[l.UniqueID] = l
	}
	return lights, nil
}

// Get reads the live state of the light at the given bridge slot.
func (c *Client) Get(ctx context.Context, number string) (LightState, error) {
	data, err := c.do(ctx, http.MethodGet, c.url("lights", number), nil)
	if err != nil {
		return LightState{}, err
	}
	if isList, err := envelopeError(data); isList {
		if err == nil {
			err = protocolErr("unexpected list response")
		}
		return LightState{}, err
	}

	var l Light
	if err := json.Unmarshal(data, &l); err != nil {
		return LightState{}, protocolErr("decode light: %v", err)
	}
	return l.State, nil
}

// Put writes payload to the state of the light at the given bridge slot.
// Payload is a flat object of Hue state fields (on, bri, xy, ct, transitiontime).
func (c *Client) Put(ctx context.Context, number string, payload map[string]any) error {
	data, err := c.do(ctx, http.MethodPut, c.url("lights", number, "state"), payload)
	if err != nil {
		return err
	}
	isList, err := envelopeError(data)
	if err != nil {
		return err
	}
	if !isList {
		return protocolErr("unexpected response to state update")
	}
	return nil
}
