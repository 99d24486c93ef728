package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"hue-connector/internal/bridge"
	"hue-connector/internal/device"
)

type fakeBridge struct {
	puts   []map[string]any
	number string
	state  bridge.LightState
	err    error
}

func (f *fakeBridge) Get(_ context.Context, number string) (bridge.LightState, error) {
	f.number = number
	return f.state, f.err
}

func (f *fakeBridge) Put(_ context.Context, number string, payload map[string]any) error {
	f.number = number
	f.puts = append(f.puts, payload)
	return f.err
}

var lamp = device.Snapshot{ID: "X", Number: "3", Model: "LCT010", Kind: device.KindExtendedColorLight}

func TestSetColorEndToEnd(t *testing.T) {
	b := &fakeBridge{}
	res, err := Execute(context.Background(), b, lamp, device.ServiceSetColor,
		json.RawMessage(`{"hue":0,"saturation":100,"brightness":50}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status() != StatusOK || len(res) != 1 {
		t.Errorf("result = %v, want {status:0}", res)
	}
	if b.number != "3" || len(b.puts) != 1 {
		t.Fatalf("puts = %v to %q", b.puts, b.number)
	}

	p := b.puts[0]
	if p["on"] != true || p["bri"] != 127 || p["transitiontime"] != 0 {
		t.Errorf("payload = %v", p)
	}
	xy, ok := p["xy"].([]float64)
	if !ok || len(xy) != 2 {
		t.Fatalf("xy = %v", p["xy"])
	}
	// Pure red lands near the red corner of gamut C.
	if xy[0] < 0.6 || xy[1] > 0.35 {
		t.Errorf("xy = %v, want near (0.69, 0.30)", xy)
	}
}

func TestSetColorRGB(t *testing.T) {
	b := &fakeBridge{}
	_, err := Execute(context.Background(), b, lamp, device.ServiceSetColor,
		json.RawMessage(`{"red":0,"green":0,"blue":255,"duration":1.5}`))
	if err != nil {
		t.Fatal(err)
	}
	p := b.puts[0]
	if _, ok := p["bri"]; ok {
		t.Error("bri must be omitted when brightness is not given")
	}
	if p["transitiontime"] != 15 {
		t.Errorf("transitiontime = %v, want 15", p["transitiontime"])
	}
}

func TestBadPayloads(t *testing.T) {
	tests := []struct {
		service string
		payload string
	}{
		{device.ServiceSetColor, `{"hue":400,"saturation":10}`},
		{device.ServiceSetColor, `{"hue":10,"saturation":-1}`},
		{device.ServiceSetColor, `{"red":300,"green":0,"blue":0}`},
		{device.ServiceSetColor, `{"hue":"red"}`},
		{device.ServiceSetBrightness, `{"brightness":101}`},
		{device.ServiceSetKelvin, `{"kelvin":0}`},
		{device.ServiceSetKelvin, `not json`},
	}
	for _, tt := range tests {
		b := &fakeBridge{}
		res, err := Execute(context.Background(), b, lamp, tt.service, json.RawMessage(tt.payload))
		if !errors.Is(err, ErrBadPayload) {
			t.Errorf("%s %s: err = %v, want ErrBadPayload", tt.service, tt.payload, err)
		}
		if res.Status() != StatusFailed {
			t.Errorf("%s %s: status = %d", tt.service, tt.payload, res.Status())
		}
		if len(b.puts) != 0 {
			t.Errorf("%s %s: bridge was called", tt.service, tt.payload)
		}
	}
}

func TestUnknownServiceForKind(t *testing.T) {
	plug := device.Snapshot{ID: "P", Number: "7", Kind: device.KindOnOffPlug}
	b := &fakeBridge{}
	res, err := Execute(context.Background(), b, plug, device.ServiceSetColor, nil)
	if !errors.Is(err, ErrUnknownService) || res.Status() != StatusFailed {
		t.Errorf("res = %v, err = %v", res, err)
	}

	if _, err := Execute(context.Background(), b, lamp, "selfDestruct", nil); !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}
}

func TestBridgeFailureBecomesStatus(t *testing.T) {
	b := &fakeBridge{err: &bridge.Error{Type: 201, Description: "parameter, bri, is not modifiable"}}
	res, err := Execute(context.Background(), b, lamp, device.ServiceSetOn, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status() != StatusFailed || res["error"] != "parameter, bri, is not modifiable" {
		t.Errorf("result = %v", res)
	}
}

func TestSetBrightness(t *testing.T) {
	b := &fakeBridge{}
	if _, err := Execute(context.Background(), b, lamp, device.ServiceSetBrightness, json.RawMessage(`{"brightness":100}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := Execute(context.Background(), b, lamp, device.ServiceSetBrightness, json.RawMessage(`{"brightness":0}`)); err != nil {
		t.Fatal(err)
	}
	if b.puts[0]["bri"] != 254 || b.puts[0]["on"] != true {
		t.Errorf("full brightness payload = %v", b.puts[0])
	}
	if b.puts[1]["on"] != false {
		t.Errorf("zero brightness payload = %v", b.puts[1])
	}
}

func TestSetKelvin(t *testing.T) {
	b := &fakeBridge{}
	if _, err := Execute(context.Background(), b, lamp, device.ServiceSetKelvin, json.RawMessage(`{"kelvin":4000}`)); err != nil {
		t.Fatal(err)
	}
	if b.puts[0]["ct"] != 250 {
		t.Errorf("ct = %v, want 250", b.puts[0]["ct"])
	}
}

func TestSetOnOff(t *testing.T) {
	b := &fakeBridge{}
	Execute(context.Background(), b, lamp, device.ServiceSetOn, nil)
	Execute(context.Background(), b, lamp, device.ServiceSetOff, json.RawMessage(`{}`))
	if b.puts[0]["on"] != true || b.puts[1]["on"] != false {
		t.Errorf("puts = %v", b.puts)
	}
}

func TestGetStatus(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	b := &fakeBridge{state: bridge.LightState{
		On: true, Bri: 254, CT: 250, ColorMode: "hs", Hue: 0, Sat: 254, Reachable: true,
	}}
	res, err := Execute(context.Background(), b, lamp, device.ServiceGetStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := Result{
		"status": 0, "on": true, "brightness": 100, "hue": 0, "saturation": 100,
		"red": 255, "green": 0, "blue": 0, "kelvin": 4000, "time": "2024-05-01T10:00:00Z",
	}
	for k, v := range want {
		if res[k] != v {
			t.Errorf("%s = %v, want %v", k, res[k], v)
		}
	}
}

func TestGetStatusXY(t *testing.T) {
	color := device.Snapshot{ID: "C", Number: "4", Model: "LST001", Kind: device.KindColorLight}
	b := &fakeBridge{state: bridge.LightState{On: true, Bri: 127, XY: []float64{0.3227, 0.329}, ColorMode: "xy"}}
	res, err := Execute(context.Background(), b, color, device.ServiceGetStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res["kelvin"]; ok {
		t.Error("color light should not report kelvin")
	}
	if res["brightness"] != 50 {
		t.Errorf("brightness = %v, want 50", res["brightness"])
	}
	if sat := res["saturation"].(int); sat > 15 {
		t.Errorf("white point saturation = %d, want near 0", sat)
	}
}

func TestGetStatusPlug(t *testing.T) {
	plug := device.Snapshot{ID: "P", Number: "7", Kind: device.KindOnOffPlug}
	b := &fakeBridge{state: bridge.LightState{On: true, Reachable: true}}
	res, err := Execute(context.Background(), b, plug, device.ServiceGetStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res["on"] != true || res["time"] == nil {
		t.Errorf("result = %v", res)
	}
	if _, ok := res["brightness"]; ok {
		t.Error("plug should not report brightness")
	}
}

func TestGetStatusBridgeDown(t *testing.T) {
	b := &fakeBridge{err: &bridge.Error{Status: 503}}
	res, _ := Execute(context.Background(), b, lamp, device.ServiceGetStatus, nil)
	if res.Status() != StatusFailed || res["error"] != "503" {
		t.Errorf("result = %v", res)
	}
}
