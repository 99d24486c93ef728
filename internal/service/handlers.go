package service

import (
	"context"
	"encoding/json"
	"fmt"

	"hue-connector/internal/color"
	"hue-connector/internal/device"
)

func setOn(ctx context.Context, b Bridge, dev device.Snapshot, _ json.RawMessage) (Result, error) {
	return put(ctx, b, dev, map[string]any{"on": true})
}

func setOff(ctx context.Context, b Bridge, dev device.Snapshot, _ json.RawMessage) (Result, error) {
	return put(ctx, b, dev, map[string]any{"on": false})
}

type colorInput struct {
	Hue        float64  `json:"hue"`
	Saturation float64  `json:"saturation"`
	Brightness *float64 `json:"brightness"`
	Duration   float64  `json:"duration"`

	// RGB form, used when all three are present.
	Red   *int `json:"red"`
	Green *int `json:"green"`
	Blue  *int `json:"blue"`
}

func (in colorInput) rgb() (r, g, b uint8, err error) {
	if in.Red != nil && in.Green != nil && in.Blue != nil {
		for _, c := range []struct {
			name string
			v    int
		}{{"red", *in.Red}, {"green", *in.Green}, {"blue", *in.Blue}} {
			if err := checkRange(c.name, float64(c.v), 0, 255); err != nil {
				return 0, 0, 0, err
			}
		}
		return uint8(*in.Red), uint8(*in.Green), uint8(*in.Blue), nil
	}
	if err := checkRange("hue", in.Hue, 0, 360); err != nil {
		return 0, 0, 0, err
	}
	if err := checkRange("saturation", in.Saturation, 0, 100); err != nil {
		return 0, 0, 0, err
	}
	r, g, b = color.HSBToRGB(in.Hue, in.Saturation, 100)
	return r, g, b, nil
}

// setColor converts HSB (or RGB) into the lamp's xy gamut. Brightness goes
// to "bri" separately so the chromaticity is computed at full value.
func setColor(ctx context.Context, b Bridge, dev device.Snapshot, payload json.RawMessage) (Result, error) {
	var in colorInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	r, g, bl, err := in.rgb()
	if err != nil {
		return nil, err
	}
	if in.Duration < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrBadPayload)
	}

	xy := color.ConverterForModel(dev.Model).RGBToXY(r, g, bl)
	state := map[string]any{
		"on":             true,
		"xy":             []float64{xy.X, xy.Y},
		"transitiontime": color.SecondsToDeciseconds(in.Duration),
	}
	if in.Brightness != nil {
		if err := checkRange("brightness", *in.Brightness, 0, 100); err != nil {
			return nil, err
		}
		state["bri"] = color.PercentToBri(*in.Brightness)
	}
	return put(ctx, b, dev, state)
}

type brightnessInput struct {
	Brightness float64 `json:"brightness"`
	Duration   float64 `json:"duration"`
}

func setBrightness(ctx context.Context, b Bridge, dev device.Snapshot, payload json.RawMessage) (Result, error) {
	var in brightnessInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := checkRange("brightness", in.Brightness, 0, 100); err != nil {
		return nil, err
	}
	tt := color.SecondsToDeciseconds(in.Duration)
	if in.Brightness == 0 {
		return put(ctx, b, dev, map[string]any{"on": false, "transitiontime": tt})
	}
	return put(ctx, b, dev, map[string]any{
		"on":             true,
		"bri":            color.PercentToBri(in.Brightness),
		"transitiontime": tt,
	})
}

type kelvinInput struct {
	Kelvin   int     `json:"kelvin"`
	Duration float64 `json:"duration"`
}

func setKelvin(ctx context.Context, b Bridge, dev device.Snapshot, payload json.RawMessage) (Result, error) {
	var in kelvinInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if in.Kelvin <= 0 {
		return nil, fmt.Errorf("%w: kelvin must be positive", ErrBadPayload)
	}
	return put(ctx, b, dev, map[string]any{
		"on":             true,
		"ct":             color.KelvinToMired(in.Kelvin),
		"transitiontime": color.SecondsToDeciseconds(in.Duration),
	})
}

// getStatus reads the live state and reports it in user units.
func getStatus(ctx context.Context, b Bridge, dev device.Snapshot, _ json.RawMessage) (Result, error) {
	st, err := b.Get(ctx, dev.Number)
	if err != nil {
		return nil, err
	}

	res := Result{
		"on":   st.On,
		"time": now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	if dev.Kind == device.KindOnOffPlug {
		return res, nil
	}

	var hue, sat int
	var r, g, bl uint8
	switch {
	case st.ColorMode == "hs":
		hue = int(float64(st.Hue) * 360 / 65535)
		sat = int(float64(st.Sat) * 100 / 254)
		r, g, bl = color.HSBToRGB(float64(hue), float64(sat), 100)
	case len(st.XY) == 2:
		r, g, bl = color.ConverterForModel(dev.Model).XYToRGB(color.XY{X: st.XY[0], Y: st.XY[1]}, 1)
		hue, sat, _ = color.RGBToHSB(r, g, bl)
	}

	res["brightness"] = color.BriToPercent(st.Bri)
	res["hue"] = hue
	res["saturation"] = sat
	res["red"] = int(r)
	res["green"] = int(g)
	res["blue"] = int(bl)
	if dev.Kind.HasService(device.ServiceSetKelvin) {
		res["kelvin"] = color.MiredToKelvin(st.CT)
	}
	return res, nil
}
