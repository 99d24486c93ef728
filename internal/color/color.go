// Package color converts between the user-facing color units exposed to the
// hub (RGB, HSB, Kelvin, percent) and the units the Hue bridge speaks (CIE xy
// within a lamp gamut, mired, 0-254 brightness, deciseconds).
package color

import (
	"math"
	"sync"

	"github.com/lucasb-eyer/go-colorful"
)

// XY is a point in the CIE 1931 chromaticity diagram.
type XY struct {
	X float64
	Y float64
}

// Gamut is the triangle of colors a lamp model can reproduce.
type Gamut struct {
	Red   XY
	Green XY
	Blue  XY
}

var (
	GamutA = Gamut{Red: XY{0.704, 0.296}, Green: XY{0.2151, 0.7106}, Blue: XY{0.138, 0.08}}
	GamutB = Gamut{Red: XY{0.675, 0.322}, Green: XY{0.4091, 0.518}, Blue: XY{0.167, 0.04}}
	GamutC = Gamut{Red: XY{0.692, 0.308}, Green: XY{0.17, 0.7}, Blue: XY{0.153, 0.048}}
)

var modelGamuts = map[string]Gamut{
	// Living colors, LightStrips
	"LLC001": GamutA, "LLC005": GamutA, "LLC006": GamutA, "LLC007": GamutA,
	"LLC010": GamutA, "LLC011": GamutA, "LLC012": GamutA, "LLC013": GamutA,
	"LLC014": GamutA, "LST001": GamutA,
	// First generation bulbs
	"LCT001": GamutB, "LCT002": GamutB, "LCT003": GamutB, "LCT007": GamutB, "LLM001": GamutB,
	// Gen 3 and later
	"LCT010": GamutC, "LCT011": GamutC, "LCT012": GamutC, "LCT014": GamutC,
	"LCT015": GamutC, "LCT016": GamutC, "LLC020": GamutC, "LST002": GamutC,
}

// GamutForModel returns the gamut of a Hue model id. Unknown models get gamut C.
func GamutForModel(model string) Gamut {
	if g, ok := modelGamuts[model]; ok {
		return g
	}
	return GamutC
}

// Converter translates between RGB and xy for a single gamut.
type Converter struct {
	gamut Gamut
}

// NewConverter returns a converter bound to gamut g.
func NewConverter(g Gamut) *Converter {
	return &Converter{gamut: g}
}

var converterPool sync.Map // model id -> *Converter

// ConverterForModel returns a cached converter for a Hue model id.
func ConverterForModel(model string) *Converter {
	if c, ok := converterPool.Load(model); ok {
		return c.(*Converter)
	}
	c, _ := converterPool.LoadOrStore(model, NewConverter(GamutForModel(model)))
	return c.(*Converter)
}

// RGBToXY converts 8-bit RGB into xy, clamped into the lamp gamut.
// Black maps to (0, 0).
func (c *Converter) RGBToXY(r, g, b uint8) XY {
	rl := gammaExpand(float64(r) / 255)
	gl := gammaExpand(float64(g) / 255)
	bl := gammaExpand(float64(b) / 255)

	x := rl*0.664511 + gl*0.154324 + bl*0.162028
	y := rl*0.283881 + gl*0.668433 + bl*0.047685
	z := rl*0.000088 + gl*0.072310 + bl*0.986039

	sum := x + y + z
	if sum == 0 {
		return XY{}
	}
	p := XY{X: x / sum, Y: y / sum}
	if !c.inReach(p) {
		p = c.closestInReach(p)
	}
	return XY{X: round4(p.X), Y: round4(p.Y)}
}

// XYToRGB converts an xy point at relative brightness bri (0..1] back to
// 8-bit RGB. Points outside the gamut are first moved onto its edge.
func (c *Converter) XYToRGB(p XY, bri float64) (r, g, b uint8) {
	if !c.inReach(p) {
		p = c.closestInReach(p)
	}
	if p.Y == 0 {
		return 0, 0, 0
	}
	if bri <= 0 {
		bri = 1
	}

	Y := bri
	X := (Y / p.Y) * p.X
	Z := (Y / p.Y) * (1 - p.X - p.Y)

	rl := X*1.656492 - Y*0.354851 - Z*0.255038
	gl := -X*0.707196 + Y*1.655397 + Z*0.036152
	bl := X*0.051713 - Y*0.121364 + Z*1.011530

	rl, gl, bl = gammaCompress(rl), gammaCompress(gl), gammaCompress(bl)
	rl, gl, bl = math.Max(rl, 0), math.Max(gl, 0), math.Max(bl, 0)

	if m := math.Max(rl, math.Max(gl, bl)); m > 1 {
		rl, gl, bl = rl/m, gl/m, bl/m
	}
	return uint8(rl * 255), uint8(gl * 255), uint8(bl * 255)
}

func (c *Converter) inReach(p XY) bool {
	v1 := XY{c.gamut.Green.X - c.gamut.Red.X, c.gamut.Green.Y - c.gamut.Red.Y}
	v2 := XY{c.gamut.Blue.X - c.gamut.Red.X, c.gamut.Blue.Y - c.gamut.Red.Y}
	q := XY{p.X - c.gamut.Red.X, p.Y - c.gamut.Red.Y}

	d := cross(v1, v2)
	s := cross(q, v2) / d
	t := cross(v1, q) / d
	return s >= 0 && t >= 0 && s+t <= 1
}

func (c *Converter) closestInReach(p XY) XY {
	pAB := closestOnLine(c.gamut.Red, c.gamut.Green, p)
	pAC := closestOnLine(c.gamut.Blue, c.gamut.Red, p)
	pBC := closestOnLine(c.gamut.Green, c.gamut.Blue, p)

	best, bestDist := pAB, distance(p, pAB)
	if d := distance(p, pAC); d < bestDist {
		best, bestDist = pAC, d
	}
	if d := distance(p, pBC); d < bestDist {
		best = pBC
	}
	return best
}

func closestOnLine(a, b, p XY) XY {
	ap := XY{p.X - a.X, p.Y - a.Y}
	ab := XY{b.X - a.X, b.Y - a.Y}
	t := (ap.X*ab.X + ap.Y*ab.Y) / (ab.X*ab.X + ab.Y*ab.Y)
	t = math.Min(math.Max(t, 0), 1)
	return XY{a.X + ab.X*t, a.Y + ab.Y*t}
}

func cross(a, b XY) float64 { return a.X*b.Y - a.Y*b.X }

func distance(a, b XY) float64 { return math.Hypot(a.X-b.X, a.Y-b.Y) }

func gammaExpand(v float64) float64 {
	if v > 0.04045 {
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	return v / 12.92
}

func gammaCompress(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// HSBToRGB converts hue (degrees, 0-360), saturation and brightness
// (percent, 0-100) into 8-bit RGB.
func HSBToRGB(hue, saturation, brightness float64) (r, g, b uint8) {
	c := colorful.Hsv(math.Mod(hue, 360), clamp01(saturation/100), clamp01(brightness/100))
	return c.Clamped().RGB255()
}

// RGBToHSB is the inverse of HSBToRGB, rounded to whole units.
func RGBToHSB(r, g, b uint8) (hue, saturation, brightness int) {
	c := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
	h, s, v := c.Hsv()
	return int(math.Round(h)) % 360, int(math.Round(s * 100)), int(math.Round(v * 100))
}

// Mired range supported by Hue white ambiance lamps.
const (
	MinMired = 153
	MaxMired = 500
)

// KelvinToMired converts a color temperature to mired, clamped to the Hue range.
func KelvinToMired(kelvin int) int {
	if kelvin <= 0 {
		return MaxMired
	}
	m := int(math.Round(1e6 / float64(kelvin)))
	return min(max(m, MinMired), MaxMired)
}

// MiredToKelvin converts mired to Kelvin. Zero mired yields zero.
func MiredToKelvin(mired int) int {
	if mired <= 0 {
		return 0
	}
	return int(math.Round(1e6 / float64(mired)))
}

// PercentToBri maps 0-100 percent onto the bridge's brightness scale.
// The bridge accepts 1-254; 0 stays 0 so callers can decide to switch off.
func PercentToBri(percent float64) int {
	p := math.Min(math.Max(percent, 0), 100)
	return min(int(p*255/100), 254)
}

// BriToPercent maps bridge brightness back onto 0-100 percent.
func BriToPercent(bri int) int {
	return min(max(int(math.Round(float64(bri)*100/255)), 0), 100)
}

// SecondsToDeciseconds converts a transition duration for the bridge's
// transitiontime field.
func SecondsToDeciseconds(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Round(seconds * 10))
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
