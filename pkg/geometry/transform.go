package geometry

import "math"

// Rect is the on-screen rectangle an image is rendered into, in client
// (CSS pixel) coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport relates display space (the rendered image element) to natural
// space (the image's own pixel grid). Both sizes change independently: the
// natural size when a new image finishes loading, the rendered size on
// layout and resize.
type Viewport struct {
	Rendered Rect `json:"rendered"`
	Natural  Size `json:"natural"`
}

func (v Viewport) laidOut() bool {
	return v.Rendered.Width > 0 && v.Rendered.Height > 0
}

func (v Viewport) loaded() bool {
	return !v.Natural.Empty()
}

// ClientToDisplay maps a pointer position to display coordinates clamped to
// the rendered image. It returns false before layout.
func (v Viewport) ClientToDisplay(clientX, clientY float64) (Point, bool) {
	if !v.laidOut() {
		return Point{}, false
	}
	x := clamp(clientX-v.Rendered.Left, 0, v.Rendered.Width)
	y := clamp(clientY-v.Rendered.Top, 0, v.Rendered.Height)
	return Point{X: x, Y: y}, true
}

// DisplayToNatural scales a display box into natural pixels, rounded to
// whole pixels.
func (v Viewport) DisplayToNatural(b Box) (Box, bool) {
	if !v.laidOut() || !v.loaded() {
		return Box{}, false
	}
	sx := v.Natural.Width / v.Rendered.Width
	sy := v.Natural.Height / v.Rendered.Height
	return Box{
		X:      math.Round(b.X * sx),
		Y:      math.Round(b.Y * sy),
		Width:  math.Round(b.Width * sx),
		Height: math.Round(b.Height * sy),
	}, true
}

// NaturalToDisplay projects a natural-pixel box onto the current render.
func (v Viewport) NaturalToDisplay(b Box) (Box, bool) {
	if !v.laidOut() || !v.loaded() {
		return Box{}, false
	}
	sx := v.Rendered.Width / v.Natural.Width
	sy := v.Rendered.Height / v.Natural.Height
	return Box{
		X:      b.X * sx,
		Y:      b.Y * sy,
		Width:  b.Width * sx,
		Height: b.Height * sy,
	}, true
}

// NormalizedToNatural converts a 0-1 fractional box to natural pixels.
func NormalizedToNatural(b Box, natural Size) (Box, bool) {
	if natural.Empty() {
		return Box{}, false
	}
	return Box{
		X:      b.X * natural.Width,
		Y:      b.Y * natural.Height,
		Width:  b.Width * natural.Width,
		Height: b.Height * natural.Height,
	}, true
}

// NaturalToNormalized converts a natural-pixel box to 0-1 fractions.
func NaturalToNormalized(b Box, natural Size) (Box, bool) {
	if natural.Empty() {
		return Box{}, false
	}
	return Box{
		X:      b.X / natural.Width,
		Y:      b.Y / natural.Height,
		Width:  b.Width / natural.Width,
		Height: b.Height / natural.Height,
	}, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
