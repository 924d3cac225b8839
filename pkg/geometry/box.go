// Package geometry holds the box type shared by the annotation tool, the AI
// prediction dataset and persisted trial records, together with the overlap
// and coordinate-space helpers that operate on it.
package geometry

import "math"

// Box is an axis-aligned rectangle. The coordinate space is implied by the
// caller; within this module stored boxes are natural image pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether either dimension is zero or negative.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (b Box) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Degenerate reports a zero-area box. Degenerate boxes are valid values but
// never overlap anything.
func (b Box) Degenerate() bool {
	return b.Area() == 0
}

// Valid reports finite coordinates and non-negative extents.
func (b Box) Valid() bool {
	for _, v := range []float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Width >= 0 && b.Height >= 0
}

func (b Box) Right() float64  { return b.X + b.Width }
func (b Box) Bottom() float64 { return b.Y + b.Height }

// FromCorners builds a box from two opposite corners in any order.
func FromCorners(p, q Point) Box {
	return Box{
		X:      math.Min(p.X, q.X),
		Y:      math.Min(p.Y, q.Y),
		Width:  math.Abs(q.X - p.X),
		Height: math.Abs(q.Y - p.Y),
	}
}

// IoU returns the intersection-over-union of two boxes in the same
// coordinate space as a fraction in [0,1]. A nil or degenerate box yields 0.
func IoU(a, b *Box) float64 {
	if a == nil || b == nil || a.Degenerate() || b.Degenerate() {
		return 0
	}

	ix1 := math.Max(a.X, b.X)
	iy1 := math.Max(a.Y, b.Y)
	ix2 := math.Min(a.Right(), b.Right())
	iy2 := math.Min(a.Bottom(), b.Bottom())

	iw := math.Max(0, ix2-ix1)
	ih := math.Max(0, iy2-iy1)
	intersection := iw * ih

	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Percent converts an IoU fraction into a percentage for display.
func Percent(fraction float64) float64 {
	return fraction * 100
}
