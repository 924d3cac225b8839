package bbox

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

const (
	outlineWidth = 2
	fillAlpha    = 0.2
	labelGap     = 5
)

var labelFace = basicfont.Face7x13

// ParseHex reads "#rrggbb" or "#rgb".
func ParseHex(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// drawBox paints a translucent fill, a solid outline and the label. b is in
// the destination's pixel space.
func drawBox(dst *image.RGBA, b geometry.Box, col color.RGBA, label string) {
	r := image.Rect(
		int(math.Round(b.X)), int(math.Round(b.Y)),
		int(math.Round(b.Right())), int(math.Round(b.Bottom())),
	).Intersect(dst.Bounds())
	if r.Empty() {
		return
	}

	fill := color.NRGBA{R: col.R, G: col.G, B: col.B, A: uint8(255 * fillAlpha)}
	xdraw.Draw(dst, r, image.NewUniform(fill), image.Point{}, xdraw.Over)

	for t := 0; t < outlineWidth; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetRGBA(x, r.Min.Y+t, col)
			dst.SetRGBA(x, r.Max.Y-1-t, col)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			dst.SetRGBA(r.Min.X+t, y, col)
			dst.SetRGBA(r.Max.X-1-t, y, col)
		}
	}

	if label == "" {
		return
	}
	origin, _ := labelOrigin(r, dst.Bounds())
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: labelFace,
		Dot:  origin,
	}
	d.DrawString(label)
}

// labelOrigin places the label baseline just above the box, or just below
// it when the text would not fit above. The bool reports "above".
func labelOrigin(box, bounds image.Rectangle) (fixed.Point26_6, bool) {
	ascent := labelFace.Metrics().Ascent.Ceil()
	if box.Min.Y-labelGap-ascent >= bounds.Min.Y {
		return fixed.P(box.Min.X, box.Min.Y-labelGap), true
	}
	return fixed.P(box.Min.X, box.Max.Y+labelGap+ascent), false
}

// Compose renders img scaled to width pixels with the committed boxes of
// slots on top. Extra boxes (such as the AI proposal) are drawn last.
func Compose(img image.Image, width int, slots ...ColoredBox) *image.RGBA {
	src := img.Bounds()
	if width <= 0 || src.Dx() == 0 || src.Dy() == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	height := int(math.Round(float64(src.Dy()) * float64(width) / float64(src.Dx())))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, xdraw.Src, nil)

	vp := geometry.Viewport{
		Rendered: geometry.Rect{Width: float64(width), Height: float64(height)},
		Natural:  geometry.Size{Width: float64(src.Dx()), Height: float64(src.Dy())},
	}
	for _, s := range slots {
		if s.Box == nil {
			continue
		}
		if d, ok := vp.NaturalToDisplay(*s.Box); ok {
			drawBox(dst, d, s.Color, s.Label)
		}
	}
	return dst
}
