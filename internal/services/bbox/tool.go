// Package bbox is the headless bounding-box drawing tool. The browser
// forwards layout and pointer events; the tool keeps the slots, converts the
// gesture into natural image pixels and renders an overlay frame sized to the
// rendered image.
package bbox

import (
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

// ErrUnknownSlot is returned for a slot id the tool does not hold.
var ErrUnknownSlot = errors.New("unknown box slot")

// CandidateLabel is drawn next to the in-progress rectangle.
const CandidateLabel = "Rajzolás..."

// ColoredBox is one slot: a stable id, its color and label, and the committed
// box in natural image pixels (nil when nothing is drawn).
type ColoredBox struct {
	ID    string        `json:"id"`
	Color color.RGBA    `json:"-"`
	Hex   string        `json:"color"`
	Label string        `json:"label,omitempty"`
	Box   *geometry.Box `json:"box,omitempty"`
}

// Tool is not safe for concurrent use; callers serialize access.
type Tool struct {
	slots   []ColoredBox
	active  string
	enabled bool

	source   image.Image
	viewport geometry.Viewport

	drawing   bool
	anchor    geometry.Point
	last      geometry.Point
	candidate *geometry.Box // display space

	onChange func(id string, box *geometry.Box)

	frame   *image.RGBA
	redraws int
}

// New creates an enabled tool with the given slots and no active slot.
func New(slots ...ColoredBox) *Tool {
	t := &Tool{enabled: true}
	for _, s := range slots {
		if s.Hex == "" {
			s.Hex = hexColor(s.Color)
		}
		if s.Box != nil {
			b := *s.Box
			s.Box = &b
		}
		t.slots = append(t.slots, s)
	}
	return t
}

// OnChange registers the callback that receives committed boxes.
func (t *Tool) OnChange(fn func(id string, box *geometry.Box)) {
	t.onChange = fn
}

func (t *Tool) slot(id string) *ColoredBox {
	for i := range t.slots {
		if t.slots[i].ID == id {
			return &t.slots[i]
		}
	}
	return nil
}

// Slots returns a copy of the slots in order.
func (t *Tool) Slots() []ColoredBox {
	out := make([]ColoredBox, len(t.slots))
	for i, s := range t.slots {
		if s.Box != nil {
			b := *s.Box
			s.Box = &b
		}
		out[i] = s
	}
	return out
}

// Box returns a copy of the slot's committed box.
func (t *Tool) Box(id string) (*geometry.Box, error) {
	s := t.slot(id)
	if s == nil {
		return nil, ErrUnknownSlot
	}
	if s.Box == nil {
		return nil, nil
	}
	b := *s.Box
	return &b, nil
}

// SetBox replaces a slot's committed box without invoking OnChange.
func (t *Tool) SetBox(id string, box *geometry.Box) error {
	s := t.slot(id)
	if s == nil {
		return ErrUnknownSlot
	}
	if box == nil {
		s.Box = nil
	} else {
		b := *box
		s.Box = &b
	}
	t.redraw()
	return nil
}

// Active returns the slot in draw mode, or "".
func (t *Tool) Active() string { return t.active }

// Activate puts one slot in draw mode. Any other slot leaves draw mode and
// an unfinished gesture is dropped. An empty id deactivates.
func (t *Tool) Activate(id string) error {
	if id != "" && t.slot(id) == nil {
		return ErrUnknownSlot
	}
	if t.active != id {
		t.cancelDrag()
	}
	t.active = id
	t.redraw()
	return nil
}

// Deactivate leaves draw mode.
func (t *Tool) Deactivate() {
	_ = t.Activate("")
}

func (t *Tool) Enabled() bool { return t.enabled }

// SetEnabled toggles pointer input. A disabled tool still renders.
func (t *Tool) SetEnabled(enabled bool) {
	if !enabled {
		t.cancelDrag()
	}
	t.enabled = enabled
	t.redraw()
}

// SetSource swaps the underlying image. natural may be zero while the image
// is still loading; when img is given its bounds win.
func (t *Tool) SetSource(img image.Image, natural geometry.Size) {
	if img != nil {
		b := img.Bounds()
		natural = geometry.Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
	}
	t.source = img
	t.viewport.Natural = natural
	t.cancelDrag()
	t.redraw()
}

// Source returns the current image, if one was supplied.
func (t *Tool) Source() image.Image { return t.source }

// SetLayout records where the image is rendered. The drawing surface is
// resized to the rendered size before the redraw.
func (t *Tool) SetLayout(rendered geometry.Rect) {
	t.viewport.Rendered = rendered
	w := int(math.Round(rendered.Width))
	h := int(math.Round(rendered.Height))
	switch {
	case w <= 0 || h <= 0:
		t.frame = nil
	case t.frame == nil || t.frame.Bounds().Dx() != w || t.frame.Bounds().Dy() != h:
		t.frame = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	t.redraw()
}

func (t *Tool) Viewport() geometry.Viewport { return t.viewport }

func (t *Tool) interactive() bool {
	return t.enabled && t.active != ""
}

// Drawing reports whether a gesture is in progress.
func (t *Tool) Drawing() bool { return t.drawing }

// Candidate returns the in-progress rectangle in display space.
func (t *Tool) Candidate() (geometry.Box, bool) {
	if !t.drawing || t.candidate == nil {
		return geometry.Box{}, false
	}
	return *t.candidate, true
}

// PointerDown anchors a new candidate. It reports whether the event was
// consumed.
func (t *Tool) PointerDown(clientX, clientY float64) bool {
	if !t.interactive() {
		return false
	}
	p, ok := t.viewport.ClientToDisplay(clientX, clientY)
	if !ok {
		return false
	}
	t.drawing = true
	t.anchor = p
	t.last = p
	t.candidate = nil
	t.redraw()
	return true
}

// PointerMove stretches the candidate to the pointer.
func (t *Tool) PointerMove(clientX, clientY float64) bool {
	if !t.interactive() || !t.drawing {
		return false
	}
	p, ok := t.viewport.ClientToDisplay(clientX, clientY)
	if !ok {
		return false
	}
	t.last = p
	c := geometry.FromCorners(t.anchor, p)
	t.candidate = &c
	t.redraw()
	return true
}

// PointerUp finishes the gesture at the given position. It reports whether
// a box was committed.
func (t *Tool) PointerUp(clientX, clientY float64) bool {
	if !t.drawing {
		return false
	}
	t.PointerMove(clientX, clientY)
	return t.release()
}

// PointerLeave finishes the gesture at the last known position.
func (t *Tool) PointerLeave() bool {
	if !t.drawing {
		return false
	}
	return t.release()
}

// release ends draw mode for the active slot. A candidate without area is
// discarded and the slot keeps whatever box it already had.
func (t *Tool) release() bool {
	candidate := t.candidate
	id := t.active
	t.drawing = false
	t.candidate = nil
	t.active = ""

	committed := false
	if candidate != nil && !candidate.Degenerate() {
		if natural, ok := t.viewport.DisplayToNatural(*candidate); ok && !natural.Degenerate() {
			if s := t.slot(id); s != nil {
				s.Box = &natural
				committed = true
				if t.onChange != nil {
					b := natural
					t.onChange(id, &b)
				}
			}
		}
	}
	t.redraw()
	return committed
}

func (t *Tool) cancelDrag() {
	t.drawing = false
	t.candidate = nil
}

// Frame returns the current overlay surface, nil before layout.
func (t *Tool) Frame() *image.RGBA { return t.frame }

// Redraws counts how many times the surface was repainted.
func (t *Tool) Redraws() int { return t.redraws }

func (t *Tool) redraw() {
	t.redraws++
	if t.frame == nil {
		return
	}
	clear(t.frame.Pix)

	for _, s := range t.slots {
		if s.Box == nil || (t.drawing && s.ID == t.active) {
			continue
		}
		d, ok := t.viewport.NaturalToDisplay(*s.Box)
		if !ok {
			continue
		}
		drawBox(t.frame, d, s.Color, s.Label)
	}

	if t.drawing && t.candidate != nil {
		col := color.RGBA{G: 255, A: 255}
		if s := t.slot(t.active); s != nil {
			col = s.Color
		}
		drawBox(t.frame, *t.candidate, col, CandidateLabel)
	}
}
