package layer

import (
	"fmt"
	"image"

	"maskcreator/internal/control"
	"maskcreator/internal/segment"
)

// Box is a layer prompted by one dragged box, optionally refined by points
// clicked once the box exists.
type Box struct {
	masks

	// In-progress drag. Not part of the prompts.
	dragAnchor *image.Point
	dragCursor *image.Point
}

var _ Prompted = (*Box)(nil)

// NewBox creates an empty box layer.
func NewBox(name string, width, height int) *Box {
	return &Box{masks: newMasks(name, width, height)}
}

// NewBoxFromDescriptor creates a detected box layer holding the descriptor's
// box and candidates.
func NewBoxFromDescriptor(d segment.BoxLayer) *Box {
	b := NewBox(fmt.Sprintf("Box [%s]", d.Caption), d.Width, d.Height)
	b.addObject(d.Box())
	b.UpdateMaskCandidates(d.Masks)
	return b
}

func (b *Box) Kind() Kind { return KindBox }

// ControlBox returns the layer's box, or nil before one has been drawn.
func (b *Box) ControlBox() *control.Box {
	return control.FirstBox(b.objects)
}

// Dragging reports whether a box drag is in progress.
func (b *Box) Dragging() bool {
	return b.dragAnchor != nil
}

// PointerDown starts a drag while the layer has no box. Afterwards a left
// click adds a positive point and a right click a negative one.
func (b *Box) PointerDown(x, y int, btn Button) bool {
	if b.ControlBox() == nil {
		b.dragAnchor = &image.Point{X: x, Y: y}
		b.dragCursor = nil
		return true
	}

	switch btn {
	case ButtonLeft:
		b.addObject(control.NewPoint(x, y, true))
	case ButtonRight:
		b.addObject(control.NewPoint(x, y, false))
	}
	return true
}

// PointerMove tracks the cursor during a drag.
func (b *Box) PointerMove(x, y int) bool {
	if b.dragAnchor == nil {
		return false
	}
	b.dragCursor = &image.Point{X: x, Y: y}
	return true
}

// PointerUp completes a drag by adding the box.
func (b *Box) PointerUp(x, y int, _ Button) bool {
	if b.dragAnchor != nil {
		b.addObject(control.NewBox(b.dragAnchor.X, b.dragAnchor.Y, x, y))
	}
	b.dragAnchor = nil
	b.dragCursor = nil
	return true
}

// Prompts returns the points and the box.
func (b *Box) Prompts() ([]*control.Point, *control.Box) {
	return b.points(), b.ControlBox()
}

// RenderOverlay draws points, then the box or the in-progress drag
// rectangle, on a transparent canvas.
func (b *Box) RenderOverlay() *image.NRGBA {
	canvas := newCanvas(b.width, b.height)
	drawPoints(canvas, b.points())

	switch box := b.ControlBox(); {
	case box != nil:
		drawBox(canvas, box)
	case b.dragAnchor != nil && b.dragCursor != nil:
		drawBox(canvas, control.NewBox(b.dragAnchor.X, b.dragAnchor.Y, b.dragCursor.X, b.dragCursor.Y))
	}
	return canvas
}

// ConvertToImage returns an Image layer holding the selected mask, or nil
// if there is none.
func (b *Box) ConvertToImage() *Image {
	return b.convert()
}
