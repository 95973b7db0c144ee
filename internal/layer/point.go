package layer

import (
	"image"

	"maskcreator/internal/control"
)

// Point is a layer prompted by positive and negative clicks.
type Point struct {
	masks
}

var _ Prompted = (*Point)(nil)

// NewPoint creates an empty point layer.
func NewPoint(name string, width, height int) *Point {
	return &Point{masks: newMasks(name, width, height)}
}

func (p *Point) Kind() Kind { return KindPoint }

// PointerDown adds a positive point on left click and a negative one on
// right click.
func (p *Point) PointerDown(x, y int, b Button) bool {
	switch b {
	case ButtonLeft:
		p.addObject(control.NewPoint(x, y, true))
	case ButtonRight:
		p.addObject(control.NewPoint(x, y, false))
	}
	return true
}

func (p *Point) PointerMove(int, int) bool       { return false }
func (p *Point) PointerUp(int, int, Button) bool { return false }

// Prompts returns the point prompts. Point layers never carry a box.
func (p *Point) Prompts() ([]*control.Point, *control.Box) {
	return p.points(), nil
}

// RenderOverlay draws the point markers on a transparent canvas.
func (p *Point) RenderOverlay() *image.NRGBA {
	canvas := newCanvas(p.width, p.height)
	drawPoints(canvas, p.points())
	return canvas
}

// ConvertToImage returns an Image layer holding the selected mask, or nil
// if there is none.
func (p *Point) ConvertToImage() *Image {
	return p.convert()
}
