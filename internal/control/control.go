// Package control defines the geometric prompts a user places on a base image
// to steer segmentation.
package control

import "fmt"

// Object is a prompt held by a mask layer. Objects are immutable and compared
// by identity, so layers store pointers.
type Object interface {
	Description() string
}

// Point is a single click prompt. Label true means "include this region".
type Point struct {
	X     int
	Y     int
	Label bool
}

// NewPoint creates a point prompt.
func NewPoint(x, y int, label bool) *Point {
	return &Point{X: x, Y: y, Label: label}
}

// Description returns a human-readable summary.
func (p *Point) Description() string {
	sign := "-"
	if p.Label {
		sign = "+"
	}
	return fmt.Sprintf("Point %d, %d [%s]", p.X, p.Y, sign)
}

// Box is an axis-aligned rectangle prompt with X1 <= X2 and Y1 <= Y2.
type Box struct {
	X1, Y1, X2, Y2 int
}

// NewBox creates a box from two arbitrary corners.
func NewBox(x1, y1, x2, y2 int) *Box {
	return &Box{
		X1: min(x1, x2),
		Y1: min(y1, y2),
		X2: max(x1, x2),
		Y2: max(y1, y2),
	}
}

// Width returns the horizontal extent of the box.
func (b *Box) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b *Box) Height() int { return b.Y2 - b.Y1 }

// Description returns a human-readable summary.
func (b *Box) Description() string {
	return fmt.Sprintf("Box %d, %d, %d, %d (%dx%d)", b.X1, b.Y1, b.X2, b.Y2, b.Width(), b.Height())
}

// Points returns the point prompts among objs, in order.
func Points(objs []Object) []*Point {
	var pts []*Point
	for _, o := range objs {
		if p, ok := o.(*Point); ok {
			pts = append(pts, p)
		}
	}
	return pts
}

// FirstBox returns the first box among objs, or nil.
func FirstBox(objs []Object) *Box {
	for _, o := range objs {
		if b, ok := o.(*Box); ok {
			return b
		}
	}
	return nil
}
