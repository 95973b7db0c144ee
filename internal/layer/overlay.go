package layer

import (
	"image"
	"image/color"

	"golang.org/x/image/vector"

	"maskcreator/internal/control"
)

// Marker styling.
const (
	pointRadius  = 15
	boxLineWidth = 5
)

var (
	colorPositive = color.NRGBA{R: 0x00, G: 0xFF, B: 0x00, A: 0xFF} // lime
	colorNegative = color.NRGBA{R: 0xFF, G: 0x69, B: 0xB4, A: 0xFF} // hot pink
	colorBox      = color.NRGBA{R: 0xFF, G: 0xA5, B: 0x00, A: 0xFF} // orange
)

// kappa places cubic control points so four segments approximate a circle.
const kappa = 0.5522847498

func newCanvas(width, height int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, max(width, 0), max(height, 0)))
}

// fill rasterizes the path produced by trace over the part of bbox inside
// dst. trace receives the rasterizer and the origin to subtract from
// canvas coordinates.
func fill(dst *image.NRGBA, bbox image.Rectangle, c color.Color, trace func(z *vector.Rasterizer, ox, oy float32)) {
	r := bbox.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	z := vector.NewRasterizer(r.Dx(), r.Dy())
	trace(z, float32(r.Min.X), float32(r.Min.Y))
	z.Draw(dst, r, image.NewUniform(c), image.Point{})
}

func drawPoints(dst *image.NRGBA, points []*control.Point) {
	for _, p := range points {
		c := colorNegative
		if p.Label {
			c = colorPositive
		}
		drawDisk(dst, float32(p.X), float32(p.Y), pointRadius, c)
	}
}

func drawDisk(dst *image.NRGBA, cx, cy, radius float32, c color.Color) {
	bbox := image.Rect(
		int(cx-radius)-1, int(cy-radius)-1,
		int(cx+radius)+2, int(cy+radius)+2,
	)
	fill(dst, bbox, c, func(z *vector.Rasterizer, ox, oy float32) {
		x, y := cx-ox, cy-oy
		k := radius * kappa
		z.MoveTo(x+radius, y)
		z.CubeTo(x+radius, y+k, x+k, y+radius, x, y+radius)
		z.CubeTo(x-k, y+radius, x-radius, y+k, x-radius, y)
		z.CubeTo(x-radius, y-k, x-k, y-radius, x, y-radius)
		z.CubeTo(x+k, y-radius, x+radius, y-k, x+radius, y)
		z.ClosePath()
	})
}

// drawBox strokes the box outline centred on its edges. The inner
// rectangle is traced in the opposite direction so it cancels out.
func drawBox(dst *image.NRGBA, b *control.Box) {
	const half = boxLineWidth / 2.0

	x1, y1 := float32(b.X1), float32(b.Y1)
	x2, y2 := float32(b.X2), float32(b.Y2)

	bbox := image.Rect(b.X1-boxLineWidth, b.Y1-boxLineWidth, b.X2+boxLineWidth, b.Y2+boxLineWidth)
	fill(dst, bbox, colorBox, func(z *vector.Rasterizer, ox, oy float32) {
		rect := func(l, t, r, btm float32, clockwise bool) {
			l, t, r, btm = l-ox, t-oy, r-ox, btm-oy
			z.MoveTo(l, t)
			if clockwise {
				z.LineTo(r, t)
				z.LineTo(r, btm)
				z.LineTo(l, btm)
			} else {
				z.LineTo(l, btm)
				z.LineTo(r, btm)
				z.LineTo(r, t)
			}
			z.ClosePath()
		}

		rect(x1-half, y1-half, x2+half, y2+half, true)
		if x2-x1 > boxLineWidth && y2-y1 > boxLineWidth {
			rect(x1+half, y1+half, x2-half, y2-half, false)
		}
	})
}
