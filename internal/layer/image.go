package layer

import "image"

// Image is a layer holding one externally supplied mask. It takes no
// prompts.
type Image struct {
	masks
}

var _ Layer = (*Image)(nil)

// NewImage creates an image layer without a mask.
func NewImage(name string, width, height int) *Image {
	return &Image{masks: newMasks(name, width, height)}
}

func (l *Image) Kind() Kind { return KindImage }

// PointerDown adds nothing but still asks for a redraw.
func (l *Image) PointerDown(int, int, Button) bool { return true }
func (l *Image) PointerMove(int, int) bool         { return false }
func (l *Image) PointerUp(int, int, Button) bool   { return false }

// RenderOverlay returns a fully transparent canvas.
func (l *Image) RenderOverlay() *image.NRGBA {
	return newCanvas(l.width, l.height)
}

// ConvertToImage always returns nil.
func (l *Image) ConvertToImage() *Image { return nil }
