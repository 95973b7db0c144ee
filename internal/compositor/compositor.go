// Package compositor combines the selected masks of a set of layers into a
// single raster by additive blending, and renders the result as a tinted
// overlay or an opaque PNG.
package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"maskcreator/internal/layer"
)

// Masks may be up to maxMaskScale times the layer size in each dimension,
// and always up to minMaskBudget pixels.
const (
	maxMaskScale  = 4
	minMaskBudget = 1 << 20
)

// ErrMaskTooLarge is returned for a mask whose declared dimensions exceed
// the decode budget for its layer.
var ErrMaskTooLarge = errors.New("mask dimensions too large")

// DefaultTint is the overlay colour used when none is configured.
var DefaultTint = color.NRGBA{R: 0x00, G: 0x00, B: 0xFF, A: 0xFF}

// Composite decodes the selected mask of every layer, resizes it to
// width x height if needed, and adds it onto a zero canvas. Layers without
// a mask are skipped. It returns nil when no layer contributed.
func Composite(width, height int, layers []layer.Layer) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, nil
	}

	var canvas *image.NRGBA
	for _, l := range layers {
		data := l.SelectedMask()
		if data == nil {
			continue
		}

		mask, err := DecodeMask(data, width, height)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name(), err)
		}

		if canvas == nil {
			canvas = image.NewNRGBA(image.Rect(0, 0, width, height))
		}
		addInto(canvas, mask)
	}
	return canvas, nil
}

// DecodeMask decodes a mask image and scales it to width x height with
// bilinear interpolation when its natural size differs. The header is
// checked first so an oversized mask is rejected before its pixels are
// allocated.
func DecodeMask(data []byte, width, height int) (*image.NRGBA, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode mask header: %w", err)
	}
	budget := max(int64(width)*int64(height)*maxMaskScale*maxMaskScale, minMaskBudget)
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > budget {
		return nil, fmt.Errorf("%w: %dx%d for a %dx%d layer", ErrMaskTooLarge, cfg.Width, cfg.Height, width, height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, nil
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst, nil
}

// addInto blends src onto dst: colour channels add with saturation, alpha
// composes source-over.
func addInto(dst, src *image.NRGBA) {
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		sa := uint32(src.Pix[i+3])
		if sa == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			v := uint32(dst.Pix[i+c]) + uint32(src.Pix[i+c])*sa/0xFF
			dst.Pix[i+c] = uint8(min(v, 0xFF))
		}
		da := uint32(dst.Pix[i+3])
		dst.Pix[i+3] = uint8(sa + da*(0xFF-sa)/0xFF)
	}
}

// Overlay turns a composite into a tinted preview: every pixel takes the
// tint colour with the composite's red channel as alpha.
func Overlay(canvas *image.NRGBA, tint color.NRGBA) *image.NRGBA {
	if canvas == nil {
		return nil
	}
	out := image.NewNRGBA(canvas.Bounds())
	for i := 0; i+3 < len(canvas.Pix); i += 4 {
		out.Pix[i+0] = tint.R
		out.Pix[i+1] = tint.G
		out.Pix[i+2] = tint.B
		out.Pix[i+3] = canvas.Pix[i]
	}
	return out
}

// Flatten draws the composite over opaque black.
func Flatten(canvas *image.NRGBA) *image.RGBA {
	if canvas == nil {
		return nil
	}
	out := image.NewRGBA(canvas.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), canvas, canvas.Bounds().Min, draw.Over)
	return out
}

// CompositePNG composites layers and encodes the flattened result as PNG.
// It returns nil bytes when no layer contributed.
func CompositePNG(width, height int, layers []layer.Layer) ([]byte, error) {
	canvas, err := Composite(width, height, layers)
	if err != nil || canvas == nil {
		return nil, err
	}
	return EncodePNG(Flatten(canvas))
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseColor parses "#RRGGBB" or "RRGGBB".
func ParseColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q: want #RRGGBB", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
}
