package compositor

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskcreator/internal/layer"
)

func pngOf(t *testing.T, w, h int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solid(c color.Color) func(int, int) color.Color {
	return func(int, int) color.Color { return c }
}

func imageLayer(data []byte, w, h int) layer.Layer {
	l := layer.NewImage(layer.NameImage, w, h)
	if data != nil {
		l.UpdateSingleMask(data)
	}
	return l
}

func TestCompositeNoContributors(t *testing.T) {
	canvas, err := Composite(64, 64, nil)
	require.NoError(t, err)
	assert.Nil(t, canvas)

	canvas, err = Composite(64, 64, []layer.Layer{
		layer.NewPoint(layer.NamePoint, 64, 64),
		imageLayer(nil, 64, 64),
	})
	require.NoError(t, err)
	assert.Nil(t, canvas)

	data, err := CompositePNG(64, 64, nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestCompositeSingleWhiteMaskIsIdentity(t *testing.T) {
	white := pngOf(t, 64, 64, solid(color.White))

	canvas, err := Composite(64, 64, []layer.Layer{imageLayer(white, 64, 64)})
	require.NoError(t, err)
	require.NotNil(t, canvas)

	mask, err := DecodeMask(white, 64, 64)
	require.NoError(t, err)
	assert.Equal(t, mask.Pix, canvas.Pix)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, canvas.NRGBAAt(31, 17))
}

func TestCompositeAddsAndSaturates(t *testing.T) {
	gray := color.RGBA{R: 100, G: 100, B: 100, A: 255}
	bright := color.RGBA{R: 200, G: 200, B: 200, A: 255}
	left := pngOf(t, 4, 4, func(x, _ int) color.Color {
		if x < 2 {
			return gray
		}
		return color.Black
	})
	all := pngOf(t, 4, 4, solid(bright))

	canvas, err := Composite(4, 4, []layer.Layer{imageLayer(left, 4, 4), imageLayer(all, 4, 4)})
	require.NoError(t, err)

	assert.Equal(t, uint8(255), canvas.NRGBAAt(0, 0).R, "100 + 200 saturates")
	assert.Equal(t, uint8(200), canvas.NRGBAAt(3, 3).R, "0 + 200")
	assert.Equal(t, uint8(255), canvas.NRGBAAt(3, 3).A)
}

func TestCompositeSkipsEmptyAndResizes(t *testing.T) {
	small := pngOf(t, 8, 8, solid(color.White))
	p := layer.NewPoint(layer.NamePoint, 32, 32)

	canvas, err := Composite(32, 32, []layer.Layer{p, imageLayer(small, 32, 32)})
	require.NoError(t, err)
	require.NotNil(t, canvas)
	assert.Equal(t, image.Rect(0, 0, 32, 32), canvas.Bounds())
	assert.Equal(t, uint8(255), canvas.NRGBAAt(16, 16).R)
}

func TestCompositeRejectsCorruptMask(t *testing.T) {
	_, err := Composite(4, 4, []layer.Layer{imageLayer([]byte("garbage"), 4, 4)})
	assert.Error(t, err)
}

func TestDecodeMaskRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2048, 2048))))

	_, err := DecodeMask(buf.Bytes(), 16, 16)
	assert.ErrorIs(t, err, ErrMaskTooLarge)

	_, err = Composite(16, 16, []layer.Layer{imageLayer(buf.Bytes(), 16, 16)})
	assert.ErrorIs(t, err, ErrMaskTooLarge)

	mask, err := DecodeMask(buf.Bytes(), 1024, 1024)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 1024, 1024), mask.Bounds())
}

func TestCompositeInvalidSize(t *testing.T) {
	white := pngOf(t, 4, 4, solid(color.White))
	canvas, err := Composite(0, 4, []layer.Layer{imageLayer(white, 4, 4)})
	assert.NoError(t, err)
	assert.Nil(t, canvas)
}

func TestOverlayTintsWithRedAsAlpha(t *testing.T) {
	canvas := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	canvas.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	canvas.SetNRGBA(1, 0, color.NRGBA{R: 40, G: 90, A: 255})

	out := Overlay(canvas, DefaultTint)
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{B: 255, A: 40}, out.NRGBAAt(1, 0))
	assert.Nil(t, Overlay(nil, DefaultTint))
}

func TestFlattenIsOpaque(t *testing.T) {
	canvas := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	canvas.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	out := Flatten(canvas)
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(1, 0))
}

func TestCompositePNGRoundTrip(t *testing.T) {
	white := pngOf(t, 16, 16, solid(color.White))

	data, err := CompositePNG(16, 16, []layer.Layer{imageLayer(white, 16, 16)})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, a := img.At(5, 5).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0xffff, 0xffff, 0xffff}, [4]uint32{r, g, b, a})
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#0000FF")
	require.NoError(t, err)
	assert.Equal(t, DefaultTint, c)

	c, err = ParseColor("ff69b4")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0xff, G: 0x69, B: 0xb4, A: 0xff}, c)

	_, err = ParseColor("#abc")
	assert.Error(t, err)
	_, err = ParseColor("#zzzzzz")
	assert.Error(t, err)
}
