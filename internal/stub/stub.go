// Package stub provides a deterministic segmenter that needs no model. It
// answers every request with simple geometric masks derived from the
// prompts, which is enough to drive the clients end to end.
package stub

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/webp"
	"golang.org/x/image/vector"

	"maskcreator/internal/control"
	"maskcreator/internal/logging"
	"maskcreator/internal/segment"
)

// Candidate i grows the point disks by radiusScale[i] and is reported with
// score candidateScores[i]. The middle candidate always wins.
var (
	radiusScale     = [...]float32{0.5, 1, 2}
	candidateScores = [...]float64{0.874, 0.962, 0.913}
)

// Detection scores for the two candidates of every box layer.
const (
	ellipseScore = 0.931
	boxFillScore = 0.857
)

// kappa places cubic control points so four segments approximate an ellipse.
const kappa = 0.5522847498

// Config configures the stub segmenter.
type Config struct {
	ProcDir         string
	DetectionPrompt string
	Logger          *logging.Logger
}

// Segmenter implements segment.Segmenter without a model.
type Segmenter struct {
	args segment.StartupArgs
	log  *logging.Logger
}

var _ segment.Segmenter = (*Segmenter)(nil)

// New creates a stub segmenter.
func New(cfg Config) *Segmenter {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Segmenter{
		args: segment.StartupArgs{ProcDir: cfg.ProcDir, DetectionPrompt: cfg.DetectionPrompt},
		log:  log.WithComponent("stub"),
	}
}

// StartupArgs returns the configured process directory and prompt.
func (s *Segmenter) StartupArgs() segment.StartupArgs {
	return s.args
}

// GenerateMasks returns three candidates. Positive points become disks,
// negative points are cut out of them, and a box fills its area and clips
// everything else.
func (s *Segmenter) GenerateMasks(req segment.MasksRequest) ([]segment.MaskCandidate, error) {
	if len(req.Points) == 0 && req.Box == nil {
		return nil, fmt.Errorf("%w: no points or box", segment.ErrValidation)
	}
	bounds, err := imageBounds(req.Image)
	if err != nil {
		return nil, err
	}

	clip := bounds
	if req.Box != nil {
		clip = boxRect(req.Box).Intersect(bounds)
	}
	base := float32(max(4, min(bounds.Dx(), bounds.Dy())/8))

	out := make([]segment.MaskCandidate, 0, len(radiusScale))
	for i, scale := range radiusScale {
		m := image.NewGray(bounds)
		if req.Box != nil {
			pad := min(clip.Dx(), clip.Dy()) / 8 * i
			draw.Draw(m, clip.Inset(pad), image.White, image.Point{}, draw.Src)
		}

		radius := base * scale
		for _, p := range req.Points {
			if p.Label {
				ellipse(m, clip, float32(p.X), float32(p.Y), radius, radius, color.White)
			}
		}
		for _, p := range req.Points {
			if !p.Label {
				ellipse(m, clip, float32(p.X), float32(p.Y), radius, radius, color.Black)
			}
		}

		data, err := encode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, segment.MaskCandidate{PNG: data, Score: candidateScores[i]})
	}

	s.log.Debug("generated masks", "points", len(req.Points), "box", req.Box != nil, "candidates", len(out))
	return out, nil
}

// GenerateBoxLayers returns one layer per caption of prompt. The image is
// split into equal vertical strips, one per caption, and each detection
// covers the middle of its strip.
func (s *Segmenter) GenerateBoxLayers(img []byte, prompt string) ([]segment.BoxLayer, error) {
	bounds, err := imageBounds(img)
	if err != nil {
		return nil, err
	}

	captions := Captions(prompt)
	if len(captions) == 0 {
		return nil, nil
	}

	w, h := bounds.Dx(), bounds.Dy()
	strip := w / len(captions)
	if strip < 2 || h < 2 {
		return nil, nil
	}

	layers := make([]segment.BoxLayer, 0, len(captions))
	for k, caption := range captions {
		r := image.Rect(k*strip, 0, (k+1)*strip, h).Inset(min(strip, h) / 10)

		oval := image.NewGray(bounds)
		ellipse(oval, r,
			float32(r.Min.X+r.Max.X)/2, float32(r.Min.Y+r.Max.Y)/2,
			float32(r.Dx())/2, float32(r.Dy())/2, color.White)
		ovalPNG, err := encode(oval)
		if err != nil {
			return nil, err
		}

		filled := image.NewGray(bounds)
		draw.Draw(filled, r, image.White, image.Point{}, draw.Src)
		filledPNG, err := encode(filled)
		if err != nil {
			return nil, err
		}

		layers = append(layers, segment.BoxLayer{
			Caption: caption,
			X1:      r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y,
			Width: w, Height: h,
			Masks: []segment.MaskCandidate{
				{PNG: ovalPNG, Score: ellipseScore},
				{PNG: filledPNG, Score: boxFillScore},
			},
		})
	}

	s.log.Debug("generated box layers", "prompt", prompt, "layers", len(layers))
	return layers, nil
}

// Captions splits a detection prompt into its period-separated captions.
func Captions(prompt string) []string {
	var out []string
	for _, part := range strings.Split(prompt, ".") {
		if c := strings.TrimSpace(part); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func imageBounds(data []byte) (image.Rectangle, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("%w: decode image: %v", segment.ErrValidation, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: empty image", segment.ErrValidation)
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}

func boxRect(b *control.Box) image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// ellipse rasterizes an anti-aliased ellipse into the part of dst inside clip.
func ellipse(dst *image.Gray, clip image.Rectangle, cx, cy, rx, ry float32, c color.Color) {
	bbox := image.Rect(int(cx-rx)-1, int(cy-ry)-1, int(cx+rx)+2, int(cy+ry)+2)
	r := bbox.Intersect(clip).Intersect(dst.Bounds())
	if r.Empty() {
		return
	}

	z := vector.NewRasterizer(r.Dx(), r.Dy())
	x, y := cx-float32(r.Min.X), cy-float32(r.Min.Y)
	kx, ky := rx*kappa, ry*kappa
	z.MoveTo(x+rx, y)
	z.CubeTo(x+rx, y+ky, x+kx, y+ry, x, y+ry)
	z.CubeTo(x-kx, y+ry, x-rx, y+ky, x-rx, y)
	z.CubeTo(x-rx, y-ky, x-kx, y-ry, x, y-ry)
	z.CubeTo(x+kx, y-ry, x+rx, y-ky, x+rx, y)
	z.ClosePath()
	z.Draw(dst, r, image.NewUniform(c), image.Point{})
}

func encode(m image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return buf.Bytes(), nil
}
