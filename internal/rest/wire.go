// Package rest implements the JSON/HTTP segmentation transport: a stateless
// client that validates every response against an embedded JSON schema, and
// gin handlers serving the same endpoints from a segment.Segmenter.
//
// Scores travel as decimal strings and are always parsed with a dot decimal
// separator, independent of locale.
package rest

import (
	"fmt"
	"strconv"
	"strings"

	"maskcreator/internal/control"
	"maskcreator/internal/segment"
)

// DefaultPort is the segmentation server's HTTP port.
const DefaultPort = 7880

// Endpoint paths.
const (
	PathArgs      = "/mask_creator_args"
	PathMasks     = "/generate_masks"
	PathBoxLayers = "/generate_box_layers"
)

type argsResponse struct {
	ProcDir    string `json:"proc_dir"`
	DinoPrompt string `json:"dino_prompt"`
}

type masksRequest struct {
	ImageBytes  []byte `json:"image_bytes" binding:"required"`
	ControlFlag int    `json:"control_flag"`
	Points      string `json:"points,omitempty"`
	Box         string `json:"box,omitempty"`
}

type maskJSON struct {
	Score string `json:"score"`
	Bytes []byte `json:"bytes"`
}

type masksResponse struct {
	Masks []maskJSON `json:"masks"`
}

type boxLayersRequest struct {
	ImageBytes []byte `json:"image_bytes" binding:"required"`
	TextPrompt string `json:"text_prompt" binding:"required"`
}

type boxLayerJSON struct {
	Caption string     `json:"caption"`
	X1      int        `json:"x1"`
	Y1      int        `json:"y1"`
	X2      int        `json:"x2"`
	Y2      int        `json:"y2"`
	Masks   []maskJSON `json:"masks"`
}

type boxLayersResponse struct {
	BoxLayers []boxLayerJSON `json:"box_layers"`
}

// FormatScore renders a score as a dot-decimal string.
func FormatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// ParseScore parses a dot-decimal score string.
func ParseScore(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: score %q: %v", segment.ErrProtocol, s, err)
	}
	return v, nil
}

// FormatPoints renders points as "x,y,label;x,y,label" with label 1 or 0.
func FormatPoints(points []*control.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		label := 0
		if p.Label {
			label = 1
		}
		parts[i] = fmt.Sprintf("%d,%d,%d", p.X, p.Y, label)
	}
	return strings.Join(parts, ";")
}

// ParsePoints parses the points field. Triples may be separated by ';' or
// simply continue the comma-separated list.
func ParsePoints(s string) ([]*control.Point, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("%w: point data must be triples, got %d values", segment.ErrValidation, len(fields))
	}

	points := make([]*control.Point, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		v, err := atoiAll(fields[i : i+3])
		if err != nil {
			return nil, err
		}
		points = append(points, control.NewPoint(v[0], v[1], v[2] != 0))
	}
	return points, nil
}

// FormatBox renders a box as "x1,y1,x2,y2".
func FormatBox(b *control.Box) string {
	return fmt.Sprintf("%d,%d,%d,%d", b.X1, b.Y1, b.X2, b.Y2)
}

// ParseBox parses the box field.
func ParseBox(s string) (*control.Box, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: box must have 4 values, got %d", segment.ErrValidation, len(fields))
	}
	v, err := atoiAll(fields)
	if err != nil {
		return nil, err
	}
	return control.NewBox(v[0], v[1], v[2], v[3]), nil
}

func atoiAll(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q is not a non-negative integer", segment.ErrValidation, f)
		}
		out[i] = n
	}
	return out, nil
}

func masksToJSON(masks []segment.MaskCandidate) []maskJSON {
	out := make([]maskJSON, len(masks))
	for i, m := range masks {
		out[i] = maskJSON{Score: FormatScore(m.Score), Bytes: m.PNG}
	}
	return out
}

func masksFromJSON(masks []maskJSON) ([]segment.MaskCandidate, error) {
	out := make([]segment.MaskCandidate, len(masks))
	for i, m := range masks {
		if len(m.Bytes) > segment.MaxPayloadSize {
			return nil, fmt.Errorf("%w: mask %d is %d bytes", segment.ErrProtocolSize, i, len(m.Bytes))
		}
		score, err := ParseScore(m.Score)
		if err != nil {
			return nil, err
		}
		out[i] = segment.MaskCandidate{PNG: m.Bytes, Score: score}
	}
	return out, nil
}
