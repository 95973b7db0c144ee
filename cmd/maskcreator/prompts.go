package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"maskcreator/internal/control"
	"maskcreator/internal/layer"
	"maskcreator/internal/segment"
)

// parsePoint parses "x,y,+" or "x,y,-". A missing label means "+".
func parsePoint(s string) (*control.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, fmt.Errorf("point %q: want x,y,+ or x,y,-", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("point %q: bad x: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("point %q: bad y: %w", s, err)
	}

	label := true
	if len(parts) == 3 {
		switch strings.TrimSpace(parts[2]) {
		case "+", "1", "true":
		case "-", "0", "false":
			label = false
		default:
			return nil, fmt.Errorf("point %q: label must be + or -", s)
		}
	}
	return control.NewPoint(x, y, label), nil
}

func parsePoints(args []string) ([]*control.Point, error) {
	pts := make([]*control.Point, 0, len(args))
	for _, a := range args {
		p, err := parsePoint(a)
		if err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, nil
}

// parseBox parses "x1,y1,x2,y2" in any corner order. Empty means no box.
func parseBox(s string) (*control.Box, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("box %q: want x1,y1,x2,y2", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("box %q: %w", s, err)
		}
		v[i] = n
	}
	return control.NewBox(v[0], v[1], v[2], v[3]), nil
}

// candidatesToWrite returns the indexes of the candidates segment writes:
// every one with all, else the one a point layer of the image's size selects.
func candidatesToWrite(masks []segment.MaskCandidate, width, height int, all bool) []int {
	if len(masks) == 0 {
		return nil
	}
	if all {
		idx := make([]int, len(masks))
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	l := layer.NewPoint(layer.NamePoint, width, height)
	l.UpdateMaskCandidates(masks)
	return []int{l.SelectedIndex()}
}

// numberedPath turns out.png into out_<i>.png.
func numberedPath(out string, i int) string {
	ext := filepath.Ext(out)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(out, ext), i, ext)
}
