// Package layer implements the editable mask layers: Point and Box layers
// that collect prompts and receive segmentation candidates, and Image layers
// that hold one fixed mask.
//
// Layers are not safe for concurrent use. The editing session serializes all
// access.
package layer

import (
	"fmt"
	"image"
	"slices"

	"maskcreator/internal/control"
	"maskcreator/internal/segment"
)

// Kind identifies a layer variant.
type Kind int

const (
	KindPoint Kind = iota
	KindBox
	KindImage
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindBox:
		return "box"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Button is the pointer button of a press or release.
type Button int

const (
	ButtonLeft Button = iota
	ButtonRight
	ButtonMiddle
)

// Default layer names.
const (
	NamePoint     = "Point MaskLayer"
	NameBox       = "Box MaskLayer"
	NameImage     = "Image MaskLayer"
	NameSavedMask = "Saved Mask"
)

// Layer is the behaviour shared by every variant.
//
// Methods returning []byte return the newly selected mask PNG, or nil when
// the layer has no candidates. Pointer methods return whether the overlay
// needs to be redrawn.
type Layer interface {
	Name() string
	SetName(name string)
	Kind() Kind
	Size() (width, height int)

	Active() bool
	Activate() []byte
	Deactivate()

	SelectPrevMask() []byte
	SelectNextMask() []byte
	UpdateMaskCandidates(candidates []segment.MaskCandidate) []byte
	UpdateSingleMask(png []byte) []byte
	SelectedMask() []byte
	SelectedIndex() int
	CandidateCount() int
	SelectionText() string

	ControlObjects() []control.Object
	RemoveControlObject(obj control.Object) bool

	PointerDown(x, y int, b Button) bool
	PointerMove(x, y int) bool
	PointerUp(x, y int, b Button) bool

	RenderOverlay() *image.NRGBA
	ConvertToImage() *Image
}

// Prompted is implemented by layers that can be segmented.
type Prompted interface {
	Layer
	Prompts() ([]*control.Point, *control.Box)
}

// masks holds the state common to all variants: identity, focus flag,
// prompts and the candidate set with its selection.
type masks struct {
	name          string
	width, height int
	active        bool
	objects       []control.Object
	candidates    []segment.MaskCandidate
	selected      int
}

func newMasks(name string, width, height int) masks {
	return masks{name: name, width: width, height: height}
}

func (m *masks) Name() string        { return m.name }
func (m *masks) SetName(name string) { m.name = name }
func (m *masks) Size() (int, int)    { return m.width, m.height }
func (m *masks) Active() bool        { return m.active }

// Activate marks the layer focused and returns its selected mask.
func (m *masks) Activate() []byte {
	m.active = true
	return m.SelectedMask()
}

// Deactivate clears the focus flag.
func (m *masks) Deactivate() {
	m.active = false
}

// SelectPrevMask moves the selection back by one, wrapping to the last.
func (m *masks) SelectPrevMask() []byte {
	n := len(m.candidates)
	if n == 0 {
		m.selected = 0
		return nil
	}
	m.selected = (m.selected + n - 1) % n
	return m.candidates[m.selected].PNG
}

// SelectNextMask moves the selection forward by one, wrapping to the first.
func (m *masks) SelectNextMask() []byte {
	n := len(m.candidates)
	if n == 0 {
		m.selected = 0
		return nil
	}
	m.selected = (m.selected + 1) % n
	return m.candidates[m.selected].PNG
}

// UpdateMaskCandidates replaces the candidate set and selects the highest
// score. Ties go to the earliest candidate.
func (m *masks) UpdateMaskCandidates(candidates []segment.MaskCandidate) []byte {
	m.candidates = slices.Clone(candidates)
	m.selected = 0
	if len(m.candidates) == 0 {
		return nil
	}
	for i, c := range m.candidates {
		if c.Score > m.candidates[m.selected].Score {
			m.selected = i
		}
	}
	return m.candidates[m.selected].PNG
}

// UpdateSingleMask replaces the candidates with one unscored mask.
func (m *masks) UpdateSingleMask(png []byte) []byte {
	m.candidates = []segment.MaskCandidate{{PNG: png}}
	m.selected = 0
	return png
}

// SelectedMask returns the selected mask PNG, or nil.
func (m *masks) SelectedMask() []byte {
	if len(m.candidates) == 0 {
		return nil
	}
	return m.candidates[m.selected].PNG
}

func (m *masks) SelectedIndex() int  { return m.selected }
func (m *masks) CandidateCount() int { return len(m.candidates) }

// SelectionText renders the selection as "<index+1> / <count>".
func (m *masks) SelectionText() string {
	return fmt.Sprintf("%d / %d", m.selected+1, len(m.candidates))
}

// ControlObjects returns a copy of the prompts in insertion order.
func (m *masks) ControlObjects() []control.Object {
	return slices.Clone(m.objects)
}

// RemoveControlObject removes obj by identity. It reports whether the
// overlay should be redrawn, which is always the case.
func (m *masks) RemoveControlObject(obj control.Object) bool {
	if i := slices.Index(m.objects, obj); i >= 0 {
		m.objects = slices.Delete(m.objects, i, i+1)
	}
	return true
}

func (m *masks) addObject(obj control.Object) {
	m.objects = append(m.objects, obj)
}

func (m *masks) points() []*control.Point {
	return control.Points(m.objects)
}

// convert builds an Image layer holding only the selected mask.
func (m *masks) convert() *Image {
	png := m.SelectedMask()
	if png == nil {
		return nil
	}
	img := NewImage(NameImage, m.width, m.height)
	img.UpdateSingleMask(png)
	return img
}
