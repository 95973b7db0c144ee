// Package session implements the mask editing session: an ordered list of
// mask layers over one base image, with at most one layer focused for
// pointer input at a time.
//
// The session is a small state machine with two states, NoFocus and
// Focused(id). All transitions go through Focus and Unfocus so the
// single-focus invariant is enforced in one place. Segmentation runs as an
// asynchronous Task; its result is applied only if the originating layer is
// still focused when it completes.
package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"slices"
	"sync"

	"github.com/google/uuid"

	"maskcreator/internal/compositor"
	"maskcreator/internal/control"
	"maskcreator/internal/layer"
	"maskcreator/internal/logging"
	"maskcreator/internal/metrics"
	"maskcreator/internal/segment"
	"maskcreator/internal/workspace"
)

// Status messages specific to the session.
const (
	MsgEditMode     = "Cannot load base image in edit mode!"
	MsgConvertEmpty = "Cannot convert empty Layer!"
	MsgSaveEmpty    = "Cannot save empty mask"
	MsgNoBaseImages = "No base image found in directory"
	MsgBusy         = "Segmentation already in progress."
)

var (
	ErrNoImage      = errors.New("no base image loaded")
	ErrNoBaseImages = errors.New("no base image found in directory")
	ErrEditMode     = errors.New("cannot load base image in edit mode")
	ErrNoFocus      = errors.New("no layer focused")
	ErrUnknownLayer = errors.New("unknown layer")
	ErrBusy         = errors.New("segmentation already in progress")
	ErrFixedLayer   = errors.New("image layers cannot be segmented or converted")
	ErrEmptyLayer   = errors.New("cannot convert empty layer")
	ErrEmptyMask    = errors.New("cannot save empty mask")
)

// State is the focus state of a session.
type State int

const (
	NoFocus State = iota
	Focused
)

func (s State) String() string {
	if s == Focused {
		return "focused"
	}
	return "no-focus"
}

// Client is the segmentation service as seen by a session.
// *segment.Service implements it.
type Client interface {
	StartupArgs(ctx context.Context) (segment.StartupArgs, error)
	GenerateMasks(ctx context.Context, image []byte, points []*control.Point, box *control.Box) ([]segment.MaskCandidate, error)
	GenerateBoxLayers(ctx context.Context, image []byte, prompt string, width, height int) ([]segment.BoxLayer, error)
}

// History records saved masks.
type History interface {
	RecordMask(ctx context.Context, imagePath, maskPath string, png []byte, layers int) error
}

// EventKind identifies what changed.
type EventKind int

const (
	// EventLayers: layers were added, removed or replaced.
	EventLayers EventKind = iota
	// EventFocus: the focused layer changed.
	EventFocus
	// EventMask: the focused layer's selected mask changed. Event.Mask
	// holds the new PNG or nil.
	EventMask
	// EventOverlay: the focused layer's prompt overlay needs a redraw.
	EventOverlay
	// EventComposite: the composite of all layers should be refreshed.
	EventComposite
	// EventBaseImage: a new base image was loaded.
	EventBaseImage
)

// Event is delivered to the Observer after the session lock is released.
type Event struct {
	Kind  EventKind
	Layer uuid.UUID
	Mask  []byte
}

// Observer receives change notifications. It may call back into the session.
type Observer func(Event)

// Config configures a Session.
type Config struct {
	Client    Client
	History   History
	Status    segment.StatusFunc
	Observer  Observer
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Workspace workspace.Options

	// Tint colours the overlay composite. Zero means compositor.DefaultTint.
	Tint color.NRGBA

	// DetectionPrompt is the initial text prompt for box detection.
	DetectionPrompt string
}

// Info is a snapshot of one layer.
type Info struct {
	ID         uuid.UUID
	Name       string
	Kind       layer.Kind
	Active     bool
	Selection  string
	Candidates int
	Objects    []control.Object
}

type entry struct {
	id    uuid.UUID
	layer layer.Layer
}

// Session is safe for concurrent use.
type Session struct {
	client   Client
	history  History
	status   segment.StatusFunc
	observer Observer
	log      *logging.Logger
	metrics  *metrics.Metrics
	wsOpts   workspace.Options
	tint     color.NRGBA

	mu      sync.Mutex
	ws      *workspace.Workspace
	base    *workspace.BaseImage
	gen     uint64 // bumped per base image load
	layers  []entry
	focused uuid.UUID
	prompt  string
	running *Task
	tasks   sync.WaitGroup
}

// New creates a session with no base image.
func New(cfg Config) *Session {
	s := &Session{
		client:   cfg.Client,
		history:  cfg.History,
		status:   cfg.Status,
		observer: cfg.Observer,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		wsOpts:   cfg.Workspace,
		tint:     cfg.Tint,
		prompt:   cfg.DetectionPrompt,
	}
	if s.status == nil {
		s.status = func(string) {}
	}
	if s.observer == nil {
		s.observer = func(Event) {}
	}
	if s.log == nil {
		s.log = logging.Default()
	}
	s.log = s.log.WithComponent("session")
	if s.tint == (color.NRGBA{}) {
		s.tint = compositor.DefaultTint
	}
	return s
}

// update runs fn under the lock and delivers the events it returns once the
// lock is released.
func (s *Session) update(fn func() []Event) {
	s.mu.Lock()
	events := fn()
	s.mu.Unlock()
	for _, ev := range events {
		s.observer(ev)
	}
}

// State returns the focus state and, when focused, the layer id.
func (s *Session) State() (State, uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused == uuid.Nil {
		return NoFocus, uuid.Nil
	}
	return Focused, s.focused
}

// DetectionPrompt returns the current box detection prompt.
func (s *Session) DetectionPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// SetDetectionPrompt replaces the box detection prompt.
func (s *Session) SetDetectionPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

// Workspace returns the open process directory, or nil.
func (s *Session) Workspace() *workspace.Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

// BaseImage returns the loaded base image, or nil.
func (s *Session) BaseImage() *workspace.BaseImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Session) index(id uuid.UUID) int {
	return slices.IndexFunc(s.layers, func(e entry) bool { return e.id == id })
}

func (s *Session) lookup(id uuid.UUID) layer.Layer {
	if i := s.index(id); i >= 0 {
		return s.layers[i].layer
	}
	return nil
}

func (s *Session) focusedLayer() layer.Layer {
	if s.focused == uuid.Nil {
		return nil
	}
	return s.lookup(s.focused)
}

func (s *Session) layersChanged() {
	s.metrics.SetSessionLayers(len(s.layers))
}

func info(e entry) Info {
	return Info{
		ID:         e.id,
		Name:       e.layer.Name(),
		Kind:       e.layer.Kind(),
		Active:     e.layer.Active(),
		Selection:  e.layer.SelectionText(),
		Candidates: e.layer.CandidateCount(),
		Objects:    e.layer.ControlObjects(),
	}
}

// Layers returns a snapshot of all layers in order.
func (s *Session) Layers() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, len(s.layers))
	for i, e := range s.layers {
		out[i] = info(e)
	}
	return out
}

// Layer returns a snapshot of one layer.
func (s *Session) Layer(id uuid.UUID) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return info(s.layers[i]), true
	}
	return Info{}, false
}

// SelectedMask returns the selected mask PNG of a layer, or nil.
func (s *Session) SelectedMask(id uuid.UUID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.lookup(id); l != nil {
		return l.SelectedMask()
	}
	return nil
}

// AddLayer appends a new Point or Box layer sized to the base image and
// focuses it.
func (s *Session) AddLayer(kind layer.Kind) (uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	s.update(func() []Event {
		if s.base == nil {
			err = ErrNoImage
			return nil
		}

		var l layer.Layer
		switch kind {
		case layer.KindPoint:
			l = layer.NewPoint(layer.NamePoint, s.base.Width, s.base.Height)
		case layer.KindBox:
			l = layer.NewBox(layer.NameBox, s.base.Width, s.base.Height)
		default:
			err = ErrFixedLayer
			return nil
		}

		id = uuid.New()
		s.layers = append(s.layers, entry{id: id, layer: l})
		s.layersChanged()
		s.log.Debug("layer added", "layer", id, "kind", kind)
		return append([]Event{{Kind: EventLayers}}, s.focus(id)...)
	})
	return id, err
}

// Focus makes id the focused layer, deactivating the previous one.
func (s *Session) Focus(id uuid.UUID) error {
	var err error
	s.update(func() []Event {
		if s.index(id) < 0 {
			err = ErrUnknownLayer
			return nil
		}
		return s.focus(id)
	})
	return err
}

func (s *Session) focus(id uuid.UUID) []Event {
	if prev := s.focusedLayer(); prev != nil {
		prev.Deactivate()
	}
	mask := s.lookup(id).Activate()
	s.focused = id
	return []Event{
		{Kind: EventFocus, Layer: id},
		{Kind: EventMask, Layer: id, Mask: mask},
		{Kind: EventOverlay, Layer: id},
	}
}

// Unfocus returns to NoFocus and requests a composite refresh.
func (s *Session) Unfocus() {
	s.update(func() []Event {
		return s.unfocus()
	})
}

func (s *Session) unfocus() []Event {
	if l := s.focusedLayer(); l != nil {
		l.Deactivate()
	}
	s.focused = uuid.Nil
	return []Event{{Kind: EventFocus}, {Kind: EventComposite}}
}

// RemoveLayer deletes a layer, unfocusing it first if needed.
func (s *Session) RemoveLayer(id uuid.UUID) error {
	var err error
	s.update(func() []Event {
		i := s.index(id)
		if i < 0 {
			err = ErrUnknownLayer
			return nil
		}
		var events []Event
		if s.focused == id {
			events = s.unfocus()
		}
		s.layers = slices.Delete(s.layers, i, i+1)
		s.layersChanged()
		return append(events, Event{Kind: EventLayers}, Event{Kind: EventComposite})
	})
	return err
}

// RemoveControlObject removes a prompt from the focused layer by identity.
func (s *Session) RemoveControlObject(obj control.Object) bool {
	redraw := false
	s.update(func() []Event {
		l := s.focusedLayer()
		if l == nil {
			return nil
		}
		if redraw = l.RemoveControlObject(obj); redraw {
			return []Event{{Kind: EventOverlay, Layer: s.focused}}
		}
		return nil
	})
	return redraw
}

type pointerFunc func(l layer.Layer) bool

func (s *Session) pointer(fn pointerFunc) bool {
	redraw := false
	s.update(func() []Event {
		l := s.focusedLayer()
		if l == nil {
			return nil
		}
		if redraw = fn(l); redraw {
			return []Event{{Kind: EventOverlay, Layer: s.focused}}
		}
		return nil
	})
	return redraw
}

// PointerDown routes a press to the focused layer. Outside Focused it does
// nothing and returns false.
func (s *Session) PointerDown(x, y int, b layer.Button) bool {
	return s.pointer(func(l layer.Layer) bool { return l.PointerDown(x, y, b) })
}

// PointerMove routes cursor movement to the focused layer.
func (s *Session) PointerMove(x, y int) bool {
	return s.pointer(func(l layer.Layer) bool { return l.PointerMove(x, y) })
}

// PointerUp routes a release to the focused layer.
func (s *Session) PointerUp(x, y int, b layer.Button) bool {
	return s.pointer(func(l layer.Layer) bool { return l.PointerUp(x, y, b) })
}

func (s *Session) selectMask(next bool) []byte {
	var mask []byte
	s.update(func() []Event {
		l := s.focusedLayer()
		if l == nil {
			return nil
		}
		if next {
			mask = l.SelectNextMask()
		} else {
			mask = l.SelectPrevMask()
		}
		return []Event{{Kind: EventMask, Layer: s.focused, Mask: mask}}
	})
	return mask
}

// SelectNextMask cycles the focused layer's candidate selection forward.
func (s *Session) SelectNextMask() []byte { return s.selectMask(true) }

// SelectPrevMask cycles the focused layer's candidate selection back.
func (s *Session) SelectPrevMask() []byte { return s.selectMask(false) }

// Overlay renders the prompt overlay of the focused layer, or nil.
func (s *Session) Overlay() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.focusedLayer(); l != nil {
		return l.RenderOverlay()
	}
	return nil
}

// Convert replaces the focused layer with an Image layer holding only its
// selected mask, at the same position, and focuses the new layer.
func (s *Session) Convert() (uuid.UUID, error) {
	var (
		id  uuid.UUID
		err error
	)
	s.update(func() []Event {
		l := s.focusedLayer()
		if l == nil {
			err = ErrNoFocus
			return nil
		}
		if l.Kind() == layer.KindImage {
			err = ErrFixedLayer
			return nil
		}
		converted := l.ConvertToImage()
		if converted == nil {
			s.status(MsgConvertEmpty)
			err = ErrEmptyLayer
			return nil
		}

		i := s.index(s.focused)
		l.Deactivate()
		id = uuid.New()
		s.layers[i] = entry{id: id, layer: converted}
		s.focused = uuid.Nil
		s.log.Debug("layer converted", "layer", id, "from", l.Kind())
		return append([]Event{{Kind: EventLayers}}, s.focus(id)...)
	})
	return id, err
}

// Composite returns the additive composite of every layer, or nil when no
// layer holds a mask.
func (s *Session) Composite() (*image.NRGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return nil, nil
	}
	return compositor.Composite(s.base.Width, s.base.Height, s.layerList())
}

// CompositeOverlay returns the composite tinted for display over the base
// image, or nil.
func (s *Session) CompositeOverlay() (*image.NRGBA, error) {
	canvas, err := s.Composite()
	if err != nil || canvas == nil {
		return nil, err
	}
	return compositor.Overlay(canvas, s.tint), nil
}

func (s *Session) layerList() []layer.Layer {
	out := make([]layer.Layer, len(s.layers))
	for i, e := range s.layers {
		out[i] = e.layer
	}
	return out
}

// Wait blocks until every in-flight task has finished.
func (s *Session) Wait() {
	s.tasks.Wait()
}
