package session

import (
	"context"

	"github.com/google/uuid"

	"maskcreator/internal/control"
	"maskcreator/internal/layer"
	"maskcreator/internal/segment"
	"maskcreator/internal/workspace"
)

// Task is one in-flight segmentation request.
type Task struct {
	done    chan struct{}
	layer   uuid.UUID
	err     error
	applied bool
	count   int
}

func newTask(id uuid.UUID) *Task {
	return &Task{done: make(chan struct{}), layer: id}
}

// Done is closed when the request has completed and its result has been
// applied or discarded.
func (t *Task) Done() <-chan struct{} { return t.done }

// Layer returns the layer the request was issued for, or uuid.Nil for
// detection.
func (t *Task) Layer() uuid.UUID { return t.layer }

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Applied reports whether the result reached the session. Valid after Done.
func (t *Task) Applied() bool { return t.applied }

// Count is the number of candidates or box layers received. Valid after Done.
func (t *Task) Count() int { return t.count }

// Err is the request error, if any. Valid after Done.
func (t *Task) Err() error { return t.err }

// start reserves the single request slot. Callers hold s.mu.
func (s *Session) start(id uuid.UUID) (*Task, error) {
	if s.running != nil {
		s.status(MsgBusy)
		return nil, ErrBusy
	}
	t := newTask(id)
	s.running = t
	s.tasks.Add(1)
	return t, nil
}

func (s *Session) finish(t *Task) {
	s.running = nil
	close(t.done)
	s.tasks.Done()
}

// Segment requests mask candidates for the focused layer's prompts. The
// request runs in the background; when it succeeds and the layer is still
// focused, its candidates replace the layer's and the best one is selected.
// Otherwise the result is discarded and the layer is left untouched.
func (s *Session) Segment(ctx context.Context) (*Task, error) {
	var (
		t   *Task
		err error
	)
	s.update(func() []Event {
		if s.base == nil {
			err = ErrNoImage
			return nil
		}
		l := s.focusedLayer()
		if l == nil {
			err = ErrNoFocus
			return nil
		}
		p, ok := l.(layer.Prompted)
		if !ok {
			err = ErrFixedLayer
			return nil
		}
		if t, err = s.start(s.focused); err != nil {
			return nil
		}

		points, box := p.Prompts()
		go s.runSegment(ctx, t, s.base.Data, points, box)
		return nil
	})
	return t, err
}

func (s *Session) runSegment(ctx context.Context, t *Task, img []byte, points []*control.Point, box *control.Box) {
	masks, err := s.client.GenerateMasks(ctx, img, points, box)

	s.update(func() []Event {
		defer s.finish(t)
		t.err = err
		t.count = len(masks)
		if err != nil {
			return nil
		}
		if s.focused != t.layer {
			s.log.Info("discarding masks for unfocused layer", "layer", t.layer, "count", len(masks))
			return nil
		}
		l := s.lookup(t.layer)
		if l == nil {
			return nil
		}
		mask := l.UpdateMaskCandidates(masks)
		t.applied = true
		return []Event{{Kind: EventMask, Layer: t.layer, Mask: mask}, {Kind: EventLayers}}
	})
}

// Detect runs box detection for the session's detection prompt. Each
// returned descriptor becomes a Box layer appended to the session, unless
// the base image changed while the request was in flight.
func (s *Session) Detect(ctx context.Context) (*Task, error) {
	var (
		t   *Task
		err error
	)
	s.update(func() []Event {
		if s.base == nil {
			err = ErrNoImage
			return nil
		}
		if t, err = s.start(uuid.Nil); err != nil {
			return nil
		}
		go s.runDetect(ctx, t, s.gen, s.base, s.prompt)
		return nil
	})
	return t, err
}

func (s *Session) runDetect(ctx context.Context, t *Task, gen uint64, base *workspace.BaseImage, prompt string) {
	descs, err := s.client.GenerateBoxLayers(ctx, base.Data, prompt, base.Width, base.Height)

	s.update(func() []Event {
		defer s.finish(t)
		t.err = err
		t.count = len(descs)
		if err != nil || len(descs) == 0 {
			return nil
		}
		if s.gen != gen {
			s.log.Info("discarding box layers for replaced base image", "count", len(descs))
			return nil
		}
		for _, d := range descs {
			s.layers = append(s.layers, entry{id: uuid.New(), layer: layer.NewBoxFromDescriptor(d)})
		}
		s.layersChanged()
		t.applied = true
		return []Event{{Kind: EventLayers}, {Kind: EventComposite}}
	})
}

var _ Client = (*segment.Service)(nil)
