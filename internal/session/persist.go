package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"maskcreator/internal/compositor"
	"maskcreator/internal/layer"
	"maskcreator/internal/metrics"
	"maskcreator/internal/workspace"
)

// Startup fetches the startup arguments, pre-fills the detection prompt and
// opens the process directory they name. A failed fetch leaves the session
// empty; the client has already reported it.
func (s *Session) Startup(ctx context.Context) error {
	args, err := s.client.StartupArgs(ctx)
	if err != nil {
		return err
	}
	if args.DetectionPrompt != "" {
		s.SetDetectionPrompt(args.DetectionPrompt)
	}
	if args.ProcDir == "" {
		return nil
	}
	return s.OpenDirectory(args.ProcDir)
}

// OpenDirectory makes dir the process directory and loads its first base
// image.
func (s *Session) OpenDirectory(dir string) error {
	ws, err := workspace.Open(dir, s.wsOpts)
	if err != nil {
		s.status("Error: " + err.Error())
		return err
	}

	s.mu.Lock()
	busy := s.focused != uuid.Nil
	if !busy {
		s.ws = ws
	}
	s.mu.Unlock()

	if busy {
		s.status(MsgEditMode)
		return ErrEditMode
	}
	if ws.Len() == 0 {
		s.status(MsgNoBaseImages)
		return ErrNoBaseImages
	}
	s.log.Info("process directory opened", "dir", ws.Dir(), "images", ws.Len())
	return s.LoadBaseImage(ws.Current())
}

// LoadNextImage loads the next base image of the process directory,
// wrapping to the first.
func (s *Session) LoadNextImage() error { return s.loadAdjacent(true) }

// LoadPrevImage loads the previous base image, wrapping to the last.
func (s *Session) LoadPrevImage() error { return s.loadAdjacent(false) }

func (s *Session) loadAdjacent(next bool) error {
	s.mu.Lock()
	ws, editing := s.ws, s.focused != uuid.Nil
	s.mu.Unlock()

	if editing {
		s.status(MsgEditMode)
		return ErrEditMode
	}
	if ws == nil || ws.Len() == 0 {
		return ErrNoBaseImages
	}
	var path string
	if next {
		path = ws.Next()
	} else {
		path = ws.Prev()
	}
	return s.LoadBaseImage(path)
}

// LoadBaseImage replaces the base image and clears every layer. A mask
// previously saved for the image is loaded as a "Saved Mask" Image layer.
// It is refused while a layer is focused.
func (s *Session) LoadBaseImage(path string) error {
	s.mu.Lock()
	editing := s.focused != uuid.Nil
	s.mu.Unlock()
	if editing {
		s.status(MsgEditMode)
		return ErrEditMode
	}

	img, err := workspace.LoadImage(path)
	if err != nil {
		s.status("Error: " + err.Error())
		return err
	}
	saved, err := workspace.LoadSavedMaskFor(path, s.wsOpts.MaskSuffix)
	if err != nil {
		s.log.Warn("ignoring unreadable saved mask", "image", path, "error", err)
	}

	s.update(func() []Event {
		if s.focused != uuid.Nil {
			err = ErrEditMode
			return nil
		}
		if s.ws != nil {
			s.ws.Select(path)
		}
		s.base = img
		s.gen++
		s.layers = nil
		if saved != nil {
			l := layer.NewImage(layer.NameSavedMask, img.Width, img.Height)
			l.UpdateSingleMask(saved)
			s.layers = append(s.layers, entry{id: uuid.New(), layer: l})
		}
		s.layersChanged()
		s.status("")
		s.log.Info("base image loaded",
			"image", img.Path,
			"width", img.Width,
			"height", img.Height,
			"saved_mask", saved != nil,
		)
		return []Event{{Kind: EventBaseImage}, {Kind: EventLayers}, {Kind: EventComposite}}
	})
	if err != nil {
		s.status(MsgEditMode)
		return err
	}
	return nil
}

// MaskPath returns where the current base image's mask is saved.
func (s *Session) MaskPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return ""
	}
	return workspace.MaskPathFor(s.base.Path, s.wsOpts.MaskSuffix)
}

// Save composites every layer into an opaque PNG and writes it next to the
// base image. It returns the written path.
func (s *Session) Save(ctx context.Context) (string, error) {
	s.mu.Lock()
	base := s.base
	var (
		png    []byte
		err    error
		layers = len(s.layers)
	)
	if base != nil {
		png, err = compositor.CompositePNG(base.Width, base.Height, s.layerList())
	}
	s.mu.Unlock()

	if base == nil {
		return "", ErrNoImage
	}
	if err != nil {
		s.metrics.RecordSave(metrics.OutcomeError)
		s.status("Error: " + err.Error())
		return "", err
	}
	if png == nil {
		s.metrics.RecordSave(metrics.OutcomeEmpty)
		s.status(MsgSaveEmpty)
		return "", ErrEmptyMask
	}

	path := workspace.MaskPathFor(base.Path, s.wsOpts.MaskSuffix)
	if err := workspace.SaveMask(path, png); err != nil {
		s.metrics.RecordSave(metrics.OutcomeError)
		s.status("Error: " + err.Error())
		s.log.Error("saving mask failed", "path", path, "error", err)
		return "", err
	}
	s.metrics.RecordSave(metrics.OutcomeOK)

	if s.history != nil {
		if err := s.history.RecordMask(ctx, base.Path, path, png, layers); err != nil {
			s.log.Warn("recording mask history failed", "path", path, "error", err)
		}
	}

	s.log.Info("mask saved", "path", path, "layers", layers, "png", png)
	s.status(fmt.Sprintf("Mask saved to %s", filepath.Clean(path)))
	return path, nil
}
