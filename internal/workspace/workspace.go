// Package workspace manages the process directory: the ordered set of base
// images a user steps through and the mask file saved next to each one.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	// Registered decoders for base images.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"maskcreator/internal/segment"
)

// Defaults for a process directory.
var (
	DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}
	DefaultMaskSuffix = "_mask"
)

// Options configures which files count as base images.
type Options struct {
	Extensions []string
	MaskSuffix string
}

// Workspace is a process directory with a cursor over its base images.
type Workspace struct {
	dir    string
	exts   map[string]bool
	suffix string

	mu     sync.Mutex
	images []string
	index  int
}

// Open scans dir for base images. An empty Options uses the defaults.
func Open(dir string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve process directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open process directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open process directory: %s is not a directory", abs)
	}

	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if opts.MaskSuffix == "" {
		opts.MaskSuffix = DefaultMaskSuffix
	}

	w := &Workspace{
		dir:    abs,
		exts:   make(map[string]bool, len(opts.Extensions)),
		suffix: opts.MaskSuffix,
	}
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.exts[ext] = true
	}

	if err := w.Refresh(); err != nil {
		return nil, err
	}
	return w, nil
}

// Dir returns the absolute process directory.
func (w *Workspace) Dir() string { return w.dir }

// Refresh rescans the directory. The cursor stays on the current image when
// it still exists.
func (w *Workspace) Refresh() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read process directory: %w", err)
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() || !w.IsBaseImage(e.Name()) {
			continue
		}
		images = append(images, filepath.Join(w.dir, e.Name()))
	}
	sort.SliceStable(images, func(i, j int) bool {
		return NaturalLess(filepath.Base(images[i]), filepath.Base(images[j]))
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	current := ""
	if w.index < len(w.images) {
		current = w.images[w.index]
	}
	w.images = images
	w.index = 0
	for i, p := range images {
		if p == current {
			w.index = i
			break
		}
	}
	return nil
}

// IsBaseImage reports whether name has a handled extension and is not itself
// a saved mask.
func (w *Workspace) IsBaseImage(name string) bool {
	ext := filepath.Ext(name)
	if !w.exts[strings.ToLower(ext)] {
		return false
	}
	return !strings.HasSuffix(strings.TrimSuffix(name, ext), w.suffix)
}

// Images returns the base images in natural order.
func (w *Workspace) Images() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.images...)
}

// Len returns the number of base images.
func (w *Workspace) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.images)
}

// Index returns the cursor position.
func (w *Workspace) Index() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index
}

// Current returns the image under the cursor, or "" for an empty directory.
func (w *Workspace) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.images) == 0 {
		return ""
	}
	return w.images[w.index]
}

// Next advances the cursor, wrapping to the first image.
func (w *Workspace) Next() string { return w.step(1) }

// Prev moves the cursor back, wrapping to the last image.
func (w *Workspace) Prev() string { return w.step(-1) }

func (w *Workspace) step(delta int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.images)
	if n == 0 {
		return ""
	}
	w.index = ((w.index+delta)%n + n) % n
	return w.images[w.index]
}

// Select moves the cursor to path. It returns false if path is not a base
// image of this workspace.
func (w *Workspace) Select(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range w.images {
		if p == abs {
			w.index = i
			return true
		}
	}
	return false
}

// MaskPath returns where the mask for imagePath is saved.
func (w *Workspace) MaskPath(imagePath string) string {
	return MaskPathFor(imagePath, w.suffix)
}

// MaskPathFor returns imagePath with its extension replaced by suffix+".png".
func MaskPathFor(imagePath, suffix string) string {
	if suffix == "" {
		suffix = DefaultMaskSuffix
	}
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + suffix + ".png"
}

// HasMask reports whether a saved mask exists for imagePath.
func (w *Workspace) HasMask(imagePath string) bool {
	info, err := os.Stat(w.MaskPath(imagePath))
	return err == nil && !info.IsDir()
}

// LoadSavedMask returns the saved mask for imagePath, or nil if there is none.
func (w *Workspace) LoadSavedMask(imagePath string) ([]byte, error) {
	return LoadSavedMaskFor(imagePath, w.suffix)
}

// LoadSavedMaskFor is LoadSavedMask for an image outside any workspace.
func LoadSavedMaskFor(imagePath, suffix string) ([]byte, error) {
	data, err := os.ReadFile(MaskPathFor(imagePath, suffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read saved mask: %w", err)
	}
	return data, nil
}

// BaseImage is an encoded base image with its pixel dimensions.
type BaseImage struct {
	Path   string
	Data   []byte
	Format string
	Width  int
	Height int
}

// LoadImage reads path and decodes only the image header for its size.
func LoadImage(path string) (*BaseImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read base image: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode base image %s: %w", filepath.Base(path), err)
	}
	return &BaseImage{
		Path:   path,
		Data:   data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// SaveMask writes png to path through a temporary file in the same directory.
// Failures wrap segment.ErrPersistence.
func SaveMask(path string, png []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mask-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", segment.ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(png); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", segment.ErrPersistence, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", segment.ErrPersistence, path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %v", segment.ErrPersistence, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", segment.ErrPersistence, path, err)
	}
	return nil
}
