// Package watcher monitors the process directory and announces base images
// once they have stopped changing.
package watcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// Event is a base image that has been stable for the debounce interval.
type Event struct {
	Path      string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// Config configures a Watcher.
type Config struct {
	// Dir is the directory to watch. Subdirectories are ignored.
	Dir string

	// Debounce is how long a file must be unchanged before it is announced.
	Debounce time.Duration

	// Filter selects the file names to track. Nil tracks every file.
	Filter func(name string) bool

	// IncludeExisting announces files already present at Start.
	IncludeExisting bool
}

// Watcher monitors a directory for new or rewritten files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	interval  time.Duration
	filter    func(string) bool
	existing  bool

	// State tracking: path -> last modification time
	state   map[string]time.Time
	stateMu sync.RWMutex

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for cfg.Dir.
func New(cfg Config) (*Watcher, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	filter := cfg.Filter
	if filter == nil {
		filter = func(string) bool { return true }
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		interval:  cfg.Debounce,
		filter:    filter,
		existing:  cfg.IncludeExisting,
		state:     make(map[string]time.Time),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of stable-file events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", w.dir)
	}

	if err := w.fsWatcher.Add(w.dir); err != nil {
		return err
	}

	if w.existing {
		entries, err := os.ReadDir(w.dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() && w.filter(entry.Name()) {
				w.trackFile(filepath.Join(w.dir, entry.Name()))
			}
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

// trackFile adds a file to state tracking with its modification time.
func (w *Watcher) trackFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.stateMu.Lock()
	w.state[path] = info.ModTime()
	w.stateMu.Unlock()
}

// eventLoop handles fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					w.stateMu.Lock()
					delete(w.state, event.Name)
					w.stateMu.Unlock()
				}
				continue
			}
			if !w.filter(filepath.Base(event.Name)) {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}

			w.stateMu.Lock()
			w.state[event.Name] = time.Now()
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendErr(err)
		}
	}
}

func (w *Watcher) sendErr(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// debounceLoop checks for stable files.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.interval / 2
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles announces files that haven't changed for the debounce
// interval. The lock is released while files are hashed.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.interval)

	var stableFiles []stableFile
	w.stateMu.RLock()
	for path, lastMod := range w.state {
		if !lastMod.After(threshold) {
			stableFiles = append(stableFiles, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.RUnlock()

	if len(stableFiles) == 0 {
		return
	}

	type hashResult struct {
		path    string
		lastMod time.Time
		hash    [32]byte
		size    int64
		err     error
	}
	results := make([]hashResult, len(stableFiles))
	for i, sf := range stableFiles {
		hash, size, err := HashFile(sf.path)
		results[i] = hashResult{path: sf.path, lastMod: sf.lastMod, hash: hash, size: size, err: err}
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		if r.err != nil {
			delete(w.state, r.path)
			w.sendErr(r.err)
			continue
		}

		// Modified while hashing: let it stabilize again.
		currentLastMod, exists := w.state[r.path]
		if !exists || currentLastMod != r.lastMod {
			continue
		}

		event := Event{
			Path:      r.path,
			Hash:      r.hash,
			Size:      r.size,
			Timestamp: now,
		}

		select {
		case w.events <- event:
			delete(w.state, r.path)
		default:
			// Event channel full, try again later
		}
	}
}

// HashFile computes the BLAKE2b-256 hash of a file using streaming.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}

// TrackedFiles returns the current number of tracked files.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}
