// Package watcher reports changes anywhere beneath a directory, skipping build
// output, version control internals and whatever the directory's ignore file lists.
package watcher

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFile is read from the watched root, one pattern per line.
const IgnoreFile = ".gitignore"

// DefaultDebounce collapses bursts of events into one notification.
const DefaultDebounce = 250 * time.Millisecond

// BaseIgnores are never watched.
var BaseIgnores = []string{
	"_build",
	"_site",
	".sass-cache",
	"node_modules",
	".git",
	".DS_Store",
	"Thumbs.db",
}

// Option customizes a watch.
type Option func(*Handle)

// WithDebounce overrides DefaultDebounce. Zero fires on every event.
func WithDebounce(d time.Duration) Option {
	return func(h *Handle) { h.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handle is a running watch. The zero value and nil are valid and Close on
// them does nothing.
type Handle struct {
	root     string
	onChange func(path string)
	debounce time.Duration
	logger   *slog.Logger
	matcher  gitignore.Matcher

	mu      sync.Mutex
	w       *fsnotify.Watcher
	timer   *time.Timer
	pending string
	closed  bool
	done    chan struct{}
}

// Watch starts watching root. Files present when the watch starts do not
// trigger onChange. A failure to read the ignore file only shrinks the ignore
// set; a failure to create the watch returns a usable Handle and the error.
func Watch(root string, onChange func(path string), opts ...Option) (*Handle, error) {
	h := &Handle{
		root:     root,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("module", "watcher", "root", root)
	h.matcher = gitignore.NewMatcher(loadPatterns(root, h.logger))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return h, err
	}
	if err := h.addTree(w, root); err != nil {
		w.Close()
		return h, err
	}

	h.w = w
	h.done = make(chan struct{})
	go h.loop(w)
	return h, nil
}

// Patterns returns the ignore patterns for root: the base set followed by the
// lines of its ignore file.
func Patterns(root string) ([]string, error) {
	patterns := append([]string(nil), BaseIgnores...)

	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return patterns, nil
		}
		return patterns, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}

func loadPatterns(root string, logger *slog.Logger) []gitignore.Pattern {
	lines, err := Patterns(root)
	if err != nil {
		logger.Warn("could not read ignore file", "err", err)
	}
	patterns := make([]gitignore.Pattern, 0, len(lines))
	for _, line := range lines {
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns
}

// Ignored reports whether path, absolute or relative to the root, is excluded.
func (h *Handle) Ignored(path string, isDir bool) bool {
	rel := path
	if filepath.IsAbs(path) {
		var err error
		if rel, err = filepath.Rel(h.root, path); err != nil {
			return false
		}
	}
	if rel == "." || rel == "" {
		return false
	}
	return h.matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), isDir)
}

func (h *Handle) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			h.logger.Debug("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if h.Ignored(path, true) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			if path == dir {
				return err
			}
			h.logger.Debug("could not watch directory", "path", path, "err", err)
		}
		return nil
	})
}

func (h *Handle) loop(w *fsnotify.Watcher) {
	defer close(h.done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			h.handle(w, event)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watch error", "err", err)
		}
	}
}

func (h *Handle) handle(w *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	isDir := false
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if h.Ignored(event.Name, isDir) {
		return
	}
	if isDir {
		if err := h.addTree(w, event.Name); err != nil {
			h.logger.Debug("could not watch new directory", "path", event.Name, "err", err)
		}
	}
	h.schedule(event.Name)
}

func (h *Handle) schedule(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.debounce <= 0 {
		go h.fire(path)
		return
	}
	h.pending = path
	if h.timer == nil {
		h.timer = time.AfterFunc(h.debounce, h.firePending)
		return
	}
	h.timer.Reset(h.debounce)
}

func (h *Handle) firePending() {
	h.mu.Lock()
	path := h.pending
	h.mu.Unlock()
	h.fire(path)
}

func (h *Handle) fire(path string) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if !closed && h.onChange != nil {
		h.onChange(path)
	}
}

// Close stops all future notifications.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
	}
	w := h.w
	h.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-h.done
	return err
}
