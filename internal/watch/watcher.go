// SPDX-License-Identifier: MPL-2.0

// Package watch reports source changes under a process's directory.
//
// Bursts of filesystem events are coalesced: the callback fires once the
// tree has been quiet for the debounce period, with every path that changed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a batch is delivered.
const DefaultDebounce = 300 * time.Millisecond

// defaultIgnores never trigger a restart: VCS metadata, dependency trees,
// build output and editor droppings.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

var (
	// ErrInvalidPattern is returned by New for a malformed glob.
	ErrInvalidPattern = errors.New("invalid watch pattern")
	// ErrWatcherFailed wraps fsnotify errors the watcher cannot recover from.
	ErrWatcherFailed = errors.New("file watcher failed")
)

type (
	// ChangeFunc receives the changed paths, relative to the watched
	// directory, slash-separated and sorted.
	ChangeFunc func(ctx context.Context, changed []string)

	// Option configures a Watcher.
	Option func(*Watcher)

	// Watcher watches one directory tree.
	Watcher struct {
		dir      string
		patterns []string
		ignores  []string
		debounce time.Duration
		logger   *log.Logger
		fsw      *fsnotify.Watcher
		started  atomic.Bool
	}
)

// WithIgnore adds ignore globs on top of the built-in ones.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) { w.ignores = append(w.ignores, patterns...) }
}

// WithDebounce sets the quiet period. Non-positive values keep the default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New watches dir recursively. Only files matching one of patterns count;
// no patterns means every file that is not ignored.
func New(dir string, patterns []string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch directory: %w", err)
	}
	w := &Watcher{
		dir:      abs,
		patterns: patterns,
		ignores:  slices.Clone(defaultIgnores),
		debounce: DefaultDebounce,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, pat := range append(slices.Clone(w.patterns), w.ignores...) {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pat)
		}
	}

	if w.fsw, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.addTree(w.dir); err != nil {
		_ = w.fsw.Close()
		return nil, err
	}
	return w, nil
}

// Dir returns the absolute watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Close releases a watcher that will not be run. Run closes on its own.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run delivers batches to onChange until ctx is done, then closes the
// watcher. onChange runs on Run's goroutine; changes made while it runs
// form the next batch. Run may be called once.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already running")
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Debug("close file watcher", "error", err)
		}
	}()

	pending := make(map[string]struct{})
	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("%w: event stream closed", ErrWatcherFailed)
			}
			if ev.Has(fsnotify.Create) {
				w.addNewDir(ev.Name)
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			rel := w.rel(ev.Name)
			if w.ignored(rel) || !w.matches(rel) {
				continue
			}
			pending[rel] = struct{}{}
			quiet.Reset(w.debounce)

		case <-quiet.C:
			if len(pending) == 0 {
				continue
			}
			changed := slices.Sorted(maps.Keys(pending))
			clear(pending)
			w.logger.Debug("sources changed", "dir", w.dir, "files", len(changed))
			onChange(ctx, changed)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("%w: error stream closed", ErrWatcherFailed)
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("%w: %w", ErrWatcherFailed, err)
			}
			w.logger.Warn("file watcher error", "dir", w.dir, "error", err)
		}
	}
}

// addTree registers root and every directory below it that is not ignored.
// Unreadable directories are skipped.
func (w *Watcher) addTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.dir && w.ignoredDir(w.rel(path)) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatcherFailed, err)
	}
	return nil
}

// addNewDir extends the watch to a directory created after startup.
func (w *Watcher) addNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn("cannot watch new directory", "path", path, "error", err)
	}
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) ignored(rel string) bool {
	return matchAny(w.ignores, rel)
}

// ignoredDir also tests rel with a trailing slash so "**/x/**" prunes x.
func (w *Watcher) ignoredDir(rel string) bool {
	return w.ignored(rel) || w.ignored(rel+"/")
}

func (w *Watcher) matches(rel string) bool {
	return len(w.patterns) == 0 || matchAny(w.patterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultIgnores returns a copy of the built-in ignore globs.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}
