// Package watch pushes the live directory automatically when files that
// belong to the active tier set change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/paths"
	"github.com/schaermu/claude-sync/internal/rules"
	claudesync "github.com/schaermu/claude-sync/internal/sync"
)

// Pusher is the part of the engine the watcher drives
type Pusher interface {
	Push(ctx context.Context, message string) (*claudesync.Result, error)
}

// Watcher turns filesystem events under the source root into debounced,
// single-flight pushes.
type Watcher struct {
	root     string
	patterns []string
	pusher   Pusher
	logger   *slog.Logger
	debounce *debouncer

	fsw *fsnotify.Watcher

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a push is currently in progress
	syncPending bool       // whether another push is needed after the current one
}

// New creates a watcher for cfg's source root and tier
func New(cfg *config.Config, pusher Pusher, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:     cfg.Paths.ClaudeDir,
		patterns: rules.Patterns(rules.ByTier(rules.Tier(cfg.Sync.MaxTier))),
		pusher:   pusher,
		logger:   logger,
		debounce: &debouncer{delay: cfg.DebounceDuration()},
	}
}

// Run watches until ctx is cancelled. A push still in flight is allowed to
// finish before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	defer func() {
		_ = fsw.Close()
	}()

	if err := fsw.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	for _, pattern := range w.patterns {
		if !strings.HasSuffix(pattern, "/") {
			continue
		}
		dir := filepath.Join(w.root, filepath.FromSlash(pattern))
		if err := w.addTree(dir); err != nil {
			return err
		}
	}
	for _, parent := range fileRuleParents(w.patterns) {
		if err := w.addParent(filepath.Join(w.root, filepath.FromSlash(parent))); err != nil {
			return err
		}
	}

	w.logger.Info("watching for changes", "dir", w.root, "debounce", w.debounce.delay)

	defer w.debounce.stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// addTree watches dir and every directory beneath it. A missing dir is not
// an error; its parent's create event adds it later.
func (w *Watcher) addTree(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := paths.RelativePath(w.root, path)
		if err != nil {
			return err
		}
		if rules.IsExcluded(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.logger.Debug("watching directory", "dir", rel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return nil
}

// addParent watches the directory holding a nested file rule. A missing
// dir is picked up by the root's create event later.
func (w *Watcher) addParent(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Debug("watching directory", "dir", dir)
	return nil
}

// fileRuleParents returns the parent directories of file rules below the
// root, e.g. "plugins" for "plugins/installed_plugins.json".
func fileRuleParents(patterns []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") || !strings.Contains(pattern, "/") {
			continue
		}
		parent := path.Dir(pattern)
		if !seen[parent] {
			seen[parent] = true
			out = append(out, parent)
		}
	}
	return out
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := paths.RelativePath(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "../") {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			switch {
			case w.inDirectoryRule(rel):
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "dir", rel, "error", err)
				}
			case w.isFileRuleParent(rel):
				if err := w.addParent(event.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "dir", rel, "error", err)
				}
				// The rule's file may already exist by the time the watch
				// is registered.
				if w.hasRuleFileIn(rel) {
					w.debounce.trigger(func() {
						w.performPush(ctx)
					})
				}
			}
		}
	}

	if !Relevant(w.patterns, rel) {
		return
	}
	w.logger.Debug("change detected", "file", rel, "op", event.Op.String())
	w.debounce.trigger(func() {
		w.performPush(ctx)
	})
}

func (w *Watcher) inDirectoryRule(rel string) bool {
	for _, pattern := range w.patterns {
		if !strings.HasSuffix(pattern, "/") {
			continue
		}
		if rel == strings.TrimSuffix(pattern, "/") || strings.HasPrefix(rel, pattern) {
			return true
		}
	}
	return false
}

func (w *Watcher) isFileRuleParent(rel string) bool {
	for _, parent := range fileRuleParents(w.patterns) {
		if rel == parent {
			return true
		}
	}
	return false
}

func (w *Watcher) hasRuleFileIn(rel string) bool {
	for _, pattern := range w.patterns {
		if strings.HasSuffix(pattern, "/") || path.Dir(pattern) != rel {
			continue
		}
		if _, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(pattern))); err == nil {
			return true
		}
	}
	return false
}

// Relevant reports whether a change at rel, relative to the source root,
// can affect what patterns select.
func Relevant(patterns []string, rel string) bool {
	if rel == "" || rel == "." || rules.IsExcluded(rel) {
		return false
	}
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			if rel == strings.TrimSuffix(pattern, "/") || strings.HasPrefix(rel, pattern) {
				return true
			}
			continue
		}
		if rel == pattern {
			return true
		}
	}
	return false
}

// performPush runs a push with single-flight semantics.
// If a push is already in progress, at most one additional run is queued.
func (w *Watcher) performPush(ctx context.Context) {
	w.syncMu.Lock()
	if w.syncRunning {
		w.syncPending = true
		w.syncMu.Unlock()
		w.logger.Info("push already in progress, queuing pending re-run")
		return
	}
	w.syncRunning = true
	w.syncMu.Unlock()

	for {
		if ctx.Err() != nil {
			w.syncMu.Lock()
			w.syncRunning = false
			w.syncPending = false
			w.syncMu.Unlock()
			return
		}

		result, err := w.pusher.Push(ctx, "")
		switch {
		case err != nil:
			w.logger.Error("auto-push failed", "error", err)
		case result.SecretsFound:
			w.logger.Warn("auto-push skipped, secrets detected", "locations", result.SecretDetails)
		default:
			w.logger.Info("auto-push completed", "files", result.FilesSynced, "committed", result.Committed)
		}

		w.syncMu.Lock()
		if !w.syncPending {
			w.syncRunning = false
			w.syncMu.Unlock()
			return
		}
		w.syncPending = false
		w.syncMu.Unlock()

		w.logger.Info("re-running push due to pending request")
	}
}

// debouncer delays a callback until events stop arriving for delay.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	stopped  bool
	running  sync.WaitGroup // callbacks in flight
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		cb := d.callback
		d.running.Add(1)
		d.mu.Unlock()
		defer d.running.Done()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a pending callback, ignores later triggers and waits for a
// callback already running to return.
func (d *debouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	d.running.Wait()
}
