package git

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

type memCommit struct {
	id      string
	message string
	time    time.Time
	files   map[string][]byte
	changed []string
}

// Network connects memory backends to each other by URL so push and pull
// can be exercised without a server.
type Network struct {
	mu    sync.Mutex
	repos map[string][]memCommit
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{repos: map[string][]memCommit{}}
}

// AddRemote registers an empty repository reachable at url.
func (n *Network) AddRemote(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.repos[url]; !ok {
		n.repos[url] = nil
	}
}

func (n *Network) load(url string) ([]memCommit, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	history, ok := n.repos[url]
	return append([]memCommit(nil), history...), ok
}

func (n *Network) store(url string, history []memCommit) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.repos[url] = append([]memCommit(nil), history...)
}

// MemoryBackend keeps history in memory over a real working directory.
// Ignore files in the working directory are honored like git does.
type MemoryBackend struct {
	dir     string
	opts    Options
	opened  bool
	commits []memCommit // oldest first
	remotes map[string]string
}

// NewMemoryBackend creates an in-memory backend for dir
func NewMemoryBackend(dir string, opts Options) *MemoryBackend {
	return &MemoryBackend{dir: dir, opts: opts, remotes: map[string]string{}}
}

func (b *MemoryBackend) Dir() string         { return b.dir }
func (b *MemoryBackend) MetadataDir() string { return metadataDir }

func (b *MemoryBackend) IsInitialized() bool { return b.opened }

// Open creates the working directory; history starts empty.
func (b *MemoryBackend) Open(ctx context.Context) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	b.opened = true
	return nil
}

func (b *MemoryBackend) head() map[string][]byte {
	if len(b.commits) == 0 {
		return map[string][]byte{}
	}
	return b.commits[len(b.commits)-1].files
}

// snapshot reads every non-ignored regular file of the working directory.
func (b *MemoryBackend) snapshot() (map[string][]byte, error) {
	patterns, err := gitignore.ReadPatterns(osfs.New(b.dir), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore patterns: %w", err)
	}
	matcher := gitignore.NewMatcher(patterns)

	files := map[string][]byte{}
	err = filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == b.dir {
			return nil
		}
		rel, err := filepath.Rel(b.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() && rel == metadataDir {
			return filepath.SkipDir
		}
		if matcher.Match(strings.Split(rel, "/"), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read working directory: %w", err)
	}
	return files, nil
}

func diffSnapshots(old, cur map[string][]byte) []string {
	var changed []string
	for name, data := range cur {
		if prev, ok := old[name]; !ok || !bytes.Equal(prev, data) {
			changed = append(changed, name)
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// CommitAll records the working directory as a new commit when it differs from HEAD
func (b *MemoryBackend) CommitAll(ctx context.Context, message string) (bool, error) {
	if !b.opened {
		return false, ErrNotInitialized
	}

	files, err := b.snapshot()
	if err != nil {
		return false, err
	}
	changed := diffSnapshots(b.head(), files)
	if len(changed) == 0 {
		return false, nil
	}

	now := b.opts.now()
	if message == "" {
		message = AutoMessage(now)
	}

	parent := ""
	if len(b.commits) > 0 {
		parent = b.commits[len(b.commits)-1].id
	}
	b.commits = append(b.commits, memCommit{
		id:      commitID(parent, message, now, files),
		message: message,
		time:    now,
		files:   files,
		changed: changed,
	})
	return true, nil
}

func commitID(parent, message string, when time.Time, files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha1.New()
	fmt.Fprintf(h, "parent %s\ntime %d\n%s\n", parent, when.UnixNano(), message)
	for _, name := range names {
		fmt.Fprintf(h, "%s %d\n", name, len(files[name]))
		h.Write(files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Log returns commits newest first
func (b *MemoryBackend) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	if !b.opened {
		return nil, ErrNotInitialized
	}
	var entries []LogEntry
	for i := len(b.commits) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) >= limit {
			break
		}
		c := b.commits[i]
		entries = append(entries, LogEntry{
			ID:      c.id,
			Message: strings.TrimSpace(c.message),
			Time:    c.time,
			Files:   append([]string{}, c.changed...),
		})
	}
	return entries, nil
}

// SetRemote adds the remote or replaces its URL
func (b *MemoryBackend) SetRemote(ctx context.Context, name, url string) error {
	if !b.opened {
		return ErrNotInitialized
	}
	b.remotes[name] = url
	return nil
}

// HasRemote reports whether the named remote exists
func (b *MemoryBackend) HasRemote(ctx context.Context, name string) (bool, error) {
	_, ok, err := b.RemoteURL(ctx, name)
	return ok, err
}

// RemoteURL returns the URL of the named remote
func (b *MemoryBackend) RemoteURL(ctx context.Context, name string) (string, bool, error) {
	if !b.opened {
		return "", false, ErrNotInitialized
	}
	url, ok := b.remotes[name]
	return url, ok, nil
}

func (b *MemoryBackend) remoteHistory(op, remote string) (string, []memCommit, error) {
	if !b.opened {
		return "", nil, ErrNotInitialized
	}
	url, ok := b.remotes[remote]
	if !ok {
		return "", nil, &BackendError{Op: op, Err: fmt.Errorf("%w: %s", ErrNoRemote, remote)}
	}
	history, ok := b.opts.Network.load(url)
	if !ok {
		return "", nil, &BackendError{Op: op, Err: fmt.Errorf("repository %s not found", url)}
	}
	return url, history, nil
}

// isPrefix reports whether a is an ancestor history of b.
func isPrefix(a, b []memCommit) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i].id != b[i].id {
			return false
		}
	}
	return true
}

// Push publishes local history when the remote is an ancestor of it
func (b *MemoryBackend) Push(ctx context.Context, remote, branch string) error {
	url, history, err := b.remoteHistory("push", remote)
	if err != nil {
		return err
	}
	if !isPrefix(history, b.commits) {
		return &BackendError{Op: "push", Err: fmt.Errorf("%w: remote %s has commits not present locally", ErrNotFastForward, remote)}
	}
	b.opts.Network.store(url, b.commits)
	return nil
}

// Pull fast-forwards local history and working directory to the remote
func (b *MemoryBackend) Pull(ctx context.Context, remote, branch string) error {
	_, history, err := b.remoteHistory("pull", remote)
	if err != nil {
		return err
	}
	if isPrefix(history, b.commits) {
		return nil
	}
	if !isPrefix(b.commits, history) {
		return &BackendError{Op: "pull", Err: fmt.Errorf("%w: local and %s have diverged", ErrNotFastForward, remote)}
	}

	old := b.head()
	b.commits = history
	cur := b.head()
	for name := range old {
		if _, ok := cur[name]; !ok {
			if err := os.Remove(filepath.Join(b.dir, filepath.FromSlash(name))); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return &BackendError{Op: "pull", Err: err}
			}
		}
	}
	if err := b.writeFiles(cur); err != nil {
		return &BackendError{Op: "pull", Err: err}
	}
	return nil
}

func (b *MemoryBackend) writeFiles(files map[string][]byte) error {
	for name, data := range files {
		dest := filepath.Join(b.dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) resolve(point string) (memCommit, bool) {
	var found []memCommit
	for _, c := range b.commits {
		if c.id == point {
			return c, true
		}
		if len(point) >= 4 && strings.HasPrefix(c.id, strings.ToLower(point)) {
			found = append(found, c)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return memCommit{}, false
}

// RestoreTo writes point's files into the working directory and commits
func (b *MemoryBackend) RestoreTo(ctx context.Context, point string) (RestoreOutcome, error) {
	if !b.opened {
		return RestoreOutcome{}, ErrNotInitialized
	}

	target, ok := b.resolve(point)
	if !ok {
		return RestoreOutcome{}, &BackendError{Op: "restore", Err: fmt.Errorf("%w: %s", ErrUnknownPoint, point)}
	}
	outcome := RestoreOutcome{Commit: target.id}

	dirty, err := b.HasUncommittedChanges(ctx)
	if err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}
	if dirty {
		committed, err := b.CommitAll(ctx, backupMessage(target.id))
		if err != nil {
			return outcome, &BackendError{Op: "restore", Err: err}
		}
		outcome.BackupCommitted = committed
	}

	if err := b.writeFiles(target.files); err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}

	committed, err := b.CommitAll(ctx, restoreMessage(target.id))
	if err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}
	outcome.RestoreCommitted = committed
	return outcome, nil
}

// HasUncommittedChanges reports whether the working directory differs from HEAD
func (b *MemoryBackend) HasUncommittedChanges(ctx context.Context) (bool, error) {
	if !b.opened {
		return false, ErrNotInitialized
	}
	files, err := b.snapshot()
	if err != nil {
		return false, err
	}
	return len(diffSnapshots(b.head(), files)) > 0, nil
}
