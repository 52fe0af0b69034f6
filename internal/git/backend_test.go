package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendCase struct {
	name string
	// needsGit marks backends whose remote transport shells out to git.
	needsGit bool
	new      func(dir string, opts Options) Backend
	// newRemote returns a URL other backends of the same kind can push to.
	newRemote func(t *testing.T, opts *Options) string
}

func bareRemote(t *testing.T, opts *Options) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	_, err := gogit.PlainInit(dir, true)
	require.NoError(t, err, "failed to create bare remote")
	return dir
}

func backendCases() []backendCase {
	return []backendCase{
		{
			name: "memory",
			new:  func(dir string, opts Options) Backend { return NewMemoryBackend(dir, opts) },
			newRemote: func(t *testing.T, opts *Options) string {
				if opts.Network == nil {
					opts.Network = NewNetwork()
				}
				url := "mem://" + t.Name()
				opts.Network.AddRemote(url)
				return url
			},
		},
		{
			name:      "go-git",
			needsGit:  true,
			new:       func(dir string, opts Options) Backend { return NewGoGitBackend(dir, opts) },
			newRemote: bareRemote,
		},
		{
			name:      "shell",
			needsGit:  true,
			new:       func(dir string, opts Options) Backend { return NewShellBackend(dir, opts) },
			newRemote: bareRemote,
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, bc backendCase)) {
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			if bc.name == "shell" {
				if _, err := exec.LookPath("git"); err != nil {
					t.Skip("git binary not available")
				}
			}
			fn(t, bc)
		})
	}
}

func requireGit(t *testing.T, bc backendCase) {
	t.Helper()
	if !bc.needsGit {
		return
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// steppingClock returns a clock that advances one minute per call.
func steppingClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func openBackend(t *testing.T, bc backendCase, opts Options) (Backend, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "mirror")
	b := bc.new(dir, opts)
	require.NoError(t, b.Open(context.Background()))
	return b, dir
}

func TestBackend_OpenIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		dir := filepath.Join(t.TempDir(), "mirror")
		b := bc.new(dir, Options{Now: steppingClock()})

		assert.False(t, b.IsInitialized())
		require.NoError(t, b.Open(ctx))
		assert.True(t, b.IsInitialized())
		require.NoError(t, b.Open(ctx))
		assert.Equal(t, dir, b.Dir())
		assert.Equal(t, ".git", b.MetadataDir())
	})
}

func TestBackend_NotInitialized(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b := bc.new(filepath.Join(t.TempDir(), "mirror"), Options{})

		_, err := b.CommitAll(ctx, "x")
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = b.Log(ctx, 10)
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = b.RestoreTo(ctx, "HEAD")
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestBackend_CommitAll(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b, dir := openBackend(t, bc, Options{Now: steppingClock()})

		committed, err := b.CommitAll(ctx, "")
		require.NoError(t, err)
		assert.False(t, committed, "empty repository has nothing to commit")

		entries, err := b.Log(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)

		writeFile(t, dir, "CLAUDE.md", "v1\n")
		writeFile(t, dir, "agents/reviewer.md", "review\n")
		committed, err = b.CommitAll(ctx, "first")
		require.NoError(t, err)
		assert.True(t, committed)

		committed, err = b.CommitAll(ctx, "again")
		require.NoError(t, err)
		assert.False(t, committed, "unchanged tree must not commit")

		writeFile(t, dir, "CLAUDE.md", "v2\n")
		committed, err = b.CommitAll(ctx, "")
		require.NoError(t, err)
		assert.True(t, committed)

		entries, err = b.Log(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.True(t, strings.HasPrefix(entries[0].Message, "claude-sync: auto-sync "), "got %q", entries[0].Message)
		assert.Equal(t, []string{"CLAUDE.md"}, entries[0].Files)
		assert.Equal(t, "first", entries[1].Message)
		assert.ElementsMatch(t, []string{"CLAUDE.md", "agents/reviewer.md"}, entries[1].Files)
		assert.Len(t, entries[0].ShortID(), 8)

		limited, err := b.Log(ctx, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, entries[0].ID, limited[0].ID)
	})
}

func TestBackend_HonorsIgnoreFile(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b, dir := openBackend(t, bc, Options{Now: steppingClock()})

		writeFile(t, dir, ".gitignore", "**/*token*\ncache/\n")
		writeFile(t, dir, "agents/my-token.md", "nope")
		writeFile(t, dir, "cache/blob", "nope")
		writeFile(t, dir, "agents/ok.md", "ok")

		committed, err := b.CommitAll(ctx, "ignore test")
		require.NoError(t, err)
		require.True(t, committed)

		entries, err := b.Log(ctx, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.ElementsMatch(t, []string{".gitignore", "agents/ok.md"}, entries[0].Files)

		dirty, err := b.HasUncommittedChanges(ctx)
		require.NoError(t, err)
		assert.False(t, dirty, "ignored files are not uncommitted changes")
	})
}

func TestBackend_UncommittedChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b, dir := openBackend(t, bc, Options{Now: steppingClock()})

		writeFile(t, dir, "CLAUDE.md", "v1")
		_, err := b.CommitAll(ctx, "first")
		require.NoError(t, err)

		dirty, err := b.HasUncommittedChanges(ctx)
		require.NoError(t, err)
		assert.False(t, dirty)

		writeFile(t, dir, "untracked.md", "new")
		dirty, err = b.HasUncommittedChanges(ctx)
		require.NoError(t, err)
		assert.True(t, dirty, "untracked files count as uncommitted")
	})
}

func TestBackend_Remotes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b, _ := openBackend(t, bc, Options{})

		ok, err := b.HasRemote(ctx, "origin")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.SetRemote(ctx, "origin", "https://example.com/a.git"))
		url, ok, err := b.RemoteURL(ctx, "origin")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "https://example.com/a.git", url)

		require.NoError(t, b.SetRemote(ctx, "origin", "https://example.com/b.git"))
		url, _, err = b.RemoteURL(ctx, "origin")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/b.git", url)

		err = b.Push(ctx, "upstream", "main")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoRemote)
		var be *BackendError
		assert.True(t, errors.As(err, &be), "expected BackendError, got %T", err)

		err = b.Pull(ctx, "upstream", "main")
		assert.ErrorIs(t, err, ErrNoRemote)
	})
}

func TestBackend_PushPull(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		requireGit(t, bc)
		ctx := context.Background()

		opts := Options{Now: steppingClock()}
		url := bc.newRemote(t, &opts)

		a, dirA := openBackend(t, bc, opts)
		b, dirB := openBackend(t, bc, opts)
		require.NoError(t, a.SetRemote(ctx, "origin", url))
		require.NoError(t, b.SetRemote(ctx, "origin", url))

		writeFile(t, dirA, "CLAUDE.md", "from a")
		_, err := a.CommitAll(ctx, "a1")
		require.NoError(t, err)
		require.NoError(t, a.Push(ctx, "origin", "main"))

		require.NoError(t, b.Pull(ctx, "origin", "main"))
		assert.Equal(t, "from a", readFile(t, dirB, "CLAUDE.md"))
		entries, err := b.Log(ctx, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a1", entries[0].Message)

		// Pulling again is a no-op
		require.NoError(t, b.Pull(ctx, "origin", "main"))

		// Diverge
		writeFile(t, dirA, "CLAUDE.md", "a2")
		_, err = a.CommitAll(ctx, "a2")
		require.NoError(t, err)
		require.NoError(t, a.Push(ctx, "origin", "main"))

		writeFile(t, dirB, "settings.json", "{}")
		_, err = b.CommitAll(ctx, "b1")
		require.NoError(t, err)

		err = b.Push(ctx, "origin", "main")
		assert.ErrorIs(t, err, ErrNotFastForward)

		err = b.Pull(ctx, "origin", "main")
		assert.ErrorIs(t, err, ErrNotFastForward)
	})
}

func TestBackend_RestoreTo(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b, dir := openBackend(t, bc, Options{Now: steppingClock()})

		writeFile(t, dir, "CLAUDE.md", "v1")
		_, err := b.CommitAll(ctx, "c1")
		require.NoError(t, err)
		writeFile(t, dir, "CLAUDE.md", "v2")
		writeFile(t, dir, "agents/new.md", "added later")
		_, err = b.CommitAll(ctx, "c2")
		require.NoError(t, err)

		entries, err := b.Log(ctx, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		first := entries[1]

		// Uncommitted edit must be preserved in a backup commit first
		writeFile(t, dir, "CLAUDE.md", "v3")

		outcome, err := b.RestoreTo(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, outcome.Commit)
		assert.True(t, outcome.BackupCommitted)
		assert.True(t, outcome.RestoreCommitted)

		assert.Equal(t, "v1", readFile(t, dir, "CLAUDE.md"))
		// Paths absent from the target are left alone
		assert.Equal(t, "added later", readFile(t, dir, "agents/new.md"))

		entries, err = b.Log(ctx, 0)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, "restore to "+first.ShortID(), entries[0].Message)
		assert.Equal(t, "backup before restore to "+first.ShortID(), entries[1].Message)

		// Restoring to the current content changes nothing
		outcome, err = b.RestoreTo(ctx, entries[0].ID)
		require.NoError(t, err)
		assert.False(t, outcome.BackupCommitted)
		assert.False(t, outcome.RestoreCommitted)
	})
}

func TestBackend_RestoreUnknownPoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		b, dir := openBackend(t, bc, Options{Now: steppingClock()})
		writeFile(t, dir, "CLAUDE.md", "v1")
		_, err := b.CommitAll(ctx, "c1")
		require.NoError(t, err)

		_, err = b.RestoreTo(ctx, "0123456789abcdef0123456789abcdef01234567")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownPoint)
	})
}

func TestNew(t *testing.T) {
	for kind, want := range map[string]string{
		KindShell:  "*git.ShellBackend",
		KindGoGit:  "*git.GoGitBackend",
		KindMemory: "*git.MemoryBackend",
	} {
		b, err := New(kind, "/tmp/x", Options{})
		require.NoError(t, err)
		assert.Equal(t, want, fmt.Sprintf("%T", b))
	}

	_, err := New("svn", "/tmp/x", Options{})
	assert.Error(t, err)
}

func TestAutoMessage(t *testing.T) {
	got := AutoMessage(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "claude-sync: auto-sync 2025-01-02 03:04:05", got)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "01234567", ShortID("0123456789abcdef"))
	assert.Equal(t, "abc", ShortID("abc"))
}
