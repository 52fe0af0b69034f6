package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitBackend implements Backend in-process with go-git. It needs no git
// binary on the host.
type GoGitBackend struct {
	dir  string
	opts Options
	repo *gogit.Repository
}

// NewGoGitBackend creates a go-git backed repository handle for dir
func NewGoGitBackend(dir string, opts Options) *GoGitBackend {
	return &GoGitBackend{dir: dir, opts: opts}
}

func (b *GoGitBackend) Dir() string         { return b.dir }
func (b *GoGitBackend) MetadataDir() string { return metadataDir }

// IsInitialized reports whether dir already holds a repository
func (b *GoGitBackend) IsInitialized() bool {
	_, err := gogit.PlainOpen(b.dir)
	return err == nil
}

// Open opens the repository, initializing it on the configured branch when absent
func (b *GoGitBackend) Open(ctx context.Context) error {
	repo, err := gogit.PlainOpen(b.dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		if err := os.MkdirAll(b.dir, 0755); err != nil {
			return fmt.Errorf("failed to create repository directory: %w", err)
		}
		repo, err = gogit.PlainInitWithOptions(b.dir, &gogit.PlainInitOptions{
			InitOptions: gogit.InitOptions{
				DefaultBranch: plumbing.NewBranchReferenceName(b.opts.branch()),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	b.repo = repo
	return nil
}

func (b *GoGitBackend) worktree() (*gogit.Worktree, error) {
	if b.repo == nil {
		return nil, ErrNotInitialized
	}
	wt, err := b.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	// Status honors ignore files on its own; Excludes covers Add too.
	patterns, err := gitignore.ReadPatterns(wt.Filesystem, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore patterns: %w", err)
	}
	wt.Excludes = append(wt.Excludes, patterns...)
	return wt, nil
}

// CommitAll stages all changes and commits them
func (b *GoGitBackend) CommitAll(ctx context.Context, message string) (bool, error) {
	wt, err := b.worktree()
	if err != nil {
		return false, err
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	// Stage path by path; ignored paths never appear in status.
	for path, fs := range status {
		if fs.Worktree == gogit.Deleted {
			if _, err := wt.Remove(path); err != nil {
				return false, fmt.Errorf("failed to stage removal of %s: %w", path, err)
			}
			continue
		}
		if fs.Worktree != gogit.Unmodified {
			if _, err := wt.Add(path); err != nil {
				return false, fmt.Errorf("failed to stage %s: %w", path, err)
			}
		}
	}

	now := b.opts.now()
	if message == "" {
		message = AutoMessage(now)
	}

	sig := b.signature()
	sig.When = now
	if _, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// signature uses the user's configured identity when there is one.
func (b *GoGitBackend) signature() *object.Signature {
	sig := &object.Signature{Name: defaultName, Email: defaultEmail}
	cfg, err := b.repo.ConfigScoped(gitconfig.GlobalScope)
	if err == nil && cfg.User.Email != "" {
		sig.Email = cfg.User.Email
		if cfg.User.Name != "" {
			sig.Name = cfg.User.Name
		}
	}
	return sig
}

// Log lists commits newest first with the files each one changed
func (b *GoGitBackend) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	if b.repo == nil {
		return nil, ErrNotInitialized
	}

	head, err := b.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	iter, err := b.repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var entries []LogEntry
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(entries) >= limit {
			return storer.ErrStop
		}
		files, err := changedFiles(c)
		if err != nil {
			return err
		}
		entries = append(entries, LogEntry{
			ID:      c.Hash.String(),
			Message: strings.TrimSpace(c.Message),
			Time:    c.Committer.When,
			Files:   files,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log: %w", err)
	}
	return entries, nil
}

// changedFiles lists paths differing from the first parent, or every path
// for a root commit.
func changedFiles(c *object.Commit) ([]string, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}

	files := []string{}
	if c.NumParents() == 0 {
		err := tree.Files().ForEach(func(f *object.File) error {
			files = append(files, f.Name)
			return nil
		})
		return files, err
	}

	parent, err := c.Parent(0)
	if err != nil {
		return nil, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := parentTree.Diff(tree)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		files = append(files, name)
	}
	return files, nil
}

// SetRemote adds the remote or replaces its URL
func (b *GoGitBackend) SetRemote(ctx context.Context, name, url string) error {
	if b.repo == nil {
		return ErrNotInitialized
	}
	if err := b.repo.DeleteRemote(name); err != nil && !errors.Is(err, gogit.ErrRemoteNotFound) {
		return fmt.Errorf("failed to remove remote %s: %w", name, err)
	}
	if _, err := b.repo.CreateRemote(&gitconfig.RemoteConfig{Name: name, URLs: []string{url}}); err != nil {
		return fmt.Errorf("failed to create remote %s: %w", name, err)
	}
	return nil
}

// HasRemote reports whether the named remote exists
func (b *GoGitBackend) HasRemote(ctx context.Context, name string) (bool, error) {
	_, ok, err := b.RemoteURL(ctx, name)
	return ok, err
}

// RemoteURL returns the first URL of the named remote
func (b *GoGitBackend) RemoteURL(ctx context.Context, name string) (string, bool, error) {
	if b.repo == nil {
		return "", false, ErrNotInitialized
	}
	remote, err := b.repo.Remote(name)
	if errors.Is(err, gogit.ErrRemoteNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read remote %s: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", false, nil
	}
	return urls[0], true, nil
}

// Push publishes the current branch to branch on the remote
func (b *GoGitBackend) Push(ctx context.Context, remote, branch string) error {
	url, err := b.requireRemote(ctx, "push", remote)
	if err != nil {
		return err
	}

	head, err := b.repo.Head()
	if err != nil {
		return &BackendError{Op: "push", Err: fmt.Errorf("failed to resolve HEAD: %w", err)}
	}

	auth, err := b.authMethod(url)
	if err != nil {
		return &BackendError{Op: "push", Err: err}
	}

	refSpec := gitconfig.RefSpec(head.Name().String() + ":" + plumbing.NewBranchReferenceName(branch).String())
	err = b.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
	})
	return classifyGoGitError("push", err)
}

// Pull fast-forwards the current branch from the remote
func (b *GoGitBackend) Pull(ctx context.Context, remote, branch string) error {
	url, err := b.requireRemote(ctx, "pull", remote)
	if err != nil {
		return err
	}

	wt, err := b.worktree()
	if err != nil {
		return err
	}

	auth, err := b.authMethod(url)
	if err != nil {
		return &BackendError{Op: "pull", Err: err}
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	return classifyGoGitError("pull", err)
}

func (b *GoGitBackend) requireRemote(ctx context.Context, op, remote string) (string, error) {
	url, ok, err := b.RemoteURL(ctx, remote)
	if err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return "", err
		}
		return "", &BackendError{Op: op, Err: err}
	}
	if !ok {
		return "", &BackendError{Op: op, Err: fmt.Errorf("%w: %s", ErrNoRemote, remote)}
	}
	return url, nil
}

func classifyGoGitError(op string, err error) error {
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate), strings.Contains(err.Error(), "non-fast-forward"):
		return &BackendError{Op: op, Err: fmt.Errorf("%w: %v", ErrNotFastForward, err)}
	default:
		return &BackendError{Op: op, Err: err}
	}
}

// authMethod mirrors the shell backend: an SSH key for SSH URLs, a token
// for HTTPS URLs, nothing otherwise.
//
//nolint:ireturn // transport.AuthMethod is an interface required by go-git
func (b *GoGitBackend) authMethod(url string) (transport.AuthMethod, error) {
	if b.opts.SSHKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		auth, err := gitssh.NewPublicKeysFromFile("git", b.opts.SSHKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return auth, nil
	}
	if b.opts.HTTPSTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(b.opts.HTTPSTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}
	return nil, nil
}

// RestoreTo writes every file of point's tree into the worktree and commits
func (b *GoGitBackend) RestoreTo(ctx context.Context, point string) (RestoreOutcome, error) {
	if b.repo == nil {
		return RestoreOutcome{}, ErrNotInitialized
	}

	hash, err := b.repo.ResolveRevision(plumbing.Revision(point))
	if err != nil {
		return RestoreOutcome{}, &BackendError{Op: "restore", Err: fmt.Errorf("%w: %s", ErrUnknownPoint, point)}
	}
	commit, err := b.repo.CommitObject(*hash)
	if err != nil {
		return RestoreOutcome{}, &BackendError{Op: "restore", Err: fmt.Errorf("%w: %s", ErrUnknownPoint, point)}
	}
	outcome := RestoreOutcome{Commit: hash.String()}

	dirty, err := b.HasUncommittedChanges(ctx)
	if err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}
	if dirty {
		committed, err := b.CommitAll(ctx, backupMessage(outcome.Commit))
		if err != nil {
			return outcome, &BackendError{Op: "restore", Err: err}
		}
		outcome.BackupCommitted = committed
	}

	tree, err := commit.Tree()
	if err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}
	if err := tree.Files().ForEach(b.writeFile); err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}

	committed, err := b.CommitAll(ctx, restoreMessage(outcome.Commit))
	if err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}
	outcome.RestoreCommitted = committed
	return outcome, nil
}

func (b *GoGitBackend) writeFile(f *object.File) error {
	if f.Mode == filemode.Symlink || f.Mode == filemode.Submodule {
		return nil
	}

	dest := filepath.Join(b.dir, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	r, err := f.Reader()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	perm := os.FileMode(0644)
	if f.Mode == filemode.Executable {
		perm = 0755
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// HasUncommittedChanges reports modified, staged or untracked files
func (b *GoGitBackend) HasUncommittedChanges(ctx context.Context) (bool, error) {
	wt, err := b.worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return !status.IsClean(), nil
}
