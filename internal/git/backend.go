// Package git provides the version-control backend the sync mirror is
// stored in. Backend is implemented by ShellBackend (the git binary),
// GoGitBackend (pure Go) and MemoryBackend (an in-process fake).
package git

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend kinds accepted by New.
const (
	KindShell  = "git"
	KindGoGit  = "go-git"
	KindMemory = "memory"
)

const (
	// DefaultRemote is the remote name used when none is given.
	DefaultRemote = "origin"
	// DefaultBranch is the branch a new mirror starts on.
	DefaultBranch = "main"

	metadataDir   = ".git"
	defaultName   = "claude-sync"
	defaultEmail  = "claude-sync@localhost"
	autoMsgPrefix = "claude-sync: auto-sync "
)

var (
	// ErrNotInitialized is returned by any operation before Open.
	ErrNotInitialized = errors.New("repository not initialized")
	// ErrNoRemote is returned when push or pull names a remote that does not exist.
	ErrNoRemote = errors.New("remote not configured")
	// ErrNotFastForward is returned when histories have diverged.
	ErrNotFastForward = errors.New("not a fast-forward")
	// ErrUnknownPoint is returned when a restore point cannot be resolved.
	ErrUnknownPoint = errors.New("unknown restore point")
)

// BackendError wraps a failed push, pull, or restore.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// LogEntry describes one commit.
type LogEntry struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Files   []string  `json:"files"`
}

// ShortID returns the abbreviated commit identifier.
func (e LogEntry) ShortID() string {
	return ShortID(e.ID)
}

// RestoreOutcome reports which commits RestoreTo created.
type RestoreOutcome struct {
	Commit           string
	BackupCommitted  bool
	RestoreCommitted bool
}

// Backend is a version-controlled working directory.
type Backend interface {
	// Dir is the working directory.
	Dir() string
	// MetadataDir is the top-level directory name holding backend state.
	MetadataDir() string
	IsInitialized() bool
	// Open opens the repository, creating it when absent. Idempotent.
	Open(ctx context.Context) error
	// CommitAll stages everything and commits. It reports false, without
	// committing, when nothing changed. An empty message is replaced by an
	// automatic timestamped one.
	CommitAll(ctx context.Context, message string) (bool, error)
	// Log returns up to limit entries, newest first. limit <= 0 means all.
	Log(ctx context.Context, limit int) ([]LogEntry, error)
	// SetRemote adds the remote or replaces its URL.
	SetRemote(ctx context.Context, name, url string) error
	HasRemote(ctx context.Context, name string) (bool, error)
	RemoteURL(ctx context.Context, name string) (string, bool, error)
	Push(ctx context.Context, remote, branch string) error
	// Pull fast-forwards only; divergence fails with ErrNotFastForward.
	Pull(ctx context.Context, remote, branch string) error
	// RestoreTo commits pending changes, overwrites tracked files with
	// their content at point and commits the result.
	RestoreTo(ctx context.Context, point string) (RestoreOutcome, error)
	HasUncommittedChanges(ctx context.Context) (bool, error)
}

// Options configures a backend.
type Options struct {
	Branch         string
	SSHKeyFile     string
	HTTPSTokenFile string
	// Now overrides the clock used for commit times and messages.
	Now func() time.Time
	// Network resolves remote URLs for the memory backend.
	Network *Network
}

func (o Options) branch() string {
	if o.Branch == "" {
		return DefaultBranch
	}
	return o.Branch
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// New creates the backend of the given kind for dir.
func New(kind, dir string, opts Options) (Backend, error) {
	switch kind {
	case KindShell, "":
		return NewShellBackend(dir, opts), nil
	case KindGoGit:
		return NewGoGitBackend(dir, opts), nil
	case KindMemory:
		return NewMemoryBackend(dir, opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// AutoMessage is the commit message used when none is supplied.
func AutoMessage(now time.Time) string {
	return autoMsgPrefix + now.Format("2006-01-02 15:04:05")
}

// ShortID abbreviates a commit identifier to eight characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func backupMessage(id string) string {
	return "backup before restore to " + ShortID(id)
}

func restoreMessage(id string) string {
	return "restore to " + ShortID(id)
}
