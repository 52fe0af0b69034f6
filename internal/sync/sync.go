package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/git"
	"github.com/schaermu/claude-sync/internal/paths"
	"github.com/schaermu/claude-sync/internal/rules"
	"github.com/schaermu/claude-sync/internal/secrets"
)

// ErrUnsafeBackupDir is returned by Backup when clearing the backup
// directory would remove the live directory or the mirror.
var ErrUnsafeBackupDir = errors.New("backup directory contains the live directory or the mirror")

// Engine moves files between the live Claude directory and the mirror
type Engine struct {
	cfg      *config.Config
	backend  git.Backend
	scanner  *secrets.Scanner
	resolver *paths.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, backend git.Backend, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		backend:  backend,
		scanner:  secrets.NewScanner(),
		resolver: paths.NewResolver(cfg.Paths.ClaudeDir),
		logger:   logger,
		now:      time.Now,
	}
}

// Config returns the configuration the engine operates on
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// NewBackend builds the version-control backend selected by cfg
func NewBackend(cfg *config.Config) (git.Backend, error) {
	return git.New(string(cfg.Backend), cfg.Paths.SyncRepo, git.Options{
		Branch:         cfg.Sync.Branch,
		SSHKeyFile:     cfg.Auth.SSHKeyFile,
		HTTPSTokenFile: cfg.Auth.HTTPSTokenFile,
	})
}

func (e *Engine) maxTier() rules.Tier {
	return rules.Tier(e.cfg.Sync.MaxTier)
}

// Initialize creates the mirror, writes its deny-list and configures the
// remote when url is non-empty. Safe to call repeatedly.
func (e *Engine) Initialize(ctx context.Context, url string) error {
	mirror := e.cfg.Paths.SyncRepo
	e.logger.Info("initializing mirror", "dir", mirror)

	if err := os.MkdirAll(mirror, 0755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}
	if err := e.backend.Open(ctx); err != nil {
		return fmt.Errorf("failed to open mirror repository: %w", err)
	}

	denyList := filepath.Join(mirror, rules.DenyListFile)
	if err := os.WriteFile(denyList, []byte(rules.DenyList()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rules.DenyListFile, err)
	}

	if url != "" {
		e.logger.Info("configuring remote", "name", e.cfg.Sync.Remote, "url", url)
		if err := e.backend.SetRemote(ctx, e.cfg.Sync.Remote, url); err != nil {
			return fmt.Errorf("failed to configure remote: %w", err)
		}
	}
	return nil
}

// ensureOpen opens an existing mirror. It never creates one.
func (e *Engine) ensureOpen(ctx context.Context) error {
	if !e.backend.IsInitialized() {
		return git.ErrNotInitialized
	}
	return e.backend.Open(ctx)
}

// Push copies the selected files into the mirror and commits them. Any
// secret found anywhere in the live directory aborts the push before a
// single file is copied.
func (e *Engine) Push(ctx context.Context, message string) (*Result, error) {
	src := e.cfg.Paths.ClaudeDir

	e.logger.Info("scanning for secrets", "dir", src)
	findings, err := e.scanner.Scan(src)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to scan for secrets: %w", err)
	}
	if len(findings) > 0 {
		details := secrets.Summaries(src, findings)
		e.logger.Warn("secrets detected, push aborted", "count", len(findings), "locations", details)
		return &Result{
			SecretsFound:  true,
			SecretDetails: details,
			Message:       fmt.Sprintf("Found %d potential secret(s). Push aborted.", len(findings)),
		}, nil
	}

	if err := e.ensureOpen(ctx); err != nil {
		return nil, err
	}

	files, err := e.syncableFiles()
	if err != nil {
		return nil, err
	}

	mirror := e.cfg.Paths.SyncRepo
	for _, f := range files {
		e.logger.Debug("copying to mirror", "file", f.Rel)
		if err := copyFile(f.Abs, filepath.Join(mirror, filepath.FromSlash(f.Rel))); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", f.Rel, err)
		}
	}

	committed, err := e.backend.CommitAll(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("failed to commit mirror: %w", err)
	}

	e.logger.Info("push complete", "files", len(files), "committed", committed)
	result := &Result{FilesSynced: len(files), Committed: committed, SecretDetails: []string{}}
	if committed {
		result.Message = fmt.Sprintf("Synced %d file(s) and committed changes.", len(files))
	} else {
		result.Message = fmt.Sprintf("Synced %d file(s), nothing to commit.", len(files))
	}
	return result, nil
}

// Pull backs up the live directory, then copies every mirror file into it.
func (e *Engine) Pull(ctx context.Context) (*Result, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return nil, err
	}

	if err := e.Backup(ctx); err != nil {
		return nil, err
	}

	mirror := e.cfg.Paths.SyncRepo
	metadata := e.backend.MetadataDir()
	files, err := paths.ListAllFiles(mirror, func(rel string, isDir bool) bool {
		if isDir {
			return rel == metadata
		}
		return rel == rules.DenyListFile || strings.HasSuffix(rel, "/"+rules.DenyListFile)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror files: %w", err)
	}

	src := e.cfg.Paths.ClaudeDir
	for _, abs := range files {
		rel, err := paths.RelativePath(mirror, abs)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("restoring from mirror", "file", rel)
		if err := copyFile(abs, filepath.Join(src, filepath.FromSlash(rel))); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", rel, err)
		}
	}

	e.logger.Info("pull complete", "files", len(files), "backup", e.cfg.Paths.BackupDir)
	return &Result{
		FilesSynced:   len(files),
		SecretDetails: []string{},
		Message:       fmt.Sprintf("Restored %d file(s).", len(files)),
	}, nil
}

// Backup replaces the backup directory with a copy of the selected files.
func (e *Engine) Backup(ctx context.Context) error {
	dir := e.cfg.Paths.BackupDir
	e.logger.Info("backing up live directory", "dest", dir)

	if config.Contains(dir, e.cfg.Paths.ClaudeDir) || config.Contains(dir, e.cfg.Paths.SyncRepo) {
		return fmt.Errorf("%w: %s", ErrUnsafeBackupDir, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear backup directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	files, err := e.syncableFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := copyFile(f.Abs, filepath.Join(dir, filepath.FromSlash(f.Rel))); err != nil {
			return fmt.Errorf("failed to back up %s: %w", f.Rel, err)
		}
	}
	return nil
}

// Status lists selected files that are missing from the mirror or differ.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return nil, err
	}

	files, err := e.syncableFiles()
	if err != nil {
		return nil, err
	}

	status := &Status{ChangedFiles: []string{}}
	mirror := e.cfg.Paths.SyncRepo
	for _, f := range files {
		same, err := sameContent(f.Abs, filepath.Join(mirror, filepath.FromSlash(f.Rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to compare %s: %w", f.Rel, err)
		}
		if !same {
			status.ChangedFiles = append(status.ChangedFiles, f.Rel)
		}
	}
	status.InSync = len(status.ChangedFiles) == 0

	entries, err := e.backend.Log(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) > 0 {
		t := entries[0].Time
		status.LastSync = &t
	}
	return status, nil
}

// History returns up to limit mirror commits, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]git.LogEntry, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return nil, err
	}
	entries, err := e.backend.Log(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}

// RestoreTo rewinds the mirror to point and pulls the result into the live
// directory. point may be a commit ID, a revision or a time expression.
func (e *Engine) RestoreTo(ctx context.Context, point string) (*RestoreResult, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return nil, err
	}

	id, err := git.ResolvePoint(ctx, e.backend, point, e.now())
	if err != nil {
		return nil, err
	}

	e.logger.Info("restoring mirror", "point", point, "revision", id)
	outcome, err := e.backend.RestoreTo(ctx, id)
	if err != nil {
		return nil, err
	}

	pulled, err := e.Pull(ctx)
	if err != nil {
		return nil, err
	}

	return &RestoreResult{
		Point:            point,
		Commit:           outcome.Commit,
		BackupCommitted:  outcome.BackupCommitted,
		RestoreCommitted: outcome.RestoreCommitted,
		Pull:             *pulled,
	}, nil
}

// HasRemote reports whether the configured remote exists on the mirror.
func (e *Engine) HasRemote(ctx context.Context) (bool, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return false, err
	}
	return e.backend.HasRemote(ctx, e.cfg.Sync.Remote)
}

// Publish pushes the mirror to the configured remote and branch.
func (e *Engine) Publish(ctx context.Context) error {
	if err := e.ensureOpen(ctx); err != nil {
		return err
	}
	e.logger.Info("publishing mirror", "remote", e.cfg.Sync.Remote, "branch", e.cfg.Sync.Branch)
	return e.backend.Push(ctx, e.cfg.Sync.Remote, e.cfg.Sync.Branch)
}

// Fetch fast-forwards the mirror from the configured remote and branch.
func (e *Engine) Fetch(ctx context.Context) error {
	if err := e.ensureOpen(ctx); err != nil {
		return err
	}
	e.logger.Info("fetching mirror", "remote", e.cfg.Sync.Remote, "branch", e.cfg.Sync.Branch)
	return e.backend.Pull(ctx, e.cfg.Sync.Remote, e.cfg.Sync.Branch)
}

// syncableFiles resolves the active tier set and drops excluded paths.
func (e *Engine) syncableFiles() ([]syncFile, error) {
	patterns := rules.Patterns(rules.ByTier(e.maxTier()))
	found, err := e.resolver.ListSyncableFiles(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve syncable files: %w", err)
	}

	files := make([]syncFile, 0, len(found))
	for _, abs := range found {
		rel, err := e.resolver.Relative(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to compute relative path: %w", err)
		}
		if rules.IsExcluded(rel) {
			continue
		}
		files = append(files, syncFile{Rel: rel, Abs: abs})
	}
	return files, nil
}

// copyFile copies a file from src to dst with atomic write, keeping the
// source's permissions and modification time.
func copyFile(src, dst string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".claude-sync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpPath, dst)
}

// sameContent reports whether b exists and holds exactly a's bytes.
func sameContent(a, b string) (bool, error) {
	infoB, err := os.Stat(b)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	if !infoB.Mode().IsRegular() || infoA.Size() != infoB.Size() {
		return false, nil
	}

	hashA, err := fileHash(a)
	if err != nil {
		return false, err
	}
	hashB, err := fileHash(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(hashA, hashB), nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}
