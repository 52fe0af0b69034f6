package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ShellBackend implements Backend by shelling out to the git command
type ShellBackend struct {
	dir    string
	opts   Options
	opened bool
}

// NewShellBackend creates a backend that runs git in dir
func NewShellBackend(dir string, opts Options) *ShellBackend {
	return &ShellBackend{dir: dir, opts: opts}
}

func (b *ShellBackend) Dir() string         { return b.dir }
func (b *ShellBackend) MetadataDir() string { return metadataDir }

// IsInitialized reports whether dir already holds a repository
func (b *ShellBackend) IsInitialized() bool {
	_, err := os.Stat(filepath.Join(b.dir, metadataDir))
	return err == nil
}

// Open initializes the repository if needed
func (b *ShellBackend) Open(ctx context.Context) error {
	if !b.IsInitialized() {
		if err := os.MkdirAll(b.dir, 0755); err != nil {
			return fmt.Errorf("failed to create repository directory: %w", err)
		}
		if _, err := b.run(ctx, "init"); err != nil {
			return fmt.Errorf("git init failed: %w", err)
		}
		if _, err := b.run(ctx, "symbolic-ref", "HEAD", "refs/heads/"+b.opts.branch()); err != nil {
			return fmt.Errorf("git symbolic-ref failed: %w", err)
		}
	}
	b.opened = true
	return nil
}

// CommitAll stages all changes and commits them
func (b *ShellBackend) CommitAll(ctx context.Context, message string) (bool, error) {
	if !b.opened {
		return false, ErrNotInitialized
	}

	if _, err := b.run(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("git add failed: %w", err)
	}

	staged, err := b.output(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		return false, nil
	}

	if message == "" {
		message = AutoMessage(b.opts.now())
	}

	args := []string{"commit", "--no-verify", "-m", message}
	if !b.hasIdentity(ctx) {
		args = append([]string{"-c", "user.name=" + defaultName, "-c", "user.email=" + defaultEmail}, args...)
	}
	if _, err := b.run(ctx, args...); err != nil {
		return false, fmt.Errorf("git commit failed: %w", err)
	}
	return true, nil
}

func (b *ShellBackend) hasIdentity(ctx context.Context) bool {
	out, err := b.output(ctx, "config", "--get", "user.email")
	return err == nil && strings.TrimSpace(out) != ""
}

// Log lists commits newest first with the files each one changed
func (b *ShellBackend) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	if !b.opened {
		return nil, ErrNotInitialized
	}

	if _, err := b.output(ctx, "rev-parse", "--verify", "-q", "HEAD"); err != nil {
		// No commits yet
		return nil, nil
	}

	args := []string{"-c", "core.quotepath=off", "log", "--name-only", "--format=%x1e%H%x1f%ct%x1f%B%x1f"}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	out, err := b.output(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}

	return parseLog(out)
}

// parseLog parses records of the form RS id US unix-time US body US files.
func parseLog(out string) ([]LogEntry, error) {
	var entries []LogEntry
	for _, rec := range strings.Split(out, "\x1e") {
		if strings.TrimSpace(rec) == "" {
			continue
		}
		parts := strings.SplitN(rec, "\x1f", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("unexpected git log record: %q", rec)
		}

		secs, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid commit time %q: %w", parts[1], err)
		}

		entry := LogEntry{
			ID:      strings.TrimSpace(parts[0]),
			Message: strings.TrimSpace(parts[2]),
			Time:    time.Unix(secs, 0),
			Files:   []string{},
		}
		for _, line := range strings.Split(parts[3], "\n") {
			if line = strings.TrimSpace(line); line != "" {
				entry.Files = append(entry.Files, line)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetRemote adds the remote or replaces its URL
func (b *ShellBackend) SetRemote(ctx context.Context, name, url string) error {
	exists, err := b.HasRemote(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if _, err := b.run(ctx, "remote", "set-url", name, url); err != nil {
			return fmt.Errorf("git remote set-url failed: %w", err)
		}
		return nil
	}
	if _, err := b.run(ctx, "remote", "add", name, url); err != nil {
		return fmt.Errorf("git remote add failed: %w", err)
	}
	return nil
}

// HasRemote reports whether the named remote exists
func (b *ShellBackend) HasRemote(ctx context.Context, name string) (bool, error) {
	if !b.opened {
		return false, ErrNotInitialized
	}
	out, err := b.output(ctx, "remote")
	if err != nil {
		return false, fmt.Errorf("git remote failed: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

// RemoteURL returns the URL of the named remote
func (b *ShellBackend) RemoteURL(ctx context.Context, name string) (string, bool, error) {
	exists, err := b.HasRemote(ctx, name)
	if err != nil || !exists {
		return "", false, err
	}
	out, err := b.output(ctx, "remote", "get-url", name)
	if err != nil {
		return "", false, fmt.Errorf("git remote get-url failed: %w", err)
	}
	return strings.TrimSpace(out), true, nil
}

// Push publishes HEAD to branch on the remote
func (b *ShellBackend) Push(ctx context.Context, remote, branch string) error {
	url, err := b.requireRemote(ctx, "push", remote)
	if err != nil {
		return err
	}

	cmd := b.command(ctx, "push", remote, "HEAD:refs/heads/"+branch)
	if err := b.configureAuth(cmd, url); err != nil {
		return &BackendError{Op: "push", Err: err}
	}
	if err := runCommand(cmd); err != nil {
		return &BackendError{Op: "push", Err: classifyRemoteError(err)}
	}
	return nil
}

// Pull fast-forwards the current branch from the remote
func (b *ShellBackend) Pull(ctx context.Context, remote, branch string) error {
	url, err := b.requireRemote(ctx, "pull", remote)
	if err != nil {
		return err
	}

	cmd := b.command(ctx, "pull", "--ff-only", "--no-rebase", remote, branch)
	if err := b.configureAuth(cmd, url); err != nil {
		return &BackendError{Op: "pull", Err: err}
	}
	if err := runCommand(cmd); err != nil {
		return &BackendError{Op: "pull", Err: classifyRemoteError(err)}
	}
	return nil
}

func (b *ShellBackend) requireRemote(ctx context.Context, op, remote string) (string, error) {
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

func classifyRemoteError(err error) error {
	msg := err.Error()
	for _, marker := range []string{"non-fast-forward", "Not possible to fast-forward", "diverging branches", "[rejected]"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrNotFastForward, err)
		}
	}
	return err
}

// RestoreTo checks out every tracked path from point and commits the result
func (b *ShellBackend) RestoreTo(ctx context.Context, point string) (RestoreOutcome, error) {
	if !b.opened {
		return RestoreOutcome{}, ErrNotInitialized
	}

	out, err := b.output(ctx, "rev-parse", "--verify", "-q", point+"^{commit}")
	if err != nil {
		return RestoreOutcome{}, &BackendError{Op: "restore", Err: fmt.Errorf("%w: %s", ErrUnknownPoint, point)}
	}
	outcome := RestoreOutcome{Commit: strings.TrimSpace(out)}

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

	if _, err := b.run(ctx, "checkout", outcome.Commit, "--", "."); err != nil {
		return outcome, &BackendError{Op: "restore", Err: fmt.Errorf("git checkout failed: %w", err)}
	}

	committed, err := b.CommitAll(ctx, restoreMessage(outcome.Commit))
	if err != nil {
		return outcome, &BackendError{Op: "restore", Err: err}
	}
	outcome.RestoreCommitted = committed
	return outcome, nil
}

// HasUncommittedChanges reports modified, staged or untracked files
func (b *ShellBackend) HasUncommittedChanges(ctx context.Context) (bool, error) {
	if !b.opened {
		return false, ErrNotInitialized
	}
	out, err := b.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (b *ShellBackend) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "git", append([]string{"-C", b.dir}, args...)...)
}

func (b *ShellBackend) run(ctx context.Context, args ...string) (string, error) {
	cmd := b.command(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// output runs git and returns stdout only, so parsing is not disturbed by
// warnings on stderr.
func (b *ShellBackend) output(ctx context.Context, args ...string) (string, error) {
	cmd := b.command(ctx, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", err, string(exitErr.Stderr))
		}
		return "", err
	}
	return string(output), nil
}

// configureAuth sets up authentication for git operations
func (b *ShellBackend) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if b.opts.SSHKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(b.opts.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if b.opts.HTTPSTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(b.opts.HTTPSTokenFile)
		if err != nil {
			return err
		}

		// The token travels in the environment and a credential helper
		// echoes it, so it never appears in argv.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "CLAUDE_SYNC_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$CLAUDE_SYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "push", "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
