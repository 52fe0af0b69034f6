// Package hook installs and removes the shell startup snippet that pulls the
// mirror into the live directory whenever a new shell starts.
package hook

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const (
	// StartMarker opens the managed block in an RC file
	StartMarker = "# >>> claude-sync hook >>>"
	// EndMarker closes the managed block
	EndMarker = "# <<< claude-sync hook <<<"
)

// Shell selects which RC files the installer touches.
type Shell string

const (
	ShellAuto Shell = "auto"
	ShellBash Shell = "bash"
	ShellZsh  Shell = "zsh"
)

const (
	bashRC = ".bashrc"
	zshRC  = ".zshrc"
)

// ParseShell validates a --shell value. Empty means auto.
func ParseShell(s string) (Shell, error) {
	switch Shell(s) {
	case "", ShellAuto:
		return ShellAuto, nil
	case ShellBash, ShellZsh:
		return Shell(s), nil
	default:
		return "", fmt.Errorf("unsupported shell %q (want bash, zsh or auto)", s)
	}
}

// Script returns the managed block, markers included.
func Script() string {
	return StartMarker + "\n" +
		"# claude-sync: pull synced Claude settings when a shell starts\n" +
		"if command -v claude-sync > /dev/null 2>&1; then\n" +
		"    claude-sync pull --quiet 2>/dev/null || true\n" +
		"fi\n" +
		EndMarker + "\n"
}

// Installer edits RC files relative to the root of fs, normally the user's
// home directory.
type Installer struct {
	fs billy.Filesystem
}

// NewInstaller creates an installer over fs
func NewInstaller(fs billy.Filesystem) *Installer {
	return &Installer{fs: fs}
}

// Path returns the display path of an RC file.
func (i *Installer) Path(rc string) string {
	return i.fs.Join(i.fs.Root(), rc)
}

// RCFiles resolves the RC files for shell. Auto picks every existing
// .zshrc and .bashrc, falling back to .zshrc when neither exists.
func (i *Installer) RCFiles(shell Shell) ([]string, error) {
	switch shell {
	case ShellBash:
		return []string{bashRC}, nil
	case ShellZsh:
		return []string{zshRC}, nil
	}

	var found []string
	for _, rc := range []string{zshRC, bashRC} {
		_, err := i.fs.Stat(rc)
		if err == nil {
			found = append(found, rc)
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", rc, err)
		}
	}
	if len(found) == 0 {
		found = []string{zshRC}
	}
	return found, nil
}

func (i *Installer) read(rc string) (string, bool, error) {
	data, err := util.ReadFile(i.fs, rc)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", rc, err)
	}
	return string(data), true, nil
}

func (i *Installer) write(rc, content string) error {
	perm := os.FileMode(0644)
	if info, err := i.fs.Stat(rc); err == nil {
		perm = info.Mode().Perm()
	}
	if err := util.WriteFile(i.fs, rc, []byte(content), perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", rc, err)
	}
	return nil
}

// IsInstalled reports whether rc contains the managed block.
func (i *Installer) IsInstalled(rc string) (bool, error) {
	content, _, err := i.read(rc)
	if err != nil {
		return false, err
	}
	return strings.Contains(content, StartMarker), nil
}

// Install appends the managed block to rc, separated from existing content
// by a blank line. It returns false when the block is already present.
func (i *Installer) Install(rc string) (bool, error) {
	content, _, err := i.read(rc)
	if err != nil {
		return false, err
	}
	if strings.Contains(content, StartMarker) {
		return false, nil
	}

	var b strings.Builder
	b.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(Script())

	if err := i.write(rc, b.String()); err != nil {
		return false, err
	}
	return true, nil
}

// Uninstall removes the managed block and any blank lines directly above it.
// It returns false when rc has no block.
func (i *Installer) Uninstall(rc string) (bool, error) {
	content, exists, err := i.read(rc)
	if err != nil || !exists {
		return false, err
	}
	if !strings.Contains(content, StartMarker) {
		return false, nil
	}

	lines := strings.SplitAfter(content, "\n")
	kept := make([]string, 0, len(lines))
	skip := false
	for _, line := range lines {
		switch {
		case strings.Contains(line, StartMarker):
			skip = true
			for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
				kept = kept[:len(kept)-1]
			}
		case strings.Contains(line, EndMarker):
			skip = false
		case !skip:
			kept = append(kept, line)
		}
	}

	if err := i.write(rc, strings.Join(kept, "")); err != nil {
		return false, err
	}
	return true, nil
}

// Result summarizes an install or uninstall across RC files.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

// InstallShell installs the block into every RC file shell resolves to.
func (i *Installer) InstallShell(shell Shell) (*Result, error) {
	rcs, err := i.RCFiles(shell)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, rc := range rcs {
		ok, err := i.Install(rc)
		if err != nil {
			return nil, err
		}
		if ok {
			changed = append(changed, i.Path(rc))
		}
	}
	if len(changed) == 0 {
		return &Result{Success: true, Message: "Hook is already installed."}, nil
	}
	return &Result{
		Success: true,
		Message: "Hook installed: " + strings.Join(changed, ", "),
		Files:   changed,
	}, nil
}

// UninstallShell removes the block from every RC file shell resolves to.
func (i *Installer) UninstallShell(shell Shell) (*Result, error) {
	rcs, err := i.RCFiles(shell)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, rc := range rcs {
		ok, err := i.Uninstall(rc)
		if err != nil {
			return nil, err
		}
		if ok {
			changed = append(changed, i.Path(rc))
		}
	}
	if len(changed) == 0 {
		return &Result{Success: true, Message: "No hook installed."}, nil
	}
	return &Result{
		Success: true,
		Message: "Hook removed: " + strings.Join(changed, ", "),
		Files:   changed,
	}, nil
}
