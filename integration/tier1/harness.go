//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/claude-sync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the claude-sync binary once and hands out isolated
// machines that share a bare remote.
type Harness struct {
	t      *testing.T
	bin    string
	remote string
}

// Machine is one simulated host with its own home directory.
type Machine struct {
	t    *testing.T
	name string
	bin  string
	home string
}

// NewHarness builds the binary and creates the shared remote. The test is
// skipped when git is not installed.
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}

	t.Logf("Building claude-sync from %s", root)
	bin, err := testutil.BuildBinary(ctx, root, t.TempDir())
	if err != nil {
		t.Fatalf("build binary: %v", err)
	}

	remote := filepath.Join(t.TempDir(), "remote.git")
	cmd := exec.CommandContext(ctx, "git", "init", "--bare", "--initial-branch=main", remote)
	cmd.Stdout = &testWriter{t: t, prefix: "[git] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[git] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("init bare remote: %v", err)
	}

	return &Harness{t: t, bin: bin, remote: remote}
}

// Remote returns the path of the shared bare repository.
func (h *Harness) Remote() string {
	return h.remote
}

// NewMachine creates a machine with an empty ~/.claude.
func (h *Harness) NewMachine(name string) *Machine {
	h.t.Helper()
	home := filepath.Join(h.t.TempDir(), name)
	if err := os.MkdirAll(filepath.Join(home, ".claude"), 0o755); err != nil {
		h.t.Fatalf("create home for %s: %v", name, err)
	}
	return &Machine{t: h.t, name: name, bin: h.bin, home: home}
}

// Home returns the machine's home directory.
func (m *Machine) Home() string {
	return m.home
}

// Run executes claude-sync with HOME pointed at the machine.
func (m *Machine) Run(ctx context.Context, args ...string) (string, string, int, error) {
	m.t.Helper()

	cmd := exec.CommandContext(ctx, m.bin, args...)
	cmd.Env = append(os.Environ(),
		"HOME="+m.home,
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_NOSYSTEM=1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: m.t, prefix: "[" + m.name + "] "})

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes claude-sync and fails the test on a non-zero exit.
func (m *Machine) MustRun(ctx context.Context, args ...string) string {
	m.t.Helper()
	stdout, stderr, exitCode, err := m.Run(ctx, args...)
	if err != nil {
		m.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		m.t.Fatalf("claude-sync %v on %s failed with exit code %d\nstdout: %s\nstderr: %s",
			args, m.name, exitCode, stdout, stderr)
	}
	return stdout
}

// WriteFile writes a file relative to the machine's home.
func (m *Machine) WriteFile(rel, content string) {
	m.t.Helper()
	path := filepath.Join(m.home, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		m.t.Fatalf("write %s: %v", rel, err)
	}
}

// ReadFile reads a file relative to the machine's home.
func (m *Machine) ReadFile(rel string) string {
	m.t.Helper()
	data, err := os.ReadFile(filepath.Join(m.home, filepath.FromSlash(rel)))
	if err != nil {
		m.t.Fatalf("read %s on %s: %v", rel, m.name, err)
	}
	return string(data)
}

// FileExists reports whether rel exists under the machine's home.
func (m *Machine) FileExists(rel string) bool {
	_, err := os.Stat(filepath.Join(m.home, filepath.FromSlash(rel)))
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
