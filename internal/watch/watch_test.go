package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/claude-sync/internal/config"
	claudesync "github.com/schaermu/claude-sync/internal/sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockPusher implements Pusher for testing.
type mockPusher struct {
	mu     sync.Mutex
	calls  int
	block  chan struct{} // when set, each push waits for a receive
	pushed chan struct{}
	result *claudesync.Result
	err    error
}

func newMockPusher() *mockPusher {
	return &mockPusher{
		pushed: make(chan struct{}, 16),
		result: &claudesync.Result{FilesSynced: 1, Committed: true},
	}
}

func (m *mockPusher) Push(_ context.Context, _ string) (*claudesync.Result, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	m.pushed <- struct{}{}
	return m.result, m.err
}

func (m *mockPusher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func waitPush(t *testing.T, m *mockPusher) {
	t.Helper()
	select {
	case <-m.pushed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push")
	}
}

func TestRelevant(t *testing.T) {
	patterns := []string{"CLAUDE.md", "settings.json", "agents/", "skills/"}

	tests := []struct {
		rel  string
		want bool
	}{
		{"CLAUDE.md", true},
		{"settings.json", true},
		{"agents", true},
		{"agents/reviewer.md", true},
		{"skills/deploy/SKILL.md", true},
		{"agents/statusline.log", false},
		{"settings.local.json", false},
		{"history.jsonl", false},
		{"debug/trace.txt", false},
		{"CLAUDE.md.swp", false},
		{".", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Relevant(patterns, tt.rel); got != tt.want {
			t.Errorf("Relevant(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestDebouncer_CoalescesTriggers(t *testing.T) {
	d := &debouncer{delay: 50 * time.Millisecond}
	var fired atomic.Int32
	done := make(chan struct{}, 4)

	for i := 0; i < 5; i++ {
		d.trigger(func() {
			fired.Add(1)
			done <- struct{}{}
		})
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced callback never fired")
	}
	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("callback fired %d times, want 1", n)
	}
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := &debouncer{delay: 20 * time.Millisecond}
	var fired atomic.Int32
	d.trigger(func() { fired.Add(1) })
	d.stop()
	d.trigger(func() { fired.Add(1) })

	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("callback fired %d times after stop", n)
	}
}

func TestPerformPush_SingleFlight(t *testing.T) {
	cfg := config.Default(t.TempDir())
	m := newMockPusher()
	m.block = make(chan struct{})
	w := New(cfg, m, testLogger())
	ctx := context.Background()

	finished := make(chan struct{})
	go func() {
		w.performPush(ctx)
		close(finished)
	}()

	// Wait until the first push is in progress
	deadline := time.Now().Add(5 * time.Second)
	for {
		w.syncMu.Lock()
		running := w.syncRunning
		w.syncMu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("push never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Concurrent requests collapse into one pending re-run
	w.performPush(ctx)
	w.performPush(ctx)
	w.performPush(ctx)

	m.block <- struct{}{}
	waitPush(t, m)
	m.block <- struct{}{}
	waitPush(t, m)
	<-finished

	if n := m.count(); n != 2 {
		t.Errorf("pushes = %d, want 2", n)
	}
}

func TestPerformPush_ErrorsDoNotStop(t *testing.T) {
	cfg := config.Default(t.TempDir())
	m := newMockPusher()
	m.err = errors.New("backend down")
	w := New(cfg, m, testLogger())

	w.performPush(context.Background())
	<-m.pushed

	m.err = nil
	m.result = &claudesync.Result{SecretsFound: true, SecretDetails: []string{"CLAUDE.md:1 - generic-sk-key"}}
	w.performPush(context.Background())
	<-m.pushed

	if n := m.count(); n != 2 {
		t.Errorf("pushes = %d, want 2", n)
	}
}

func TestRun_PushesOnRelevantChange(t *testing.T) {
	home := t.TempDir()
	cfg := config.Default(home)
	cfg.Watch.Debounce = "50ms"
	if err := os.MkdirAll(filepath.Join(cfg.Paths.ClaudeDir, "agents"), 0755); err != nil {
		t.Fatal(err)
	}

	m := newMockPusher()
	w := New(cfg, m, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Give the watcher time to register its watches
	time.Sleep(200 * time.Millisecond)

	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(cfg.Paths.ClaudeDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("debug/trace.txt", "ignored")
	write("settings.local.json", "ignored")
	time.Sleep(200 * time.Millisecond)
	if n := m.count(); n != 0 {
		t.Fatalf("irrelevant changes triggered %d pushes", n)
	}

	write("CLAUDE.md", "hello")
	waitPush(t, m)

	write("agents/reviewer.md", "nested")
	waitPush(t, m)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_MissingRoot(t *testing.T) {
	cfg := config.Default(t.TempDir())
	w := New(cfg, newMockPusher(), testLogger())
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error for missing source root")
	}
}

func TestFileRuleParents(t *testing.T) {
	patterns := []string{"CLAUDE.md", "agents/", "plugins/installed_plugins.json", "plugins/other.json", "a/b/c.json"}
	got := fileRuleParents(patterns)
	want := []string{"plugins", "a/b"}
	if len(got) != len(want) {
		t.Fatalf("fileRuleParents() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fileRuleParents()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRun_PushesOnNestedFileRule(t *testing.T) {
	for _, tc := range []struct {
		name          string
		createdBefore bool
	}{
		{name: "existing parent", createdBefore: true},
		{name: "parent created later", createdBefore: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			cfg := config.Default(home)
			cfg.Sync.MaxTier = 1
			cfg.Watch.Debounce = "50ms"
			plugins := filepath.Join(cfg.Paths.ClaudeDir, "plugins")
			if err := os.MkdirAll(cfg.Paths.ClaudeDir, 0755); err != nil {
				t.Fatal(err)
			}
			if tc.createdBefore {
				if err := os.MkdirAll(plugins, 0755); err != nil {
					t.Fatal(err)
				}
			}

			m := newMockPusher()
			w := New(cfg, m, testLogger())

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx) }()
			time.Sleep(200 * time.Millisecond)

			if !tc.createdBefore {
				if err := os.MkdirAll(plugins, 0755); err != nil {
					t.Fatal(err)
				}
				time.Sleep(200 * time.Millisecond)
			}

			if err := os.WriteFile(filepath.Join(plugins, "installed_plugins.json"), []byte(`{"plugins":[]}`), 0644); err != nil {
				t.Fatal(err)
			}
			waitPush(t, m)

			cancel()
			select {
			case err := <-errCh:
				if err != nil {
					t.Errorf("Run() error: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
}

func TestRun_IgnoresUnselectedFileNextToRule(t *testing.T) {
	home := t.TempDir()
	cfg := config.Default(home)
	cfg.Watch.Debounce = "50ms"
	plugins := filepath.Join(cfg.Paths.ClaudeDir, "plugins")
	if err := os.MkdirAll(plugins, 0755); err != nil {
		t.Fatal(err)
	}

	m := newMockPusher()
	w := New(cfg, m, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(plugins, "cache.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := m.count(); n != 0 {
		t.Errorf("unselected file triggered %d pushes", n)
	}
}
