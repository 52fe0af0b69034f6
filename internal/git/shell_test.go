package git

import (
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/home/user/.ssh/id_rsa", "'/home/user/.ssh/id_rsa'"},
		{"/path/with spaces/key", "'/path/with spaces/key'"},
		{"/path/it's/key", `'/path/it'\''s/key'`},
		{"", "''"},
	}

	for _, tt := range tests {
		if got := shellQuote(tt.input); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestInsertGitFlags(t *testing.T) {
	args := []string{"git", "-C", "/repo", "push", "origin", "HEAD:refs/heads/main"}
	got := insertGitFlags(args, "-c", "credential.helper=x")
	want := []string{"git", "-c", "credential.helper=x", "-C", "/repo", "push", "origin", "HEAD:refs/heads/main"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("insertGitFlags() = %v, want %v", got, want)
	}

	if got := insertGitFlags(nil, "-c", "a=b"); !reflect.DeepEqual(got, []string{"-c", "a=b"}) {
		t.Errorf("insertGitFlags(nil) = %v", got)
	}
}

func TestConfigureAuth_SSH(t *testing.T) {
	b := NewShellBackend("/repo", Options{SSHKeyFile: "/keys/it's"})
	cmd := exec.Command("git", "push")
	if err := b.configureAuth(cmd, "git@github.com:me/claude.git"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, env := range cmd.Env {
		if strings.HasPrefix(env, "GIT_SSH_COMMAND=") {
			found = true
			if !strings.Contains(env, `'/keys/it'\''s'`) {
				t.Errorf("key path not quoted: %s", env)
			}
		}
	}
	if !found {
		t.Error("GIT_SSH_COMMAND not set")
	}
}

func TestConfigureAuth_HTTPSMissingToken(t *testing.T) {
	b := NewShellBackend("/repo", Options{HTTPSTokenFile: "/does/not/exist"})
	cmd := exec.Command("git", "push")
	if err := b.configureAuth(cmd, "https://github.com/me/claude.git"); err == nil {
		t.Fatal("expected error for unreadable token file")
	}

	// Scheme mismatch leaves the command untouched
	cmd = exec.Command("git", "push")
	if err := b.configureAuth(cmd, "git@github.com:me/claude.git"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cmd.Args) != 2 {
		t.Errorf("args modified: %v", cmd.Args)
	}
}

func TestParseLog(t *testing.T) {
	out := "\x1eabc123\x1f1700000000\x1frestore to 01234567\n\n\x1f\nCLAUDE.md\nagents/a.md\n" +
		"\x1edef456\x1f1699999000\x1ffirst\nbody line\n\x1f\nsettings.json\n"

	entries, err := parseLog(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "abc123" || entries[0].Message != "restore to 01234567" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if !reflect.DeepEqual(entries[0].Files, []string{"CLAUDE.md", "agents/a.md"}) {
		t.Errorf("unexpected files: %v", entries[0].Files)
	}
	if !entries[0].Time.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected time: %v", entries[0].Time)
	}
	if entries[1].Message != "first\nbody line" {
		t.Errorf("multi-line message not preserved: %q", entries[1].Message)
	}

	if _, err := parseLog("\x1ebroken"); err == nil {
		t.Error("expected error for malformed record")
	}
}
