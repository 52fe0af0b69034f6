package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScan_Signatures(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"anthropic", "sk-ant-api03-" + strings.Repeat("a", 24), "anthropic-api-key"},
		{"openai project", "sk-proj-" + strings.Repeat("b", 24), "openai-project-key"},
		{"generic sk", "sk-" + strings.Repeat("C", 24), "generic-sk-key"},
		{"github personal", "ghp_" + strings.Repeat("d", 36), "github-personal-token"},
		{"github oauth", "gho_" + strings.Repeat("e", 36), "github-oauth-token"},
		{"github fine grained", "github_pat_" + strings.Repeat("f", 22), "github-fine-grained-pat"},
		{"slack bot", "xoxb-" + strings.Repeat("1", 24), "slack-bot-token"},
		{"slack user", "xoxp-" + strings.Repeat("2", 24), "slack-user-token"},
		{"google", "AIza" + strings.Repeat("g", 35), "google-api-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "settings.json"), []byte(`{"key": "`+tt.token+`"}`))

			findings, err := NewScanner().Scan(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(findings) != 1 {
				t.Fatalf("expected 1 finding, got %d: %+v", len(findings), findings)
			}
			f := findings[0]
			if f.Signature != tt.want {
				t.Errorf("Signature = %s, want %s", f.Signature, tt.want)
			}
			if f.Match != tt.token {
				t.Errorf("Match = %q, want %q", f.Match, tt.token)
			}
			if f.Line != 1 {
				t.Errorf("Line = %d, want 1", f.Line)
			}
		})
	}
}

func TestScan_NearMisses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "notes.md"), []byte(strings.Join([]string{
		"sk-short",
		"ghp_" + strings.Repeat("x", 10),
		"AIza" + strings.Repeat("y", 10),
		"xoxb-tooshort",
		"plain text about tokens and secrets",
	}, "\n")))

	findings, err := NewScanner().Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %+v", findings)
	}
}

func TestScan_EveryMatchAndLine(t *testing.T) {
	dir := t.TempDir()
	k1 := "sk-" + strings.Repeat("A", 20)
	k2 := "sk-" + strings.Repeat("B", 20)
	gh := "ghp_" + strings.Repeat("z", 40)
	writeFile(t, filepath.Join(dir, "agents", "a.md"), []byte("line one\r\nfirst "+k1+" second "+k2+"\r\n\n"+gh+"\n"))

	findings, err := NewScanner().Scan(dir)
	if err != nil {
		t.Fatal(err)
	}

	type loc struct {
		Line  int
		Match string
		Sig   string
	}
	var got []loc
	for _, f := range findings {
		got = append(got, loc{f.Line, f.Match, f.Signature})
	}
	want := []loc{
		{2, k1, "generic-sk-key"},
		{2, k2, "generic-sk-key"},
		{4, gh, "github-personal-token"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("findings mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_SkipsNonUTF8(t *testing.T) {
	dir := t.TempDir()
	data := append([]byte{0xff, 0xfe, 0x00}, []byte("sk-"+strings.Repeat("Q", 30))...)
	writeFile(t, filepath.Join(dir, "cache", "blob.bin"), data)

	findings, err := NewScanner().Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Errorf("expected binary file to be skipped, got %+v", findings)
	}
}

func TestScan_SkipsUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of mode")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.txt")
	writeFile(t, path, []byte("sk-"+strings.Repeat("R", 30)))
	if err := os.Chmod(path, 0000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(path, 0644) })

	findings, err := NewScanner().Scan(dir)
	if err != nil {
		t.Fatalf("unreadable file should be skipped, got error: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %+v", findings)
	}
}

func TestScan_MissingRoot(t *testing.T) {
	if _, err := NewScanner().Scan(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestSummaries(t *testing.T) {
	findings := []Finding{
		{Path: "/root/.claude/agents/a.md", Line: 3, Match: "sk-xxx", Signature: "generic-sk-key"},
	}
	got := Summaries("/root/.claude", findings)
	want := []string{"agents/a.md:3 - generic-sk-key"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summaries mismatch (-want +got):\n%s", diff)
	}
	for _, s := range got {
		if strings.Contains(s, "sk-xxx") {
			t.Error("summary must not contain the matched secret")
		}
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"no terminator", "a", []string{"a"}},
		{"trailing newline", "a\n", []string{"a"}},
		{"crlf is one break", "a\r\nb", []string{"a", "b"}},
		{"lone cr", "a\rb", []string{"a", "b"}},
		{"blank lines kept", "a\n\nb", []string{"a", "", "b"}},
		{"control separators", "a\vb\fc\x1cd\x1de\x1ef", []string{"a", "b", "c", "d", "e", "f"}},
		{"unicode separators", "a\u0085b\u2028c\u2029d", []string{"a", "b", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, splitLines(tt.in)); diff != "" {
				t.Errorf("splitLines(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestScan_LineNumbersAcrossSeparators(t *testing.T) {
	dir := t.TempDir()
	k1 := "sk-" + strings.Repeat("A", 20)
	k2 := "sk-" + strings.Repeat("B", 20)
	writeFile(t, filepath.Join(dir, "notes.md"), []byte("one\rtwo "+k1+" three\n"+k2))

	findings, err := NewScanner().Scan(dir)
	if err != nil {
		t.Fatal(err)
	}

	var got []int
	for _, f := range findings {
		got = append(got, f.Line)
	}
	if diff := cmp.Diff([]int{2, 4}, got); diff != "" {
		t.Errorf("line numbers mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_UnicodeWordCharacters(t *testing.T) {
	dir := t.TempDir()
	token := "xoxb-" + strings.Repeat("é", 20)
	writeFile(t, filepath.Join(dir, "settings.json"), []byte(token))

	findings, err := NewScanner().Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].Signature != "slack-bot-token" || findings[0].Match != token {
		t.Errorf("findings = %+v, want one slack-bot-token match", findings)
	}
}
