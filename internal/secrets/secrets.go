// Package secrets detects credential-shaped strings in a directory tree.
//
// The scanner is a pre-commit gate: any finding vetoes a push. Findings
// carry the matched text so callers can act on it, but the text must not be
// logged or rendered; Summaries only reports location and signature.
package secrets

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"unicode/utf8"
)

// Signature is a named credential pattern.
type Signature struct {
	ID      string
	Pattern *regexp.Regexp
}

// Finding is a single credential match.
type Finding struct {
	Path      string
	Line      int
	Match     string
	Signature string
}

// word matches a Unicode letter, digit or underscore. RE2's \w is ASCII only.
const word = `\p{L}\p{N}_`

// DefaultSignatures is the fixed, ordered signature list.
var DefaultSignatures = []Signature{
	{ID: "anthropic-api-key", Pattern: regexp.MustCompile(`sk-ant-api[` + word + `]{2}-[` + word + `-]{20,}`)},
	{ID: "openai-project-key", Pattern: regexp.MustCompile(`sk-proj-[` + word + `-]{20,}`)},
	{ID: "generic-sk-key", Pattern: regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`)},
	{ID: "github-personal-token", Pattern: regexp.MustCompile(`ghp_[a-zA-Z0-9]{36,}`)},
	{ID: "github-oauth-token", Pattern: regexp.MustCompile(`gho_[a-zA-Z0-9]{36,}`)},
	{ID: "github-fine-grained-pat", Pattern: regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{20,}`)},
	{ID: "slack-bot-token", Pattern: regexp.MustCompile(`xoxb-[` + word + `-]{20,}`)},
	{ID: "slack-user-token", Pattern: regexp.MustCompile(`xoxp-[` + word + `-]{20,}`)},
	{ID: "google-api-key", Pattern: regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`)},
}

// Scanner walks a tree and matches every line against its signatures.
type Scanner struct {
	signatures []Signature
}

// NewScanner creates a scanner using DefaultSignatures
func NewScanner() *Scanner {
	return &Scanner{signatures: DefaultSignatures}
}

// Scan reports every signature match in every regular file under root.
// Files that are unreadable or not valid UTF-8 are skipped, as are
// directories that cannot be listed. Only a missing or unreadable root is
// an error.
func (s *Scanner) Scan(root string) ([]Finding, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("failed to stat scan root: %w", err)
	}

	var findings []Finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		findings = append(findings, s.scanFile(path)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	return findings, nil
}

func (s *Scanner) scanFile(path string) []Finding {
	data, err := os.ReadFile(path)
	if err != nil || !utf8.Valid(data) {
		return nil
	}

	var findings []Finding
	for i, line := range splitLines(string(data)) {
		for _, sig := range s.signatures {
			for _, m := range sig.Pattern.FindAllString(line, -1) {
				findings = append(findings, Finding{
					Path:      path,
					Line:      i + 1,
					Match:     m,
					Signature: sig.ID,
				})
			}
		}
	}
	return findings
}

// splitLines breaks s at every Unicode line boundary, treating "\r\n" as one.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		switch r {
		case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
			if r == '\n' && i > 0 && s[i-1] == '\r' {
				start = i + 1
				continue
			}
			lines = append(lines, s[start:i])
			start = i + utf8.RuneLen(r)
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// Summaries renders findings as "<relative path>:<line> - <signature>".
func Summaries(root string, findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		rel, err := filepath.Rel(root, f.Path)
		if err != nil {
			rel = f.Path
		}
		out = append(out, fmt.Sprintf("%s:%d - %s", filepath.ToSlash(rel), f.Line, f.Signature))
	}
	return out
}
