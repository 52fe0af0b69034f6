// Package rules defines which parts of the Claude configuration directory
// are synced, which are never synced, and the mirror's deny-list file.
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier orders rules by how much the user opts in to. Tiers are cumulative:
// selecting a tier selects every lower tier as well.
type Tier int

const (
	// Tier1 holds the essential configuration files.
	Tier1 Tier = iota + 1
	// Tier2 adds skills and command history.
	Tier2
	// Tier3 adds per-project session history and todos.
	Tier3
)

// DefaultTier is the tier used when none is configured.
const DefaultTier = Tier2

// DenyListFile is the name of the ignore file written into the mirror.
const DenyListFile = ".gitignore"

func (t Tier) String() string {
	return "tier" + strconv.Itoa(int(t))
}

// ParseTier accepts "1".."3" or "tier1".."tier3".
func ParseTier(s string) (Tier, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tier"))
	if err != nil || n < int(Tier1) || n > int(Tier3) {
		return 0, fmt.Errorf("invalid tier %q (must be 1, 2, or 3)", s)
	}
	return Tier(n), nil
}

// Rule selects a file or directory relative to the source root.
type Rule struct {
	Pattern     string
	Tier        Tier
	IsDirectory bool
	Description string
}

var defaultRules = []Rule{
	{Pattern: "CLAUDE.md", Tier: Tier1, Description: "main instructions file"},
	{Pattern: "settings.json", Tier: Tier1, Description: "settings"},
	{Pattern: "agents/", Tier: Tier1, IsDirectory: true, Description: "user agents"},
	{Pattern: "plugins/installed_plugins.json", Tier: Tier1, Description: "installed plugin list"},
	{Pattern: "skills/", Tier: Tier2, IsDirectory: true, Description: "user skills"},
	{Pattern: "history.jsonl", Tier: Tier2, Description: "command history"},
	{Pattern: "projects/", Tier: Tier3, IsDirectory: true, Description: "per-project session history"},
	{Pattern: "todos/", Tier: Tier3, IsDirectory: true, Description: "todo lists"},
}

var excluded = []string{
	"debug/",
	"cache/",
	"paste-cache/",
	"session-env/",
	"statusline.log",
	"stats-cache.json",
	"statsig/",
	"settings.local.json",
}

var secretGlobs = []string{
	"**/api_key*",
	"**/*token*",
	"**/*secret*",
	"**/credentials*",
	"**/.env",
	"**/.env.*",
}

var osArtifacts = []string{
	".DS_Store",
	"Thumbs.db",
}

// Default returns every rule in declaration order.
func Default() []Rule {
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out
}

// ByTier returns the rules whose tier is at most max, in declaration order.
func ByTier(max Tier) []Rule {
	var out []Rule
	for _, r := range defaultRules {
		if r.Tier <= max {
			out = append(out, r)
		}
	}
	return out
}

// Patterns extracts the patterns of rs, preserving order.
func Patterns(rs []Rule) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Pattern)
	}
	return out
}

// Excluded returns the patterns that are never synced regardless of tier.
func Excluded() []string {
	out := make([]string, len(excluded))
	copy(out, excluded)
	return out
}

// IsExcluded reports whether rel, a slash-separated path relative to the
// source root, falls under an exclusion pattern.
func IsExcluded(rel string) bool {
	for _, pattern := range excluded {
		if strings.HasSuffix(pattern, "/") {
			stripped := strings.TrimSuffix(pattern, "/")
			if rel == pattern || rel == stripped ||
				strings.HasPrefix(rel, pattern) || strings.HasPrefix(rel, stripped) {
				return true
			}
			continue
		}
		if rel == pattern || strings.HasSuffix(rel, "/"+pattern) {
			return true
		}
	}
	return false
}

// DenyList renders the contents of the mirror's ignore file.
func DenyList() string {
	var b strings.Builder
	b.WriteString("# Generated by claude-sync. Do not edit.\n\n")
	b.WriteString("# Credentials\n")
	for _, g := range secretGlobs {
		b.WriteString(g + "\n")
	}
	b.WriteString("\n# Never synced\n")
	for _, p := range excluded {
		b.WriteString(p + "\n")
	}
	b.WriteString("\n# OS artifacts\n")
	for _, p := range osArtifacts {
		b.WriteString(p + "\n")
	}
	return b.String()
}
