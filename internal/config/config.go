package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BackendKind selects the version-control backend implementation
type BackendKind string

const (
	BackendGit    BackendKind = "git"
	BackendGoGit  BackendKind = "go-git"
	BackendMemory BackendKind = "memory"
)

const (
	// DefaultFileName is the config file looked up in the user's home directory
	DefaultFileName = ".claude-sync.toml"

	defaultMaxTier  = 2
	defaultRemote   = "origin"
	defaultBranch   = "main"
	defaultDebounce = "5s"
)

// Config represents the complete claude-sync configuration
type Config struct {
	Paths   PathsConfig `yaml:"paths" toml:"paths"`
	Sync    SyncConfig  `yaml:"sync" toml:"sync"`
	Backend BackendKind `yaml:"backend" toml:"backend"`
	Auth    AuthConfig  `yaml:"auth" toml:"auth"`
	Log     LogConfig   `yaml:"log" toml:"log"`
	Watch   WatchConfig `yaml:"watch" toml:"watch"`

	// Home is the directory every default path was derived from.
	Home string `yaml:"-" toml:"-"`
}

// PathsConfig configures the three directories the engine works with
type PathsConfig struct {
	ClaudeDir string `yaml:"claude_dir" toml:"claude_dir"`
	SyncRepo  string `yaml:"sync_repo" toml:"sync_repo"`
	BackupDir string `yaml:"backup_dir" toml:"backup_dir"`
}

// SyncConfig configures which files are synced and where they are published
type SyncConfig struct {
	MaxTier   int    `yaml:"max_tier" toml:"max_tier"`
	Remote    string `yaml:"remote" toml:"remote"`
	RemoteURL string `yaml:"remote_url" toml:"remote_url"`
	Branch    string `yaml:"branch" toml:"branch"`
}

// AuthConfig configures Git authentication for push and pull
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file" toml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file" toml:"https_token_file"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// WatchConfig configures the filesystem watcher
type WatchConfig struct {
	Debounce string `yaml:"debounce" toml:"debounce"`
}

// Default returns a configuration whose paths are all derived from home.
func Default(home string) *Config {
	cfg := &Config{Home: home}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the default config file location for home.
func DefaultPath(home string) string {
	return filepath.Join(home, DefaultFileName)
}

// Load reads and parses the configuration file. The format is chosen by
// extension: .toml uses TOML, anything else YAML.
func Load(path, home string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{Home: home}
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOptional behaves like Load but returns the defaults when the file
// does not exist.
func LoadOptional(path, home string) (*Config, error) {
	cfg, err := Load(path, home)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(home), nil
	}
	return cfg, err
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// expandEnv expands environment variables and a leading ~ in path fields
func (c *Config) expandEnv() {
	c.Paths.ClaudeDir = c.expandPath(c.Paths.ClaudeDir)
	c.Paths.SyncRepo = c.expandPath(c.Paths.SyncRepo)
	c.Paths.BackupDir = c.expandPath(c.Paths.BackupDir)
	c.Sync.RemoteURL = os.ExpandEnv(c.Sync.RemoteURL)
	c.Auth.SSHKeyFile = c.expandPath(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = c.expandPath(c.Auth.HTTPSTokenFile)
	c.Log.File = c.expandPath(c.Log.File)
}

func (c *Config) expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" {
		return c.Home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(c.Home, p[2:])
	}
	return p
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.ClaudeDir == "" {
		c.Paths.ClaudeDir = filepath.Join(c.Home, ".claude")
	}
	if c.Paths.SyncRepo == "" {
		c.Paths.SyncRepo = filepath.Join(c.Home, ".claude-sync-repo")
	}
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = filepath.Join(c.Home, ".claude-sync-backup")
	}
	if c.Sync.MaxTier == 0 {
		c.Sync.MaxTier = defaultMaxTier
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = defaultRemote
	}
	if c.Sync.Branch == "" {
		c.Sync.Branch = defaultBranch
	}
	if c.Backend == "" {
		c.Backend = BackendGit
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Watch.Debounce == "" {
		c.Watch.Debounce = defaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	dirs := map[string]string{
		"paths.claude_dir": c.Paths.ClaudeDir,
		"paths.sync_repo":  c.Paths.SyncRepo,
		"paths.backup_dir": c.Paths.BackupDir,
	}
	for name, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path: %s", name, dir)
		}
	}

	// No directory may equal or contain another.
	pairs := []struct{ a, b, aName, bName string }{
		{c.Paths.ClaudeDir, c.Paths.SyncRepo, "paths.claude_dir", "paths.sync_repo"},
		{c.Paths.ClaudeDir, c.Paths.BackupDir, "paths.claude_dir", "paths.backup_dir"},
		{c.Paths.SyncRepo, c.Paths.BackupDir, "paths.sync_repo", "paths.backup_dir"},
	}
	for _, p := range pairs {
		switch {
		case filepath.Clean(p.a) == filepath.Clean(p.b):
			return fmt.Errorf("%s must differ from %s", p.bName, p.aName)
		case Contains(p.a, p.b):
			return fmt.Errorf("%s must not be inside %s: %s", p.bName, p.aName, p.b)
		case Contains(p.b, p.a):
			return fmt.Errorf("%s must not be inside %s: %s", p.aName, p.bName, p.a)
		}
	}

	if c.Sync.MaxTier < 1 || c.Sync.MaxTier > 3 {
		return fmt.Errorf("invalid sync.max_tier: %d (must be 1, 2, or 3)", c.Sync.MaxTier)
	}

	switch c.Backend {
	case BackendGit, BackendGoGit, BackendMemory:
		// valid
	default:
		return fmt.Errorf("invalid backend: %s (must be git, go-git, or memory)", c.Backend)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when a remote url is configured, the scheme must match
	if c.Sync.RemoteURL != "" {
		if c.Auth.SSHKeyFile != "" && !IsSSH(c.Sync.RemoteURL) {
			return fmt.Errorf("auth.ssh_key_file is set but sync.remote_url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Auth.HTTPSTokenFile != "" && !IsHTTPS(c.Sync.RemoteURL) {
			return fmt.Errorf("auth.https_token_file is set but sync.remote_url does not use HTTPS scheme")
		}
	}

	switch c.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return fmt.Errorf("invalid watch.debounce: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("watch.debounce must be positive: %s", c.Watch.Debounce)
	}

	return nil
}

// Contains reports whether dir is parent or lies beneath it. Both paths
// must be absolute.
func Contains(parent, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// WithPaths returns a validated copy of c with any non-empty path replaced.
// Overrides get the same ~ and $VAR expansion as the config file.
func (c *Config) WithPaths(claudeDir, syncRepo, backupDir string) (*Config, error) {
	out := *c
	if claudeDir != "" {
		out.Paths.ClaudeDir = out.expandPath(claudeDir)
	}
	if syncRepo != "" {
		out.Paths.SyncRepo = out.expandPath(syncRepo)
	}
	if backupDir != "" {
		out.Paths.BackupDir = out.expandPath(backupDir)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// DebounceDuration returns the parsed watch debounce interval.
func (c *Config) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultDebounce)
	}
	return d
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the URL uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if the URL uses SSH
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
