// Package tools exposes the sync engine and hook installer as named actions
// that take JSON parameters and return JSON-serializable results.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/git"
	"github.com/schaermu/claude-sync/internal/hook"
	claudesync "github.com/schaermu/claude-sync/internal/sync"
)

// DefaultHistoryLimit is used by sync_history when no limit is given
const DefaultHistoryLimit = 20

// ErrUnknownTool is returned by Call for names not in Definitions
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes one tool for discovery.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Params is the union of every tool's parameters.
type Params struct {
	ClaudeDir string `json:"claude_dir"`
	SyncRepo  string `json:"sync_repo"`
	BackupDir string `json:"backup_dir"`
	RemoteURL string `json:"remote_url"`
	Message   string `json:"message"`
	Limit     *int   `json:"limit"`
	CommitSHA string `json:"commit_sha"`
	Shell     string `json:"shell"`
}

// Failure is returned in place of a result when an operation fails.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// InitResult is returned by sync_init
type InitResult struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	SyncRepo string  `json:"sync_repo"`
	Remote   *string `json:"remote"`
}

// HistoryEntry is one commit as reported by sync_history
type HistoryEntry struct {
	SHA          string   `json:"sha"`
	Message      string   `json:"message"`
	Date         string   `json:"date"`
	FilesChanged []string `json:"files_changed"`
}

// HistoryResult is returned by sync_history
type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
}

// RestoreResult is returned by sync_restore
type RestoreResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RestoredSHA      string `json:"restored_sha"`
	BackupCommitted  bool   `json:"backup_committed"`
	RestoreCommitted bool   `json:"restore_committed"`
	FilesRestored    int    `json:"files_restored"`
}

type tool struct {
	def Definition
	run func(ctx context.Context, s *Service, p Params) (any, error)
}

// Service dispatches tool calls. Backends are cached per mirror directory
// so in-memory history survives between calls.
type Service struct {
	cfg        *config.Config
	hooks      *hook.Installer
	logger     *slog.Logger
	newBackend func(*config.Config) (git.Backend, error)

	mu       sync.Mutex
	backends map[string]git.Backend
}

// NewService creates a tool service using cfg for every path not
// overridden by a call.
func NewService(cfg *config.Config, hooks *hook.Installer, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		hooks:      hooks,
		logger:     logger,
		newBackend: claudesync.NewBackend,
		backends:   map[string]git.Backend{},
	}
}

// Definitions lists every tool in a stable order.
func (s *Service) Definitions() []Definition {
	defs := make([]Definition, 0, len(registry))
	for _, t := range registry {
		defs = append(defs, t.def)
	}
	return defs
}

// Call runs the named tool. Operation failures are reported as a Failure
// result; the returned error is reserved for unknown tools and malformed
// arguments.
func (s *Service) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	var t *tool
	for i := range registry {
		if registry[i].def.Name == name {
			t = &registry[i]
			break
		}
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var p Params
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	s.logger.Info("tool call", "tool", name)
	result, err := t.run(ctx, s, p)
	if err != nil {
		s.logger.Warn("tool failed", "tool", name, "error", err)
		return Failure{Success: false, Error: err.Error()}, nil
	}
	return result, nil
}

// engine builds an engine for the paths in p.
func (s *Service) engine(p Params) (*claudesync.Engine, error) {
	cfg, err := s.cfg.WithPaths(p.ClaudeDir, p.SyncRepo, p.BackupDir)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	backend, ok := s.backends[cfg.Paths.SyncRepo]
	if !ok {
		backend, err = s.newBackend(cfg)
		if err != nil {
			return nil, err
		}
		s.backends[cfg.Paths.SyncRepo] = backend
	}
	return claudesync.NewEngine(cfg, backend, s.logger), nil
}

func pathProperties(extra map[string]any) map[string]any {
	props := map[string]any{
		"claude_dir": map[string]any{"type": "string", "description": "Live Claude directory (default ~/.claude)"},
		"sync_repo":  map[string]any{"type": "string", "description": "Mirror repository (default ~/.claude-sync-repo)"},
		"backup_dir": map[string]any{"type": "string", "description": "Backup directory (default ~/.claude-sync-backup)"},
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func schema(props map[string]any, required ...string) map[string]any {
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

var shellSchema = map[string]any{
	"type":        "string",
	"enum":        []string{"auto", "bash", "zsh"},
	"description": "Shell whose RC file is edited",
	"default":     "auto",
}

var registry = []tool{
	{
		def: Definition{
			Name:        "sync_init",
			Description: "Initialize the sync mirror repository and optionally configure its remote.",
			InputSchema: schema(pathProperties(map[string]any{
				"remote_url": map[string]any{"type": "string", "description": "Remote repository URL"},
			})),
		},
		run: runInit,
	},
	{
		def: Definition{
			Name:        "sync_push",
			Description: "Copy Claude settings into the mirror and commit them. Aborts when secrets are detected.",
			InputSchema: schema(pathProperties(map[string]any{
				"message": map[string]any{"type": "string", "description": "Commit message"},
			})),
		},
		run: runPush,
	},
	{
		def: Definition{
			Name:        "sync_pull",
			Description: "Copy mirror contents into the Claude directory. Existing settings are backed up first.",
			InputSchema: schema(pathProperties(nil)),
		},
		run: runPull,
	},
	{
		def: Definition{
			Name:        "sync_status",
			Description: "Report changed files and the time of the last sync.",
			InputSchema: schema(pathProperties(nil)),
		},
		run: runStatus,
	},
	{
		def: Definition{
			Name:        "sync_history",
			Description: "List sync history, newest first.",
			InputSchema: schema(pathProperties(map[string]any{
				"limit": map[string]any{"type": "integer", "description": "Maximum entries", "default": DefaultHistoryLimit},
			})),
		},
		run: runHistory,
	},
	{
		def: Definition{
			Name:        "sync_restore",
			Description: "Restore settings to a past commit. Current state is committed as a backup first.",
			InputSchema: schema(pathProperties(map[string]any{
				"commit_sha": map[string]any{"type": "string", "description": "Commit ID, revision or time expression"},
			}), "commit_sha"),
		},
		run: runRestore,
	},
	{
		def: Definition{
			Name:        "hook_install",
			Description: "Install a shell hook that pulls settings when a shell starts.",
			InputSchema: schema(map[string]any{"shell": shellSchema}),
		},
		run: runHookInstall,
	},
	{
		def: Definition{
			Name:        "hook_uninstall",
			Description: "Remove the shell hook.",
			InputSchema: schema(map[string]any{"shell": shellSchema}),
		},
		run: runHookUninstall,
	},
}

func runInit(ctx context.Context, s *Service, p Params) (any, error) {
	e, err := s.engine(p)
	if err != nil {
		return nil, err
	}
	if err := e.Initialize(ctx, p.RemoteURL); err != nil {
		return nil, err
	}
	result := InitResult{Success: true, Message: "Sync environment initialized.", SyncRepo: e.Config().Paths.SyncRepo}
	if p.RemoteURL != "" {
		remote := p.RemoteURL
		result.Remote = &remote
	}
	return result, nil
}

func runPush(ctx context.Context, s *Service, p Params) (any, error) {
	e, err := s.engine(p)
	if err != nil {
		return nil, err
	}
	return e.Push(ctx, p.Message)
}

func runPull(ctx context.Context, s *Service, p Params) (any, error) {
	e, err := s.engine(p)
	if err != nil {
		return nil, err
	}
	return e.Pull(ctx)
}

func runStatus(ctx context.Context, s *Service, p Params) (any, error) {
	e, err := s.engine(p)
	if err != nil {
		return nil, err
	}
	return e.Status(ctx)
}

func runHistory(ctx context.Context, s *Service, p Params) (any, error) {
	e, err := s.engine(p)
	if err != nil {
		return nil, err
	}
	limit := DefaultHistoryLimit
	if p.Limit != nil {
		limit = *p.Limit
	}
	entries, err := e.History(ctx, limit)
	if err != nil {
		return nil, err
	}

	result := HistoryResult{Entries: make([]HistoryEntry, 0, len(entries)), Count: len(entries)}
	for _, entry := range entries {
		files := entry.Files
		if files == nil {
			files = []string{}
		}
		result.Entries = append(result.Entries, HistoryEntry{
			SHA:          entry.ShortID(),
			Message:      entry.Message,
			Date:         entry.Time.Format(time.RFC3339),
			FilesChanged: files,
		})
	}
	return result, nil
}

func runRestore(ctx context.Context, s *Service, p Params) (any, error) {
	point := strings.TrimSpace(p.CommitSHA)
	if point == "" {
		return nil, errors.New("commit_sha is required")
	}
	e, err := s.engine(p)
	if err != nil {
		return nil, err
	}
	restored, err := e.RestoreTo(ctx, point)
	if err != nil {
		return nil, err
	}
	return RestoreResult{
		Success:          true,
		Message:          fmt.Sprintf("Restored to commit %s.", git.ShortID(restored.Commit)),
		RestoredSHA:      restored.Commit,
		BackupCommitted:  restored.BackupCommitted,
		RestoreCommitted: restored.RestoreCommitted,
		FilesRestored:    restored.Pull.FilesSynced,
	}, nil
}

func runHookInstall(_ context.Context, s *Service, p Params) (any, error) {
	shell, err := hook.ParseShell(p.Shell)
	if err != nil {
		return nil, err
	}
	return s.hooks.InstallShell(shell)
}

func runHookUninstall(_ context.Context, s *Service, p Params) (any, error) {
	shell, err := hook.ParseShell(p.Shell)
	if err != nil {
		return nil, err
	}
	return s.hooks.UninstallShell(shell)
}
