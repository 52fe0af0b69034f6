package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/claude-sync/internal/config"
	"github.com/schaermu/claude-sync/internal/git"
	"github.com/schaermu/claude-sync/internal/hook"
	"github.com/schaermu/claude-sync/internal/logging"
	claudesync "github.com/schaermu/claude-sync/internal/sync"
	"github.com/schaermu/claude-sync/internal/ui"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errAborted signals a non-zero exit whose reason was already printed.
var errAborted = errors.New("aborted")

func main() {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errAborted) {
			_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags.
type globalOptions struct {
	cfgFile   string
	claudeDir string
	syncRepo  string
	backupDir string
	tier      int
	backend   string
	logLevel  string
	logFormat string
	logFile   string
	quiet     bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "claude-sync",
		Short: "Synchronize Claude Code settings through a Git mirror",
		Long: `claude-sync copies a selected subset of ~/.claude into a Git repository
(~/.claude-sync-repo) and back, so settings, agents and skills follow you
between machines.

Pushes are refused when anything under ~/.claude looks like a credential.
Every pull backs up the files it is about to overwrite to ~/.claude-sync-backup.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bindFlags(root.PersistentFlags())

	root.AddCommand(
		newInitCmd(opts),
		newPushCmd(opts),
		newPullCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newRestoreCmd(opts),
		newHookCmd(opts),
		newWatchCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return root
}

// bindFlags registers the global flags on fs.
func (o *globalOptions) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.cfgFile, "config", "", "config file (default is $HOME/"+config.DefaultFileName+")")
	fs.StringVar(&o.claudeDir, "claude-dir", "", "live Claude directory (default is $HOME/.claude)")
	fs.StringVar(&o.syncRepo, "sync-repo", "", "mirror repository (default is $HOME/.claude-sync-repo)")
	fs.StringVar(&o.backupDir, "backup-dir", "", "backup directory (default is $HOME/.claude-sync-backup)")
	fs.IntVar(&o.tier, "tier", 0, "highest tier to sync (1, 2 or 3)")
	fs.StringVar(&o.backend, "backend", "", "version control backend (git, go-git, memory)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", "", "log format (text, json)")
	fs.StringVar(&o.logFile, "log-file", "", "write logs to a rotated file instead of stderr")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "only print warnings and errors")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "claude-sync %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// app bundles what every command needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	out    *ui.Printer
}

func (o *globalOptions) setup(cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Writer:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	logger.Debug("configuration loaded",
		"claude_dir", cfg.Paths.ClaudeDir,
		"sync_repo", cfg.Paths.SyncRepo,
		"backup_dir", cfg.Paths.BackupDir,
		"max_tier", cfg.Sync.MaxTier,
		"backend", cfg.Backend,
		"auth", cfg.AuthMethod())

	return &app{
		cfg:    cfg,
		logger: logger,
		closer: closer,
		out:    ui.New(cmd.OutOrStdout(), o.quiet),
	}, nil
}

// loadConfig reads the config file and applies flag overrides on top.
func (o *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	var cfg *config.Config
	if o.cfgFile != "" {
		cfg, err = config.Load(o.cfgFile, home)
	} else {
		cfg, err = config.LoadOptional(config.DefaultPath(home), home)
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("tier") {
		cfg.Sync.MaxTier = o.tier
	}
	if flags.Changed("backend") {
		cfg.Backend = config.BackendKind(o.backend)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if o.quiet {
		cfg.Log.Level = "error"
	}

	return cfg.WithPaths(o.claudeDir, o.syncRepo, o.backupDir)
}

func (a *app) close() {
	_ = a.closer.Close()
}

func (a *app) engine() (*claudesync.Engine, error) {
	backend, err := claudesync.NewBackend(a.cfg)
	if err != nil {
		return nil, err
	}
	return claudesync.NewEngine(a.cfg, backend, a.logger), nil
}

// hooks returns an installer rooted at the user's home directory.
func (a *app) hooks() *hook.Installer {
	return hook.NewInstaller(osfs.New(a.cfg.Home))
}

// explain adds a hint to errors a user can fix with another command.
func explain(err error) error {
	switch {
	case errors.Is(err, git.ErrNotInitialized):
		return fmt.Errorf("%w (run 'claude-sync init' first)", err)
	case errors.Is(err, git.ErrNotFastForward):
		return fmt.Errorf("%w (the remote has diverged; resolve it in the mirror repository by hand)", err)
	default:
		return err
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
