package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/schaermu/claude-sync/internal/hook"
	"github.com/schaermu/claude-sync/internal/mcp"
	"github.com/schaermu/claude-sync/internal/tools"
	"github.com/schaermu/claude-sync/internal/ui"
	"github.com/schaermu/claude-sync/internal/watch"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the mirror repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			if remote == "" {
				remote = a.cfg.Sync.RemoteURL
			}
			if err := eng.Initialize(cmd.Context(), remote); err != nil {
				return explain(err)
			}

			a.out.Success("Initialized mirror at " + a.cfg.Paths.SyncRepo)
			if remote != "" {
				a.out.Info(fmt.Sprintf("Remote %s: %s", a.cfg.Sync.Remote, remote))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "URL of the remote to publish to")
	return cmd
}

func newPushCmd(opts *globalOptions) *cobra.Command {
	var (
		message string
		local   bool
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Copy ~/.claude into the mirror and commit",
		Long: `Scan ~/.claude for credentials, copy the selected files into the mirror and
commit them. When the mirror has a remote the commit is published too, unless
--local is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if err := eng.Initialize(ctx, a.cfg.Sync.RemoteURL); err != nil {
				return explain(err)
			}
			res, err := eng.Push(ctx, message)
			if err != nil {
				return explain(err)
			}
			a.out.PushResult(res)
			if res.SecretsFound {
				return errAborted
			}

			if local {
				return nil
			}
			ok, err := eng.HasRemote(ctx)
			if err != nil {
				return explain(err)
			}
			if !ok {
				return nil
			}
			if err := eng.Publish(ctx); err != nil {
				return explain(err)
			}
			a.out.Success(fmt.Sprintf("Published to %s/%s.", a.cfg.Sync.Remote, a.cfg.Sync.Branch))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message (default is a timestamp)")
	cmd.Flags().BoolVar(&local, "local", false, "commit without publishing to the remote")
	return cmd
}

func newPullCmd(opts *globalOptions) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Copy the mirror into ~/.claude",
		Long: `Fetch the mirror from its remote (unless --local is given), back up the
files about to be overwritten and copy the mirror into ~/.claude.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if err := eng.Initialize(ctx, a.cfg.Sync.RemoteURL); err != nil {
				return explain(err)
			}
			if !local {
				ok, err := eng.HasRemote(ctx)
				if err != nil {
					return explain(err)
				}
				if ok {
					if err := eng.Fetch(ctx); err != nil {
						return explain(err)
					}
				}
			}

			res, err := eng.Pull(ctx)
			if err != nil {
				return explain(err)
			}
			a.out.Success(res.Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "skip fetching from the remote")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show files that differ between ~/.claude and the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			st, err := eng.Status(cmd.Context())
			if err != nil {
				return explain(err)
			}
			a.out.Status(st)
			return nil
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent mirror commits",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			entries, err := eng.History(cmd.Context(), limit)
			if err != nil {
				return explain(err)
			}
			a.out.History(entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", tools.DefaultHistoryLimit, "number of commits to show")
	return cmd
}

func newRestoreCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore POINT",
		Short: "Rewind the mirror and ~/.claude to an earlier state",
		Long: `Restore the mirror to POINT and copy it into ~/.claude.

POINT is a commit ID (or unique prefix), a revision such as HEAD~2, or a
time expression such as "yesterday" or "2 hours ago". The current state stays
in history, so a restore can itself be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			point := args[0]
			if !yes {
				if !ui.IsTerminal(os.Stdin) {
					return fmt.Errorf("refusing to restore without confirmation; pass --yes")
				}
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Restore ~/.claude to %q?", point)).
					Description("Files in " + a.cfg.Paths.ClaudeDir + " will be overwritten. A backup is kept in " + a.cfg.Paths.BackupDir + ".").
					Affirmative("Restore").
					Negative("Cancel").
					Value(&confirmed).
					Run()
				if err != nil {
					return fmt.Errorf("confirmation failed: %w", err)
				}
				if !confirmed {
					a.out.Info("Restore cancelled.")
					return nil
				}
			}

			eng, err := a.engine()
			if err != nil {
				return err
			}
			res, err := eng.RestoreTo(cmd.Context(), point)
			if err != nil {
				return explain(err)
			}
			a.out.RestoreResult(res)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newHookCmd(opts *globalOptions) *cobra.Command {
	var shell string

	run := func(uninstall bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sh, err := hook.ParseShell(shell)
			if err != nil {
				return err
			}
			var res *hook.Result
			if uninstall {
				res, err = a.hooks().UninstallShell(sh)
			} else {
				res, err = a.hooks().InstallShell(sh)
			}
			if err != nil {
				return err
			}
			a.out.Success(res.Message)
			return nil
		}
	}

	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Manage the shell startup hook that pulls on login",
	}
	cmd.PersistentFlags().StringVar(&shell, "shell", string(hook.ShellAuto), "shell to configure (bash, zsh, auto)")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Add the hook to your shell RC files",
			RunE:  run(false),
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the hook from your shell RC files",
			RunE:  run(true),
		},
	)
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Commit to the mirror whenever synced files change",
		Long: `Watch ~/.claude and push changed files into the mirror after a short
quiet period. Commits stay local; run 'claude-sync push' to publish them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := eng.Initialize(ctx, a.cfg.Sync.RemoteURL); err != nil {
				return explain(err)
			}

			a.logger.Info("watching for changes",
				"claude_dir", a.cfg.Paths.ClaudeDir,
				"debounce", a.cfg.DebounceDuration())
			return watch.New(a.cfg, eng, a.logger).Run(ctx)
		},
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP tool server on stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			svc := tools.NewService(a.cfg, a.hooks(), a.logger)
			srv, err := mcp.NewServer(svc, "claude-sync", version, a.logger)
			if err != nil {
				return err
			}
			return srv.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
