package cmd

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcus/blocksync/internal/daemon"
	"github.com/marcus/blocksync/internal/output"
	"github.com/marcus/blocksync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run two-way sync in the foreground",
	Long: `Run the sync daemon for the local cache until interrupted.

The daemon pushes unpushed records on start, streams remote updates into the
cache, and pushes again whenever the cache file changes (debounced by
autosync.debounce) and every autosync.interval. One daemon runs per data
directory.

Logs go to stderr, or to autosync.log_file (rotated) when set.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")
		if logFile == "" {
			logFile = syncconfig.GetAutoSyncLogFile()
		}

		level := slog.LevelInfo
		if debugFlag {
			level = slog.LevelDebug
		}
		w := daemon.LogWriter(logFile)
		defer w.Close()
		logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := newSyncEnv(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer env.Close()

		if err := env.requireRemote(); err != nil {
			output.Error("%v", err)
			return err
		}

		d := daemon.New(env.db, env.engine, env.registry(), daemon.Config{
			Debounce: syncconfig.GetAutoSyncDebounce(),
			Interval: syncconfig.GetAutoSyncInterval(),
			Logger:   logger,
		})
		if err := d.Run(ctx); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				output.Warning("%v", err)
				return nil
			}
			output.Error("daemon: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().String("log-file", "", "Write rotated logs to this file (default: autosync.log_file)")
	rootCmd.AddCommand(daemonCmd)
}
