package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/output"
	"github.com/marcus/blocksync/internal/sync"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent sync activity",
	Long: `Show entries from the local sync log. Use -f to follow in real-time.

Examples:
  blocksync log           # Show last 20 entries
  blocksync log -f        # Follow new entries in real-time
  blocksync log -n 50     # Show last 50 entries
  blocksync log -f -n 0   # Follow only new entries, skip history`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")
		w := cmd.OutOrStdout()

		database, err := openLocalDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		// Show initial entries
		var entries []localdb.SyncLogEntry
		if lines > 0 {
			entries, err = database.SyncLogTail(lines)
			if err != nil {
				output.Error("query sync log: %v", err)
				return err
			}
		}

		var maxID int64
		for _, e := range entries {
			printLogEntry(w, e)
			if e.ID > maxID {
				maxID = e.ID
			}
		}

		if !follow {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No sync activity recorded.")
			}
			return nil
		}

		// If no initial entries were shown but we're following,
		// get the current max ID to only show new events
		if maxID == 0 && lines == 0 {
			tail, _ := database.SyncLogTail(1)
			if len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		// Follow mode: poll for new entries, handle Ctrl+C gracefully
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-sigCh:
				fmt.Fprintln(w) // clean line after ^C
				return nil
			case <-ticker.C:
				newEntries, err := database.SyncLogSince(maxID, 100)
				if err != nil {
					slog.Debug("log: poll", "err", err)
					continue
				}
				for _, e := range newEntries {
					printLogEntry(w, e)
					if e.ID > maxID {
						maxID = e.ID
					}
				}
			}
		}
	},
}

func printLogEntry(w io.Writer, e localdb.SyncLogEntry) {
	line := output.FormatLogLine(e.CreatedAt, e.Level, e.Channel, e.Message, formatMeta(e.Meta), e.Error)
	switch e.Channel {
	case sync.ChannelPush:
		line = pushArrow + " " + line
	case sync.ChannelListen, sync.ChannelFetch:
		line = pullArrow + " " + line
	default:
		line = "  " + line
	}
	fmt.Fprintln(w, line)
}

// formatMeta renders meta as sorted key=value pairs.
func formatMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := meta[k]
		var s string
		switch v := v.(type) {
		case string:
			s = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				s = fmt.Sprint(v)
			} else {
				s = string(b)
			}
		}
		parts = append(parts, k+"="+s)
	}
	return strings.Join(parts, " ")
}

func init() {
	logCmd.Flags().BoolP("follow", "f", false, "Follow new entries in real-time")
	logCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	rootCmd.AddCommand(logCmd)
}
