package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/blocksync/internal/output"
	"github.com/marcus/blocksync/internal/tui/watch"
	"github.com/spf13/cobra"
)

// Styles for streamed watch output
var (
	pushArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("→") // green
	pullArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Render("←") // cyan
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream remote updates into the local cache",
	Long: `Attach listeners for every collection and apply remote updates to the
local cache as other devices write them. Date-keyed collections only stream
the last lookback_days days.

Local changes are not pushed; run 'blocksync daemon' for two-way sync.

Examples:
  blocksync watch         # print updates as they arrive
  blocksync watch --tui   # live full-screen view`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		useTUI, _ := cmd.Flags().GetBool("tui")

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

		reg := env.registry()
		feed := watch.NewFeed(env.db, 256)
		unsub, err := reg.AttachAll(ctx, feed)
		if err != nil {
			output.Error("attach listeners: %v", err)
			return err
		}
		defer unsub()

		if useTUI {
			status := func() watch.Status {
				_, dirty, _ := env.db.Count()
				return watch.Status{
					Listeners: reg.Attached(),
					Pending:   env.engine.RetryQueue().Len(),
					Dirty:     dirty,
				}
			}
			m := watch.NewModel(feed.Events(), status, time.Second)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				output.Error("watch: %v", err)
				return err
			}
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %d listeners for %s (Ctrl+C to stop)\n",
			reg.Attached(), env.engine.UserID())
		streamEvents(ctx, cmd.OutOrStdout(), feed.Events())
		return nil
	},
}

// streamEvents prints events until ctx is done or the channel closes.
func streamEvents(ctx context.Context, w io.Writer, events <-chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintln(w, formatWatchEvent(ev))
		}
	}
}

func formatWatchEvent(ev watch.Event) string {
	id := ev.Collection
	if ev.Key != "" {
		id += "/" + ev.Key
	}
	line := fmt.Sprintf("%s %s %s", dimStyle.Render(ev.At.Format("15:04:05")), pullArrow, id)
	switch {
	case ev.Err != nil:
		line += "  apply failed: " + ev.Err.Error()
	case ev.Data == nil:
		line += "  removed"
	default:
		line += "  " + dimStyle.Render(output.FormatBytes(len(ev.Data)))
	}
	return line
}

func init() {
	watchCmd.Flags().Bool("tui", false, "Full-screen live view")
	rootCmd.AddCommand(watchCmd)
}

