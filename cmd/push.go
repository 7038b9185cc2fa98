package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marcus/blocksync/internal/daemon"
	"github.com/marcus/blocksync/internal/localdb"
	"github.com/marcus/blocksync/internal/output"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push [collection] [key]",
	Short: "Push local changes to the server",
	Long: `Push local records to the server, merging with what other devices wrote.

With no arguments every unpushed record is pushed. With a collection (and a
key for list and date-keyed collections) just those records are pushed,
whether or not they changed.

Examples:
  blocksync push                                  # push everything unpushed
  blocksync push gameState                        # push the game state
  blocksync push dailyData 2026-02-18             # push one day
  blocksync push settings --file settings.json    # store then push
  echo '{"text":"stretch"}' | blocksync push templates t1 --file -`,
	GroupID: "sync",
	Args:    cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		ctx := cmd.Context()

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

		records, err := selectRecords(env.db, args, file, cmd.InOrStdin())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		d := daemon.New(env.db, env.engine, env.registry(), daemon.Config{})
		var res daemon.PushResult
		if records == nil {
			res, err = d.PushDirty(ctx)
		} else {
			res, err = d.PushRecords(ctx, records)
		}
		if err != nil {
			output.Error("push: %v", err)
			return err
		}
		printPushResult(cmd.OutOrStdout(), res)
		return nil
	},
}

// selectRecords returns the records named by args, storing --file first.
// A nil slice means every dirty record.
func selectRecords(db *localdb.DB, args []string, file string, stdin io.Reader) ([]localdb.Record, error) {
	if len(args) == 0 {
		if file != "" {
			return nil, errors.New("--file needs a collection")
		}
		return nil, nil
	}
	key := ""
	if len(args) > 1 {
		key = args[1]
	}
	s, err := lookupCollection(args[0], key)
	if err != nil {
		return nil, err
	}

	if file != "" {
		if s.Keyed() && key == "" {
			return nil, fmt.Errorf("%s needs a key to store --file", s.Collection)
		}
		data, err := readJSONFile(file, stdin)
		if err != nil {
			return nil, err
		}
		rec, err := db.Put(s.Collection, key, data)
		if err != nil {
			return nil, err
		}
		return []localdb.Record{rec}, nil
	}

	if s.Keyed() && key == "" {
		return db.List(s.Collection, "")
	}
	rec, err := db.Get(s.Collection, key)
	if err != nil {
		return nil, err
	}
	return []localdb.Record{rec}, nil
}

// readJSONFile reads path, or stdin for "-", and checks it is JSON.
func readJSONFile(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func printPushResult(w io.Writer, res daemon.PushResult) {
	total := res.Pushed + res.Queued + res.Changed + res.Skipped
	if total == 0 {
		fmt.Fprintln(w, "Nothing to push")
		return
	}
	fmt.Fprintf(w, "Pushed %d of %d records\n", res.Pushed, total)
	if res.Queued > 0 {
		fmt.Fprintf(w, "  %d failed and stay unpushed; the daemon will retry them\n", res.Queued)
	}
	if res.Changed > 0 {
		fmt.Fprintf(w, "  %d changed during the push and stay unpushed\n", res.Changed)
	}
	if res.Skipped > 0 {
		fmt.Fprintf(w, "  %d skipped (unknown collection)\n", res.Skipped)
	}
}

func init() {
	pushCmd.Flags().StringP("file", "f", "", "Store this JSON file (- for stdin) locally before pushing")
	rootCmd.AddCommand(pushCmd)
}

