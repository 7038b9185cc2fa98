package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/marcus/blocksync/internal/output"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <collection> [key]",
	Short: "Fetch a record from the server",
	Long: `Fetch the server's copy of a record and print it.

With --apply the record is also written to the local cache, unless the
local copy has unpushed changes.

Examples:
  blocksync pull gameState
  blocksync pull dailyData 2026-02-18 --apply
  blocksync pull templates t1 --envelope`,
	GroupID: "sync",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, _ := cmd.Flags().GetBool("apply")
		envelope, _ := cmd.Flags().GetBool("envelope")
		ctx := cmd.Context()

		key := ""
		if len(args) > 1 {
			key = args[1]
		}
		s, err := lookupCollection(args[0], key)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := s.CheckKey(key); err != nil {
			output.Error("%v", err)
			return err
		}

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

		remoteEnv, err := env.engine.FetchEnvelope(ctx, s, key)
		if err != nil {
			output.Error("fetch: %v", err)
			return err
		}
		if remoteEnv == nil {
			output.Warning("no remote value for %s", s.Path(env.engine.UserID(), key))
			return nil
		}

		if envelope {
			b, err := json.MarshalIndent(remoteEnv, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
		} else {
			var v any
			if err := json.Unmarshal(remoteEnv.Data, &v); err != nil {
				return fmt.Errorf("decode remote data: %w", err)
			}
			b, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			fmt.Fprintf(cmd.ErrOrStderr(), "updated %s by %s\n",
				output.FormatMillis(remoteEnv.UpdatedAt), output.ShortID(remoteEnv.DeviceID))
		}

		if apply {
			if err := env.db.ApplyRemoteUpdate(ctx, s, key, remoteEnv.Data); err != nil {
				output.Error("apply: %v", err)
				return err
			}
			if err := env.db.SetRemoteMeta(s.Collection, key, remoteEnv.UpdatedAt, remoteEnv.DeviceID); err != nil {
				output.Warning("record remote meta: %v", err)
			}
			rec, err := env.db.Get(s.Collection, key)
			if err == nil && rec.Dirty {
				output.Warning("local copy has unpushed changes; kept it (push to merge)")
			}
		}
		return nil
	},
}

func init() {
	pullCmd.Flags().Bool("apply", false, "Write the fetched value to the local cache")
	pullCmd.Flags().Bool("envelope", false, "Print the full envelope (data, updatedAt, deviceId)")
	rootCmd.AddCommand(pullCmd)
}
